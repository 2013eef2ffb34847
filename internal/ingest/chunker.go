package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// defaultMaxChunkChars keeps a chunk under roughly 7,000 tokens even for
	// Hebrew, which tokenizes denser than English.
	defaultMaxChunkChars = 4500
	hardSplitOverlap     = 200
	// minWordCharRatio rejects binary or base64 residue masquerading as text.
	minWordCharRatio = 0.40
)

// Chunk is one embeddable unit of a source item.
type Chunk struct {
	Text  string
	Index int
	Total int
}

// SplitText chunks text for embedding. Text that fits is a single chunk.
// Oversized text splits on paragraph boundaries, then sentences, then hard
// offsets with a 200-char overlap. Chunks failing the word-character ratio
// gate are dropped and the survivors reindexed.
func SplitText(text string, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = defaultMaxChunkChars
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var parts []string
	if len(text) <= maxChars {
		parts = []string{text}
	} else {
		parts = splitRecursive(text, maxChars)
	}

	var kept []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if wordCharRatio(p) < minWordCharRatio {
			continue
		}
		kept = append(kept, p)
	}

	chunks := make([]Chunk, len(kept))
	for i, p := range kept {
		chunks[i] = Chunk{Text: p, Index: i, Total: len(kept)}
	}
	return chunks
}

func splitRecursive(text string, maxChars int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}
	if parts, ok := splitOnSeparator(text, "\n\n", maxChars); ok {
		return parts
	}
	if parts, ok := splitOnSeparator(text, ". ", maxChars); ok {
		return parts
	}
	return splitHard(text, maxChars)
}

// splitOnSeparator greedily packs separator-delimited segments into chunks.
// Fails (returns ok=false) when any single segment still exceeds the limit,
// so the caller can fall through to the next strategy.
func splitOnSeparator(text, sep string, maxChars int) ([]string, bool) {
	segments := strings.Split(text, sep)
	if len(segments) < 2 {
		return nil, false
	}
	for _, seg := range segments {
		if len(seg)+len(sep) > maxChars {
			return nil, false
		}
	}

	var out []string
	var current strings.Builder
	for _, seg := range segments {
		piece := seg
		if current.Len() > 0 {
			piece = sep + seg
		}
		if current.Len()+len(piece) > maxChars {
			out = append(out, current.String())
			current.Reset()
			piece = seg
		}
		current.WriteString(piece)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out, true
}

// splitHard cuts at fixed offsets with trailing-context overlap between
// consecutive chunks. Cut points walk back to the nearest rune boundary so a
// byte-offset cut never bisects a multibyte rune.
func splitHard(text string, maxChars int) []string {
	var out []string
	step := maxChars - hardSplitOverlap
	if step <= 0 {
		step = maxChars
	}
	start := 0
	for start < len(text) {
		end := start + maxChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = runeAlign(text, end)
		}
		out = append(out, text[start:end])
		if end == len(text) {
			break
		}
		next := runeAlign(text, start+step)
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// runeAlign walks a byte offset back to the start of the rune it lands in.
func runeAlign(text string, offset int) int {
	for offset > 0 && offset < len(text) && !utf8.RuneStart(text[offset]) {
		offset--
	}
	return offset
}

// wordCharRatio is the fraction of runes that look like natural text:
// letters, digits, whitespace and common punctuation.
func wordCharRatio(s string) float64 {
	if s == "" {
		return 0
	}
	wordLike := 0
	total := 0
	for _, r := range s {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) ||
			strings.ContainsRune(`.,;:!?'"-_`, r) {
			wordLike++
		}
	}
	return float64(wordLike) / float64(total)
}
