// Package sparse computes the lexical companion vector stored next to each
// dense embedding. Indices are CRC32 hashes of tokens; weights follow BM25 for
// documents and are flat 1.0 for queries. The tokenizer is shared by the
// ingest and query paths and must stay byte-identical between them.
package sparse

import (
	"hash/crc32"
	"math"
	"sort"
	"strings"
	"unicode"
)

const (
	bm25K1    = 1.2
	bm25B     = 0.75
	bm25AvgDL = 100.0

	minTokenLen      = 3
	minShortTokenLen = 2
	hebrewBlockStart = 0x0590
	hebrewBlockEnd   = 0x05FF
)

// Vector is the (indices, values) pair understood by the vector store.
type Vector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Tokenize splits text into index terms. Unicode Cf runes (invisible
// formatting, common in exported WhatsApp text) are stripped first. Tokens of
// pure Latin letters must be at least 3 runes; tokens containing Hebrew runes
// or digits qualify at 2 runes, so "בן 30" yields ["בן", "30"].
func Tokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.Is(unicode.Cf, r) {
			continue
		}
		b.WriteRune(r)
	}

	fields := strings.FieldsFunc(strings.ToLower(b.String()), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := make([]string, 0, len(fields))
	for _, tok := range fields {
		if keepToken(tok) {
			out = append(out, tok)
		}
	}
	return out
}

func keepToken(tok string) bool {
	n := 0
	short := false
	for _, r := range tok {
		n++
		if unicode.IsDigit(r) || isHebrew(r) {
			short = true
		}
	}
	if short {
		return n >= minShortTokenLen
	}
	return n >= minTokenLen
}

func isHebrew(r rune) bool {
	return r >= hebrewBlockStart && r <= hebrewBlockEnd
}

// EncodeDocument produces a BM25-weighted sparse vector for stored content.
func EncodeDocument(text string) Vector {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return Vector{Indices: []uint32{}, Values: []float32{}}
	}

	counts := make(map[uint32]int, len(tokens))
	for _, tok := range tokens {
		counts[hashToken(tok)]++
	}

	docLen := float64(len(tokens))
	norm := bm25K1 * (1 - bm25B + bm25B*docLen/bm25AvgDL)

	return assemble(counts, func(tf int) float32 {
		f := float64(tf)
		return float32(f * (bm25K1 + 1) / (f + norm))
	})
}

// EncodeQuery produces a flat-weighted sparse vector: 1.0 per unique term, no
// term-frequency saturation.
func EncodeQuery(text string) Vector {
	tokens := Tokenize(text)
	counts := make(map[uint32]int, len(tokens))
	for _, tok := range tokens {
		counts[hashToken(tok)] = 1
	}
	return assemble(counts, func(int) float32 { return 1.0 })
}

func assemble(counts map[uint32]int, weight func(tf int) float32) Vector {
	indices := make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, 0, len(indices))
	for _, idx := range indices {
		w := weight(counts[idx])
		if math.IsNaN(float64(w)) || math.IsInf(float64(w), 0) {
			w = 0
		}
		values = append(values, w)
	}
	return Vector{Indices: indices, Values: values}
}

func hashToken(tok string) uint32 {
	return crc32.ChecksumIEEE([]byte(tok))
}
