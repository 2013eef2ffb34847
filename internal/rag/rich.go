package rag

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
)

// RichBlock is one structured block returned alongside the answer text.
type RichBlock struct {
	Type string `json:"type"` // image | ics_event | buttons

	// image
	URL     string `json:"url,omitempty"`
	Caption string `json:"caption,omitempty"`

	// ics_event
	Title       string `json:"title,omitempty"`
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
	Location    string `json:"location,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`

	// buttons
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// RichProcessor turns a raw LLM answer plus the retrieved chunks into a
// clean visible answer and structured blocks.
type RichProcessor struct {
	log      *logger.Logger
	eventDir string
	tz       *time.Location
}

func NewRichProcessor(log *logger.Logger, eventDir string, tz *time.Location) *RichProcessor {
	if tz == nil {
		tz = time.UTC
	}
	return &RichProcessor{
		log:      log.With("service", "RichProcessor"),
		eventDir: eventDir,
		tz:       tz,
	}
}

// Process extracts inline images, calendar events and disambiguation
// buttons. The returned answer has every marker stripped.
func (rp *RichProcessor) Process(answer string, sources []qdrant.ScoredPoint) (string, []RichBlock) {
	var blocks []RichBlock

	blocks = append(blocks, rp.inlineImages(sources)...)

	answer, events := rp.extractEvents(answer)
	blocks = append(blocks, events...)

	answer, buttons := rp.extractButtons(answer)
	blocks = append(blocks, buttons...)

	return strings.TrimSpace(answer), blocks
}

// inlineImages attaches one image block per distinct media path among the
// source chunks.
func (rp *RichProcessor) inlineImages(sources []qdrant.ScoredPoint) []RichBlock {
	var blocks []RichBlock
	seen := map[string]bool{}
	for _, s := range sources {
		p := s.Payload
		if !p.HasMedia || p.MediaPath == "" || seen[p.MediaPath] {
			continue
		}
		if p.MediaType != "image" && !hasImageExt(p.MediaPath) {
			continue
		}
		seen[p.MediaPath] = true
		blocks = append(blocks, RichBlock{
			Type:    "image",
			URL:     "/media/images/" + filepath.Base(p.MediaPath),
			Caption: imageCaption(p, rp.tz),
		})
	}
	return blocks
}

func hasImageExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

func imageCaption(p qdrant.ChunkPayload, tz *time.Location) string {
	sender := p.Sender
	if sender == "" {
		sender = p.Source
	}
	chat := p.ChatName
	if chat == "" {
		chat = p.Source
	}
	ts := time.Unix(p.Timestamp, 0).In(tz)
	return fmt.Sprintf("Image from %s in %s on %d/%d/%d %02d:%02d",
		sender, chat, ts.Day(), int(ts.Month()), ts.Year(), ts.Hour(), ts.Minute())
}

var eventBlockRe = regexp.MustCompile(`(?s)\[CREATE_EVENT\](.*?)\[/CREATE_EVENT\]`)

// eventTimeLayouts are tried in order when parsing start/end values the
// model emits.
var eventTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"02/01/2006 15:04",
	"2006-01-02",
	"02/01/2006",
}

// extractEvents parses [CREATE_EVENT] blocks into ICS files and strips the
// markers from the answer. An unparseable block is logged and removed
// without producing an event.
func (rp *RichProcessor) extractEvents(answer string) (string, []RichBlock) {
	var blocks []RichBlock
	out := eventBlockRe.ReplaceAllStringFunc(answer, func(match string) string {
		body := eventBlockRe.FindStringSubmatch(match)[1]
		fields := parseEventFields(body)

		start, ok := rp.parseEventTime(fields["start"])
		if fields["title"] == "" || !ok {
			rp.log.Warn("unparseable event block dropped", "body", strings.TrimSpace(body))
			return ""
		}
		end, endOK := rp.parseEventTime(fields["end"])
		if !endOK {
			end = start.Add(time.Hour)
		}

		name := uuid.NewString() + ".ics"
		if err := rp.writeICS(name, fields["title"], fields["location"], fields["description"], start, end); err != nil {
			rp.log.Error("ics write failed", "error", err)
			return ""
		}
		blocks = append(blocks, RichBlock{
			Type:        "ics_event",
			Title:       fields["title"],
			Start:       start.Format(time.RFC3339),
			End:         end.Format(time.RFC3339),
			Location:    fields["location"],
			DownloadURL: "/media/events/" + name,
		})
		return ""
	})
	return out, blocks
}

func parseEventFields(body string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(body, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return fields
}

func (rp *RichProcessor) parseEventTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, rp.tz); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (rp *RichProcessor) writeICS(name, title, location, description string, start, end time.Time) error {
	if err := os.MkdirAll(rp.eventDir, 0o755); err != nil {
		return err
	}
	const stamp = "20060102T150405"
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//recall//archive//EN\r\n")
	b.WriteString("BEGIN:VEVENT\r\n")
	b.WriteString("UID:" + uuid.NewString() + "\r\n")
	b.WriteString("DTSTAMP:" + time.Now().UTC().Format(stamp) + "Z\r\n")
	b.WriteString("DTSTART;TZID=" + rp.tz.String() + ":" + start.Format(stamp) + "\r\n")
	b.WriteString("DTEND;TZID=" + rp.tz.String() + ":" + end.Format(stamp) + "\r\n")
	b.WriteString("SUMMARY:" + icsEscape(title) + "\r\n")
	if location != "" {
		b.WriteString("LOCATION:" + icsEscape(location) + "\r\n")
	}
	if description != "" {
		b.WriteString("DESCRIPTION:" + icsEscape(description) + "\r\n")
	}
	b.WriteString("END:VEVENT\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return os.WriteFile(filepath.Join(rp.eventDir, name), []byte(b.String()), 0o644)
}

func icsEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, ";", `\;`)
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// questionIndicators is the closed set of phrases that mark a
// disambiguation question, English and Hebrew.
var questionIndicators = []string{
	"which one", "did you mean", "who do you mean", "which of",
	"איזה מהם", "איזו מהן", "למי התכוונת", "איזה", "למה התכוונת",
}

var numberedOptionRe = regexp.MustCompile(`(?m)^\s*\d+[).]\s*(.+)$`)

// extractButtons detects a disambiguation answer: a question indicator plus
// at least two numbered options. Options move into a button block and leave
// the visible text.
func (rp *RichProcessor) extractButtons(answer string) (string, []RichBlock) {
	lower := strings.ToLower(answer)
	indicated := false
	for _, ind := range questionIndicators {
		if strings.Contains(lower, ind) {
			indicated = true
			break
		}
	}
	if !indicated {
		return answer, nil
	}

	matches := numberedOptionRe.FindAllStringSubmatch(answer, -1)
	if len(matches) < 2 {
		return answer, nil
	}

	options := make([]string, len(matches))
	for i, m := range matches {
		options[i] = strings.TrimSpace(m[1])
	}
	visible := strings.TrimSpace(numberedOptionRe.ReplaceAllString(answer, ""))
	return visible, []RichBlock{{
		Type:     "buttons",
		Question: visible,
		Options:  options,
	}}
}
