package rag

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/platform/qdrant"
)

func newTestProcessor(t *testing.T) *RichProcessor {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	tz, err := time.LoadLocation("Asia/Jerusalem")
	if err != nil {
		t.Fatalf("tz: %v", err)
	}
	return NewRichProcessor(log, t.TempDir(), tz)
}

func imageSource(path, sender, chat string, ts int64) qdrant.ScoredPoint {
	return qdrant.ScoredPoint{
		ID: path,
		Payload: qdrant.ChunkPayload{
			Sender:    sender,
			ChatName:  chat,
			Timestamp: ts,
			HasMedia:  true,
			MediaType: "image",
			MediaPath: path,
		},
	}
}

func TestInlineImagesDedupByPath(t *testing.T) {
	rp := newTestProcessor(t)
	ts := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC).Unix()
	sources := []qdrant.ScoredPoint{
		imageSource("/data/media/cat.jpg", "Alice", "Family", ts),
		imageSource("/data/media/cat.jpg", "Alice", "Family", ts),
		imageSource("/data/media/dog.png", "Bob", "Friends", ts),
	}

	_, blocks := rp.Process("here are the photos", sources)
	var images []RichBlock
	for _, b := range blocks {
		if b.Type == "image" {
			images = append(images, b)
		}
	}
	if len(images) != 2 {
		t.Fatalf("duplicate media paths should collapse, got %d blocks", len(images))
	}
	if images[0].URL != "/media/images/cat.jpg" {
		t.Fatalf("image url: %q", images[0].URL)
	}
	if !strings.HasPrefix(images[0].Caption, "Image from Alice in Family on ") {
		t.Fatalf("caption: %q", images[0].Caption)
	}
}

func TestNonImageMediaIsNotInlined(t *testing.T) {
	rp := newTestProcessor(t)
	src := imageSource("/data/media/call.ogg", "Alice", "Family", time.Now().Unix())
	src.Payload.MediaType = "audio"

	_, blocks := rp.Process("answer", []qdrant.ScoredPoint{src})
	for _, b := range blocks {
		if b.Type == "image" {
			t.Fatalf("audio media must not become an image block")
		}
	}
}

func TestCreateEventBlockBecomesICS(t *testing.T) {
	rp := newTestProcessor(t)
	answer := "Dinner is set.\n[CREATE_EVENT]\ntitle: Dinner with Dana\nstart: 2025-06-01 19:30\nlocation: Haifa\n[/CREATE_EVENT]\nSee you there."

	visible, blocks := rp.Process(answer, nil)
	if strings.Contains(visible, "CREATE_EVENT") {
		t.Fatalf("markers must be stripped: %q", visible)
	}
	var ev *RichBlock
	for i := range blocks {
		if blocks[i].Type == "ics_event" {
			ev = &blocks[i]
		}
	}
	if ev == nil {
		t.Fatalf("expected an ics_event block, got %+v", blocks)
	}
	if ev.Title != "Dinner with Dana" || ev.Location != "Haifa" {
		t.Fatalf("event fields: %+v", ev)
	}
	if !strings.HasPrefix(ev.DownloadURL, "/media/events/") || !strings.HasSuffix(ev.DownloadURL, ".ics") {
		t.Fatalf("download url: %q", ev.DownloadURL)
	}

	raw, err := os.ReadFile(filepath.Join(rp.eventDir, filepath.Base(ev.DownloadURL)))
	if err != nil {
		t.Fatalf("ics file: %v", err)
	}
	ics := string(raw)
	if !strings.Contains(ics, "DTSTART;TZID=Asia/Jerusalem:20250601T193000") {
		t.Fatalf("DTSTART wrong: %s", ics)
	}
	if !strings.Contains(ics, "DTEND;TZID=Asia/Jerusalem:20250601T203000") {
		t.Fatalf("missing end should default to one hour: %s", ics)
	}
	if !strings.Contains(ics, "SUMMARY:Dinner with Dana") {
		t.Fatalf("summary missing: %s", ics)
	}
}

func TestUnparseableEventBlockIsDropped(t *testing.T) {
	rp := newTestProcessor(t)
	answer := "Sure.\n[CREATE_EVENT]\ntitle: Mystery\nstart: sometime soon\n[/CREATE_EVENT]"

	visible, blocks := rp.Process(answer, nil)
	if strings.Contains(visible, "CREATE_EVENT") {
		t.Fatalf("markers must be stripped even when the block fails: %q", visible)
	}
	for _, b := range blocks {
		if b.Type == "ics_event" {
			t.Fatalf("unparseable block should not produce an event")
		}
	}
}

func TestDisambiguationButtons(t *testing.T) {
	rp := newTestProcessor(t)
	answer := "Which one did you mean?\n1) Dana Cohen\n2) Dana Levi"

	visible, blocks := rp.Process(answer, nil)
	if len(blocks) != 1 || blocks[0].Type != "buttons" {
		t.Fatalf("expected a buttons block, got %+v", blocks)
	}
	if len(blocks[0].Options) != 2 || blocks[0].Options[0] != "Dana Cohen" || blocks[0].Options[1] != "Dana Levi" {
		t.Fatalf("options: %v", blocks[0].Options)
	}
	if strings.Contains(visible, "Dana Cohen") {
		t.Fatalf("options should leave the visible text: %q", visible)
	}
}

func TestSingleOptionIsNotDisambiguation(t *testing.T) {
	rp := newTestProcessor(t)
	answer := "Did you mean this?\n1) Dana Cohen"

	visible, blocks := rp.Process(answer, nil)
	if len(blocks) != 0 {
		t.Fatalf("one option is not a disambiguation, got %+v", blocks)
	}
	if !strings.Contains(visible, "Dana Cohen") {
		t.Fatalf("text must be untouched: %q", visible)
	}
}

func TestNumberedListWithoutIndicatorStays(t *testing.T) {
	rp := newTestProcessor(t)
	answer := "Shopping list:\n1) milk\n2) bread"

	visible, blocks := rp.Process(answer, nil)
	if len(blocks) != 0 {
		t.Fatalf("a plain numbered list is not buttons, got %+v", blocks)
	}
	if !strings.Contains(visible, "milk") {
		t.Fatalf("text must be untouched: %q", visible)
	}
}
