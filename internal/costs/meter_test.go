package costs

import (
	"fmt"
	"math"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/recallhq/recall-backend/internal/platform/llm"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/types"
)

func newTestMeter(t *testing.T) *Meter {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:costs_%d?mode=memory&cache=shared", time.Now().UnixNano())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.CostEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	pricing, err := LoadPricing()
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	return NewMeter(db, log, pricing)
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestChatPricing(t *testing.T) {
	pricing, err := LoadPricing()
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	cost, ok := pricing.Cost(llm.CallEvent{
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Kind:     llm.KindChat,
		InTokens: 1000, OutTokens: 2000,
	})
	if !ok {
		t.Fatalf("model should be priced")
	}
	want := 0.00015 + 2*0.0006
	if !approxEqual(cost, want) {
		t.Fatalf("cost: want=%f got=%f", want, cost)
	}
}

func TestModelAliasResolution(t *testing.T) {
	pricing, err := LoadPricing()
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	cases := []string{
		"gpt-4o-2024-08-06",
		"openai/gpt-4o",
		"models/gpt-4o-20240806",
		"GPT-4O",
	}
	for _, model := range cases {
		_, ok := pricing.Cost(llm.CallEvent{Provider: "openai", Model: model, Kind: llm.KindChat, InTokens: 1})
		if !ok {
			t.Fatalf("alias %q should resolve to gpt-4o", model)
		}
	}
}

func TestWhisperPricedPerMinute(t *testing.T) {
	pricing, err := LoadPricing()
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	cost, ok := pricing.Cost(llm.CallEvent{
		Provider: "openai", Model: "whisper-1", Kind: llm.KindWhisper, AudioSeconds: 90,
	})
	if !ok {
		t.Fatalf("whisper should be priced")
	}
	if !approxEqual(cost, 1.5*0.006) {
		t.Fatalf("cost: want=%f got=%f", 1.5*0.006, cost)
	}
}

func TestUnknownModelCostsZero(t *testing.T) {
	pricing, err := LoadPricing()
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	cost, ok := pricing.Cost(llm.CallEvent{Provider: "acme", Model: "mystery", Kind: llm.KindChat, InTokens: 1000})
	if ok || cost != 0 {
		t.Fatalf("unknown model: want (0,false) got (%f,%v)", cost, ok)
	}
}

func TestSessionTotalMatchesSumAndPersists(t *testing.T) {
	m := newTestMeter(t)

	before := m.SessionTotal()
	events := []llm.CallEvent{
		{Provider: "openai", Model: "gpt-4o-mini", Kind: llm.KindChat, InTokens: 500, OutTokens: 100, ConversationID: "conv-1"},
		{Provider: "openai", Model: "text-embedding-3-small", Kind: llm.KindEmbed, TotalTokens: 2000, ConversationID: "conv-1"},
	}
	var wantDelta float64
	for _, ev := range events {
		cost, _ := m.pricing.Cost(ev)
		wantDelta += cost
		m.OnCallComplete(ev)
	}

	if got := m.SnapshotDelta(before); !approxEqual(got, wantDelta) {
		t.Fatalf("session delta: want=%f got=%f", wantDelta, got)
	}

	var count int64
	if err := m.db.Model(&types.CostEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != int64(len(events)) {
		t.Fatalf("persisted events: want=%d got=%d", len(events), count)
	}

	convTotal, err := m.ConversationCost("conv-1")
	if err != nil {
		t.Fatalf("conversation cost: %v", err)
	}
	if !approxEqual(convTotal, wantDelta) {
		t.Fatalf("conversation cost: want=%f got=%f", wantDelta, convTotal)
	}
}

func TestBufferBounded(t *testing.T) {
	m := newTestMeter(t)
	m.db = nil // skip persistence; this test is about the ring buffer
	for i := 0; i < maxBufferedEvents+50; i++ {
		m.OnCallComplete(llm.CallEvent{Provider: "openai", Model: "gpt-4o-mini", Kind: llm.KindChat, InTokens: 1})
	}
	if got := len(m.RecentEvents()); got != maxBufferedEvents {
		t.Fatalf("buffer: want=%d got=%d", maxBufferedEvents, got)
	}
}

func TestDailyTotal(t *testing.T) {
	m := newTestMeter(t)
	m.OnCallComplete(llm.CallEvent{Provider: "openai", Model: "gpt-4o", Kind: llm.KindChat, InTokens: 1000, OutTokens: 1000})
	total, err := m.DailyTotal(time.Now())
	if err != nil {
		t.Fatalf("daily total: %v", err)
	}
	if total <= 0 {
		t.Fatalf("daily total should be positive, got %f", total)
	}
}
