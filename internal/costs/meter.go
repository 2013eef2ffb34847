// Package costs is the LLM-cost ledger. A Meter observes every provider call
// made anywhere in the process, prices it, keeps a bounded in-memory session
// buffer and appends the event to the database. Persistence failures are
// logged and swallowed: the meter must never break the hot path.
package costs

import (
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/recallhq/recall-backend/internal/platform/llm"
	"github.com/recallhq/recall-backend/internal/platform/logger"
	"github.com/recallhq/recall-backend/internal/types"
)

// maxBufferedEvents bounds the in-memory session buffer; oldest entries are
// evicted first.
const maxBufferedEvents = 1000

type Meter struct {
	log     *logger.Logger
	db      *gorm.DB
	pricing *Pricing

	mu           sync.Mutex
	events       []types.CostEvent
	sessionTotal float64
}

var _ llm.CallObserver = (*Meter)(nil)

func NewMeter(db *gorm.DB, log *logger.Logger, pricing *Pricing) *Meter {
	return &Meter{
		log:     log.With("service", "CostMeter"),
		db:      db,
		pricing: pricing,
	}
}

// OnCallComplete prices and records one call. The insert runs outside the
// critical section.
func (m *Meter) OnCallComplete(ev llm.CallEvent) {
	cost, known := m.pricing.Cost(ev)
	if !known {
		m.log.Warn("no pricing for model", "provider", ev.Provider, "model", ev.Model, "kind", ev.Kind)
	}

	row := types.CostEvent{
		Ts:             time.Now().UTC(),
		Provider:       ev.Provider,
		Model:          ev.Model,
		Kind:           string(ev.Kind),
		InTokens:       ev.InTokens,
		OutTokens:      ev.OutTokens,
		TotalTokens:    ev.TotalTokens,
		CostUSD:        cost,
		ConversationID: ev.ConversationID,
		RequestContext: ev.RequestContext,
	}

	m.mu.Lock()
	m.events = append(m.events, row)
	if len(m.events) > maxBufferedEvents {
		m.events = m.events[len(m.events)-maxBufferedEvents:]
	}
	m.sessionTotal += cost
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.Create(&row).Error; err != nil {
			m.log.Error("cost event persist failed", "error", err, "model", ev.Model)
		}
	}
}

// SessionTotal returns the running total for this process lifetime. Take a
// snapshot before a multi-step operation and diff after to get its cost.
func (m *Meter) SessionTotal() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionTotal
}

// SnapshotDelta is the cost accrued since the given snapshot.
func (m *Meter) SnapshotDelta(snapshot float64) float64 {
	delta := m.SessionTotal() - snapshot
	if delta < 0 {
		return 0
	}
	return delta
}

// RecentEvents returns a copy of the bounded session buffer.
func (m *Meter) RecentEvents() []types.CostEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.CostEvent, len(m.events))
	copy(out, m.events)
	return out
}

// DailyTotal sums persisted cost for the UTC day containing ts.
func (m *Meter) DailyTotal(ts time.Time) (float64, error) {
	day := ts.UTC().Truncate(24 * time.Hour)
	var total float64
	err := m.db.Model(&types.CostEvent{}).
		Where("ts >= ? AND ts < ?", day, day.Add(24*time.Hour)).
		Select("COALESCE(SUM(cost_usd), 0)").
		Scan(&total).Error
	return total, err
}

// ConversationCost sums persisted cost attributed to one conversation.
func (m *Meter) ConversationCost(conversationID string) (float64, error) {
	var total float64
	err := m.db.Model(&types.CostEvent{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(SUM(cost_usd), 0)").
		Scan(&total).Error
	return total, err
}
