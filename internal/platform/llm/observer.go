package llm

// CallKind mirrors the pricing table's unit families.
type CallKind string

const (
	KindChat    CallKind = "chat"
	KindEmbed   CallKind = "embed"
	KindWhisper CallKind = "whisper"
	KindImage   CallKind = "image"
)

// CallEvent is emitted synchronously after every provider round trip. The
// cost meter is one observer; tests register counters.
type CallEvent struct {
	Provider       string
	Model          string
	Kind           CallKind
	InTokens       int
	OutTokens      int
	TotalTokens    int
	AudioSeconds   float64
	ConversationID string
	RequestContext string
	UsageReported  bool
}

// CallObserver receives completed call events. Implementations must be fast
// and must never fail the calling path.
type CallObserver interface {
	OnCallComplete(ev CallEvent)
}
