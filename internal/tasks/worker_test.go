package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/recallhq/recall-backend/internal/platform/apierr"
	"github.com/recallhq/recall-backend/internal/platform/logger"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt); got != c.want {
			t.Fatalf("attempt %d: want=%s got=%s", c.attempt, c.want, got)
		}
	}
}

func TestQueuePolicies(t *testing.T) {
	def := policyFor(QueueDefault)
	if def.Concurrency != 4 || def.MaxRetries != 3 || def.SoftLimit != 5*time.Minute {
		t.Fatalf("default policy: %+v", def)
	}
	heavy := policyFor(QueueHeavy)
	if heavy.Concurrency != 1 || heavy.MaxRetries != 2 || heavy.SoftLimit != 30*time.Minute {
		t.Fatalf("heavy policy: %+v", heavy)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := newMessage("identity.extract", map[string]any{"source_ref": "whatsapp:m1", "n": float64(3)})
	raw, err := msg.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != msg.ID || got.Task != msg.Task || got.Attempt != 0 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Args["source_ref"] != "whatsapp:m1" {
		t.Fatalf("args lost: %+v", got.Args)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc{Name: "noop", Fn: func(*Context) error { return nil }}
	if err := r.Register(h); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(h); err == nil {
		t.Fatalf("duplicate register should fail")
	}
	if _, ok := r.Get("noop"); !ok {
		t.Fatalf("registered handler should be retrievable")
	}
}

func TestContextArgAccessors(t *testing.T) {
	tc := &Context{msg: Message{Args: map[string]any{"s": "v", "n": float64(7)}}}
	if tc.String("s") != "v" {
		t.Fatalf("string accessor")
	}
	if tc.Int("n") != 7 {
		t.Fatalf("int accessor should handle json float64")
	}
	if tc.String("missing") != "" || tc.Int("missing") != 0 {
		t.Fatalf("missing args should zero-value")
	}
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return &Worker{
		log:      log,
		registry: NewRegistry(),
		name:     QueueDefault,
		policy:   policyFor(QueueDefault),
	}
}

func TestRunWithLimitsPropagatesHandlerError(t *testing.T) {
	w := newTestWorker(t)
	want := errors.New("boom")
	h := HandlerFunc{Name: "failing", Fn: func(*Context) error { return want }}
	if err := w.runWithLimits(context.Background(), h, newMessage("failing", nil)); !errors.Is(err, want) {
		t.Fatalf("want handler error, got %v", err)
	}
}

func TestRunWithLimitsRecoversPanic(t *testing.T) {
	w := newTestWorker(t)
	h := HandlerFunc{Name: "panicky", Fn: func(*Context) error { panic("oops") }}
	err := w.runWithLimits(context.Background(), h, newMessage("panicky", nil))
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("panic should surface as error, got %v", err)
	}
}

func TestRunWithLimitsHardTimeout(t *testing.T) {
	w := newTestWorker(t)
	w.policy.SoftLimit = 20 * time.Millisecond
	h := HandlerFunc{Name: "stuck", Fn: func(*Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	}}
	start := time.Now()
	err := w.runWithLimits(context.Background(), h, newMessage("stuck", nil))
	if err == nil || !strings.Contains(err.Error(), "hard time limit") {
		t.Fatalf("want hard-limit error, got %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("hard limit should fire at 2x soft, took %s", time.Since(start))
	}
}

func TestTransientClassificationDrivesRetry(t *testing.T) {
	// The worker only retries what apierr classifies as transient.
	transient := apierr.ExternalUnavailable("upstream_down", fmt.Errorf("connection refused"))
	if !apierr.IsTransient(transient) {
		t.Fatalf("503 should be transient")
	}
	fatal := apierr.InvalidInput("bad_payload", fmt.Errorf("missing field"))
	if apierr.IsTransient(fatal) {
		t.Fatalf("400 should not be transient")
	}
}
