// Package tasks is the durable task runtime: Redis-backed queues with
// visibility semantics, retry with exponential backoff, and at-least-once
// delivery. Handlers must be idempotent; re-delivery is part of the
// contract.
package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	QueueDefault = "default"
	QueueHeavy   = "heavy"

	keyPrefix = "recall:tasks:"
)

// Message is the JSON wire format on the queue.
type Message struct {
	ID      string         `json:"id"`
	Task    string         `json:"task"`
	Args    map[string]any `json:"args"`
	Attempt int            `json:"attempt"`
}

func newMessage(task string, args map[string]any) Message {
	return Message{
		ID:   uuid.NewString(),
		Task: task,
		Args: args,
	}
}

func (m Message) encode() (string, error) {
	raw, err := json.Marshal(m)
	return string(raw), err
}

func decodeMessage(raw string) (Message, error) {
	var m Message
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}

func queueKey(queue string) string      { return keyPrefix + queue }
func processingKey(queue string) string { return keyPrefix + queue + ":processing" }
func delayedKey(queue string) string    { return keyPrefix + "delayed:" + queue }

// backoffDelay is 30s doubled per prior attempt.
func backoffDelay(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// queuePolicy describes retry and time-limit behavior per queue.
type queuePolicy struct {
	Concurrency int
	MaxRetries  int
	SoftLimit   time.Duration
}

func policyFor(queue string) queuePolicy {
	if queue == QueueHeavy {
		return queuePolicy{Concurrency: 1, MaxRetries: 2, SoftLimit: 30 * time.Minute}
	}
	return queuePolicy{Concurrency: 4, MaxRetries: 3, SoftLimit: 5 * time.Minute}
}
