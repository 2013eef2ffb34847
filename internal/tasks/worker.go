package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/recallhq/recall-backend/internal/platform/apierr"
	"github.com/recallhq/recall-backend/internal/platform/logger"
)

// Worker consumes one queue with a fixed goroutine pool. Each message runs
// under a soft deadline; a hard limit at twice the soft abandons the task
// and logs it.
type Worker struct {
	log      *logger.Logger
	queue    *Queue
	registry *Registry
	name     string
	policy   queuePolicy
}

func NewWorker(log *logger.Logger, queue *Queue, registry *Registry, queueName string) *Worker {
	return &Worker{
		log:      log.With("service", "TaskWorker", "queue", queueName),
		queue:    queue,
		registry: registry,
		name:     queueName,
		policy:   policyFor(queueName),
	}
}

// Start requeues orphaned messages and launches the pool. Returns
// immediately; loops exit when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	moved, err := w.queue.RequeueOrphans(ctx, w.name)
	if err != nil {
		w.log.Warn("orphan requeue failed", "error", err)
	} else if moved > 0 {
		w.log.Info("orphaned tasks requeued", "count", moved)
	}

	w.log.Info("starting worker pool", "concurrency", w.policy.Concurrency)
	for i := 0; i < w.policy.Concurrency; i++ {
		go w.runLoop(ctx, i+1)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		default:
		}

		if err := w.queue.promoteDue(ctx, w.name); err != nil && ctx.Err() == nil {
			w.log.Warn("delayed promotion failed", "worker_id", workerID, "error", err)
		}

		raw, err := w.queue.claim(ctx, w.name, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("claim failed", "worker_id", workerID, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if raw == "" {
			continue
		}
		w.process(ctx, workerID, raw)
	}
}

func (w *Worker) process(ctx context.Context, workerID int, raw string) {
	msg, err := decodeMessage(raw)
	if err != nil {
		w.log.Error("undecodable message dropped", "worker_id", workerID, "error", err)
		_ = w.queue.ack(ctx, w.name, raw)
		return
	}

	h, ok := w.registry.Get(msg.Task)
	if !ok {
		w.log.Error("no handler registered", "task", msg.Task, "task_id", msg.ID)
		_ = w.queue.ack(ctx, w.name, raw)
		return
	}

	runErr := w.runWithLimits(ctx, h, msg)
	if runErr == nil {
		_ = w.queue.ack(ctx, w.name, raw)
		w.log.Debug("task complete", "task", msg.Task, "task_id", msg.ID, "attempt", msg.Attempt)
		return
	}

	if apierr.IsTransient(runErr) && msg.Attempt < w.policy.MaxRetries {
		retry := msg
		retry.Attempt++
		delay := backoffDelay(msg.Attempt)
		if err := w.queue.enqueueDelayed(ctx, w.name, retry, delay); err != nil {
			w.log.Error("retry schedule failed, task lost",
				"task", msg.Task, "task_id", msg.ID, "error", err)
		} else {
			w.log.Warn("task failed, retry scheduled",
				"task", msg.Task, "task_id", msg.ID,
				"attempt", retry.Attempt, "delay", delay.String(), "error", runErr)
		}
		_ = w.queue.ack(ctx, w.name, raw)
		return
	}

	// Dead letter: log and drop. Handlers are idempotent, and the source
	// data can always be re-ingested.
	w.log.Error("task dead-lettered",
		"task", msg.Task, "task_id", msg.ID,
		"attempt", msg.Attempt, "transient", apierr.IsTransient(runErr), "error", runErr)
	_ = w.queue.ack(ctx, w.name, raw)
}

// runWithLimits runs the handler under the queue's soft deadline. If the
// handler ignores cancellation past the hard limit (2x soft), the task is
// abandoned and reported; the goroutine is left to finish on its own.
func (w *Worker) runWithLimits(ctx context.Context, h Handler, msg Message) error {
	soft := w.policy.SoftLimit
	runCtx, cancel := context.WithTimeout(ctx, soft)
	defer cancel()

	tc := &Context{
		ctx: runCtx,
		log: w.log.With("task", msg.Task, "task_id", msg.ID),
		msg: msg,
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panic: %v", r)
			}
		}()
		done <- h.Run(tc)
	}()

	hard := time.NewTimer(2 * soft)
	defer hard.Stop()
	select {
	case err := <-done:
		return err
	case <-hard.C:
		return fmt.Errorf("task exceeded hard time limit of %s", 2*soft)
	}
}
