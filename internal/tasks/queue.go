package tasks

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recallhq/recall-backend/internal/platform/ctxutil"
	"github.com/recallhq/recall-backend/internal/platform/logger"
)

// Queue is the producer/broker half of the runtime. Messages live on a Redis
// list per queue; in-flight messages sit on a processing list until acked;
// retries wait in a delayed ZSET scored by their due time.
type Queue struct {
	log *logger.Logger
	rdb redis.UniversalClient
}

func NewQueue(log *logger.Logger, rdb redis.UniversalClient) *Queue {
	return &Queue{
		log: log.With("service", "TaskQueue"),
		rdb: rdb,
	}
}

// Enqueue pushes a new task for immediate delivery.
func (q *Queue) Enqueue(ctx context.Context, queue string, task string, args map[string]any) error {
	msg := newMessage(task, args)
	return q.push(ctx, queue, msg)
}

func (q *Queue) push(ctx context.Context, queue string, msg Message) error {
	raw, err := msg.encode()
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctxutil.Default(ctx), queueKey(queue), raw).Err()
}

// enqueueDelayed schedules a retry. The message carries its incremented
// attempt count.
func (q *Queue) enqueueDelayed(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	raw, err := msg.encode()
	if err != nil {
		return err
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	return q.rdb.ZAdd(ctxutil.Default(ctx), delayedKey(queue), redis.Z{Score: due, Member: raw}).Err()
}

// promoteDue moves due delayed messages back onto the ready list. Called by
// worker loops on every poll tick.
func (q *Queue) promoteDue(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	for _, raw := range members {
		removed, err := q.rdb.ZRem(ctx, delayedKey(queue), raw).Result()
		if err != nil {
			return err
		}
		// Another worker promoted it first.
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, queueKey(queue), raw).Err(); err != nil {
			return err
		}
	}
	return nil
}

// claim blocks up to timeout for the next message, moving it to the
// processing list so a lost worker cannot silently drop it.
func (q *Queue) claim(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	raw, err := q.rdb.BLMove(ctx, queueKey(queue), processingKey(queue), "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	return raw, err
}

// ack removes a completed message from the processing list.
func (q *Queue) ack(ctx context.Context, queue string, raw string) error {
	return q.rdb.LRem(ctxutil.Default(ctx), processingKey(queue), 1, raw).Err()
}

// RequeueOrphans moves everything left on the processing list back to the
// ready list. Run at worker startup: anything still in processing belonged
// to a worker that died mid-task.
func (q *Queue) RequeueOrphans(ctx context.Context, queue string) (int, error) {
	moved := 0
	for {
		raw, err := q.rdb.LMove(ctxutil.Default(ctx), processingKey(queue), queueKey(queue), "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		_ = raw
		moved++
	}
}

// Depth reports ready/in-flight/delayed counts for one queue.
func (q *Queue) Depth(ctx context.Context, queue string) (ready, processing, delayed int64, err error) {
	ctx = ctxutil.Default(ctx)
	if ready, err = q.rdb.LLen(ctx, queueKey(queue)).Result(); err != nil {
		return
	}
	if processing, err = q.rdb.LLen(ctx, processingKey(queue)).Result(); err != nil {
		return
	}
	delayed, err = q.rdb.ZCard(ctx, delayedKey(queue)).Result()
	return
}

// Ping verifies broker reachability for health rollups.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctxutil.Default(ctx)).Err()
}
