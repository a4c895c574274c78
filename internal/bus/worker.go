package bus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

// worker consumes one stream on behalf of one consumer group. A single
// sequential read loop preserves enqueue order within the group.
type worker struct {
	bus        *Bus
	stream     string
	group      string
	consumer   string
	hook       plugin.Hook
	listener   plugin.Listener
	maxRetries int
	logger     *zap.Logger
}

func (w *worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := w.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.group,
			Consumer: w.consumer,
			Streams:  []string{w.stream, ">"},
			Count:    16,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				w.handle(ctx, msg)
			}
		}
	}
}

func (w *worker) handle(ctx context.Context, msg redis.XMessage) {
	event := w.decode(msg)

	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff, capped so a poisoned message cannot
			// stall the group indefinitely.
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			if backoff > readBlock {
				backoff = readBlock
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		err = w.invoke(ctx, event)
		if err == nil {
			break
		}
		w.logger.Warn("listener failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	if err != nil {
		w.logger.Error("listener exhausted retries, recording message as failed",
			zap.String("message_id", msg.ID),
			zap.Int("max_retries", w.maxRetries),
			zap.Error(err),
		)
	}

	if ackErr := w.bus.rdb.XAck(ctx, w.stream, w.group, msg.ID).Err(); ackErr != nil && ctx.Err() == nil {
		w.logger.Warn("ack failed", zap.String("message_id", msg.ID), zap.Error(ackErr))
	}
}

func (w *worker) invoke(ctx context.Context, event plugin.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("listener panicked", zap.Any("panic", r))
			err = plugin.ErrBadRequest
		}
	}()
	return w.listener(ctx, event)
}

func (w *worker) decode(msg redis.XMessage) plugin.Event {
	event := plugin.Event{Hook: w.hook, Timestamp: time.Now().UTC()}
	if src, ok := msg.Values["source"].(string); ok {
		event.Source = src
	}
	if ts, ok := msg.Values["ts"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if payload, ok := msg.Values["payload"].(string); ok {
		event.Payload = []byte(payload)
	}
	return event
}
