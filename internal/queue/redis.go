package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/pkg/plugin"
)

const (
	queuePrefix  = "coreplane:queue:"
	popBlock     = 5 * time.Second
	retryBackoff = time.Second
)

// RedisBackend implements plugin.QueueBackend over Redis lists. Jobs are
// LPUSHed and consumed with blocking BRPOP, one consumer loop per queue.
type RedisBackend struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

var _ plugin.QueueBackend = (*RedisBackend)(nil)

func NewRedisBackend(rdb *redis.Client, logger *zap.Logger) *RedisBackend {
	return &RedisBackend{rdb: rdb, logger: logger}
}

// Enqueue appends a job; returns once the broker persisted it.
func (b *RedisBackend) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if err := b.rdb.LPush(ctx, queuePrefix+queue, payload).Err(); err != nil {
		return fmt.Errorf("%w: enqueue on %q: %v", plugin.ErrBrokerUnavailable, queue, err)
	}
	return nil
}

// Consume starts a consumer loop for the named queue. Handler errors are
// logged and the job is dropped; jobs needing retry semantics go through
// the event bus's work-queue mode instead.
func (b *RedisBackend) Consume(ctx context.Context, queue string, handler func(ctx context.Context, payload []byte) error) (func(), error) {
	loopCtx, cancel := context.WithCancel(ctx)
	key := queuePrefix + queue

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			res, err := b.rdb.BRPop(loopCtx, popBlock, key).Result()
			if loopCtx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				b.logger.Warn("queue pop failed", zap.String("queue", queue), zap.Error(err))
				select {
				case <-loopCtx.Done():
					return
				case <-time.After(retryBackoff):
				}
				continue
			}
			// BRPop returns [key, value].
			if len(res) != 2 {
				continue
			}
			if err := handler(loopCtx, []byte(res[1])); err != nil {
				b.logger.Warn("queue handler failed", zap.String("queue", queue), zap.Error(err))
			}
		}
	}()

	return cancel, nil
}

// Close waits for all consumer loops to stop. Callers cancel their
// Consume contexts first.
func (b *RedisBackend) Close() {
	b.wg.Wait()
}
