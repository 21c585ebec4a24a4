// Package redis implements the task queue contract on Redis. Ready payloads
// live in a list, leases in a hash keyed by receipt with deadlines in a
// sorted set; a sweeper pushes expired leases back onto the list.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mazen4bs/crawlgrid/internal/crawl"
	"github.com/mazen4bs/crawlgrid/internal/queue"
)

const sweepInterval = time.Second

// Config holds connection and key settings for the Redis queue.
type Config struct {
	Addr string
	// KeyPrefix namespaces the queue's keys; defaults to "crawlgrid:tasks".
	KeyPrefix  string
	Visibility time.Duration
}

// Queue is a Redis-backed task queue with visibility-timeout semantics.
type Queue struct {
	client      *redis.Client
	readyKey    string
	leaseKey    string
	deadlineKey string
	visibility  time.Duration
	logger      *zap.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New connects to Redis and starts the lease sweeper.
func New(cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "crawlgrid:tasks"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		client:      redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		readyKey:    cfg.KeyPrefix + ":ready",
		leaseKey:    cfg.KeyPrefix + ":leases",
		deadlineKey: cfg.KeyPrefix + ":deadlines",
		visibility:  cfg.Visibility,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
	q.wg.Add(1)
	go q.sweep()
	return q, nil
}

// Enqueue pushes a payload onto the ready list.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.readyKey, payload).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Dequeue pops the oldest ready payload, blocking up to wait, and records a
// lease. The pop and the lease write are not one atomic step; a crash in
// between is covered by the master's heartbeat-based re-queue.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (crawl.Message, error) {
	res, err := q.client.BRPop(ctx, wait, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return crawl.Message{}, queue.ErrEmpty
	}
	if err != nil {
		return crawl.Message{}, fmt.Errorf("redis brpop: %w", err)
	}
	payload := []byte(res[1])
	receipt := uuid.NewString()
	deadline := time.Now().Add(q.visibility)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.leaseKey, receipt, payload)
	pipe.ZAdd(ctx, q.deadlineKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: receipt})
	if _, err := pipe.Exec(ctx); err != nil {
		return crawl.Message{}, fmt.Errorf("redis record lease: %w", err)
	}
	return crawl.Message{Receipt: receipt, Payload: payload}, nil
}

// Ack removes a lease permanently.
func (q *Queue) Ack(ctx context.Context, receipt string) error {
	removed, err := q.client.HDel(ctx, q.leaseKey, receipt).Result()
	if err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	if err := q.client.ZRem(ctx, q.deadlineKey, receipt).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	if removed == 0 {
		return queue.ErrUnknownReceipt
	}
	return nil
}

// Close stops the sweeper and closes the client.
func (q *Queue) Close() error {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

// Len reports ready plus leased messages.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	ready, err := q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	leased, err := q.client.HLen(ctx, q.leaseKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen: %w", err)
	}
	return ready + leased, nil
}

func (q *Queue) sweep() {
	defer q.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			if err := q.reclaim(context.Background(), now); err != nil {
				q.logger.Warn("lease sweep failed", zap.Error(err))
			}
		}
	}
}

// reclaim moves every expired lease back to the ready list.
func (q *Queue) reclaim(ctx context.Context, now time.Time) error {
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	receipts, err := q.client.ZRangeByScore(ctx, q.deadlineKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return fmt.Errorf("redis zrangebyscore: %w", err)
	}
	for _, receipt := range receipts {
		payload, err := q.client.HGet(ctx, q.leaseKey, receipt).Result()
		if errors.Is(err, redis.Nil) {
			// Acked between the range read and here.
			_ = q.client.ZRem(ctx, q.deadlineKey, receipt).Err()
			continue
		}
		if err != nil {
			return fmt.Errorf("redis hget lease: %w", err)
		}
		pipe := q.client.TxPipeline()
		pipe.LPush(ctx, q.readyKey, payload)
		pipe.HDel(ctx, q.leaseKey, receipt)
		pipe.ZRem(ctx, q.deadlineKey, receipt)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis requeue lease: %w", err)
		}
		q.logger.Debug("redelivered expired lease", zap.String("receipt", receipt))
	}
	return nil
}
