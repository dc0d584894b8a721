package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/logging"
)

const (
	pendingValue = "pending"
	// A pending key outlives a crashed submission for at most this long.
	maxPendingTTL = 2 * time.Minute
)

// RedisIdempotencyStore keeps idempotency keys in Redis.
type RedisIdempotencyStore struct {
	client         redis.Cmdable
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRedisIdempotencyStore constructs a Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable, logger *zap.Logger) *RedisIdempotencyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisIdempotencyStore{
		client:         client,
		logger:         logger.Named("idempotency"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Reserve claims key for a new submission or reports what an earlier one left behind.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (Reservation, error) {
	pendingTTL := ttl
	if pendingTTL <= 0 || pendingTTL > maxPendingTTL {
		pendingTTL = maxPendingTTL
	}

	var res Reservation
	err := s.withRedisRetry(ctx, "idempotency.reserve", func() error {
		for attempt := 0; attempt < 2; attempt++ {
			acquired, err := s.client.SetNX(ctx, key, pendingValue, pendingTTL).Result()
			if err != nil {
				return err
			}
			if acquired {
				res = Reservation{Acquired: true}
				return nil
			}

			value, err := s.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				// Expired between SETNX and GET.
				continue
			}
			if err != nil {
				return err
			}
			if value == pendingValue {
				res = Reservation{}
			} else {
				res = Reservation{RecordID: value}
			}
			return nil
		}
		res = Reservation{}
		return nil
	})
	return res, err
}

// Commit points key at the record the submission created.
func (s *RedisIdempotencyStore) Commit(ctx context.Context, key, recordID string, ttl time.Duration) error {
	return s.withRedisRetry(ctx, "idempotency.commit", func() error {
		return s.client.Set(ctx, key, recordID, ttl).Err()
	})
}

// Release frees key after a failed submission so the client can retry.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.withRedisRetry(ctx, "idempotency.release", func() error {
		return s.client.Del(ctx, key).Err()
	})
}

func (s *RedisIdempotencyStore) withRedisRetry(ctx context.Context, operation string, fn func() error) error {
	if s.retryAttempts <= 1 {
		return logging.NewOperationError(operation, "", fn())
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, "")
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !capture.IsTransient(err) || attempt == s.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, "", err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}
