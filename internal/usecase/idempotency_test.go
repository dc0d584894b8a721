package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/woundscan/internal/capture"
)

func newRedisStore(t *testing.T) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisIdempotencyStore(client, nil)
	store.initialBackoff = time.Millisecond
	store.maxBackoff = 2 * time.Millisecond
	return store, mr
}

func TestRedisIdempotencyStoreLifecycle(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	res, err := store.Reserve(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.LessOrEqual(t, mr.TTL("k1"), maxPendingTTL)

	res, err = store.Reserve(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Reservation{}, res)

	require.NoError(t, store.Commit(ctx, "k1", "record-1", time.Hour))
	res, err = store.Reserve(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Reservation{RecordID: "record-1"}, res)
	assert.Equal(t, time.Hour, mr.TTL("k1"))

	require.NoError(t, store.Release(ctx, "k1"))
	assert.False(t, mr.Exists("k1"))
}

func TestRedisIdempotencyStorePendingKeyExpires(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "k2", time.Hour)
	require.NoError(t, err)
	mr.FastForward(maxPendingTTL + time.Second)

	res, err := store.Reserve(ctx, "k2", time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestSubmitReplaysCommittedKey(t *testing.T) {
	store, _ := newRedisStore(t)
	h := newHarness(t, store)
	req := SubmitRequest{Domain: capture.DomainBurn, Image: pngImage(t, 20, 20), IdempotencyKey: "retry-me"}

	first, err := h.uc.Submit(as(alice), req)
	require.NoError(t, err)
	second, err := h.uc.Submit(as(alice), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.blobs.uploads)
	assert.Len(t, h.repo.records, 1)
	require.NotNil(t, second.Owner)
	assert.Equal(t, alice.Email, second.Owner.Email)

	// Keys are scoped per owner.
	other, err := h.uc.Submit(as(bob), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSubmitRejectsKeyInFlight(t *testing.T) {
	store, _ := newRedisStore(t)
	h := newHarness(t, store)

	key := idempotencyKey(capture.DomainBurn, alice.ID, "busy")
	_, err := store.Reserve(context.Background(), key, time.Hour)
	require.NoError(t, err)

	_, err = h.uc.Submit(as(alice), SubmitRequest{Domain: capture.DomainBurn, Image: pngImage(t, 20, 20), IdempotencyKey: "busy"})
	capErr := requireKind(t, err, capture.KindInProgress)
	assert.True(t, capErr.Retryable)
	assert.Zero(t, h.blobs.uploads)
}

func TestSubmitReleasesKeyAfterFailure(t *testing.T) {
	store, mr := newRedisStore(t)
	h := newHarness(t, store)
	h.repo.createErr = errors.New("write conflict")
	req := SubmitRequest{Domain: capture.DomainWound, Image: pngImage(t, 20, 20), IdempotencyKey: "flaky"}

	_, err := h.uc.Submit(as(alice), req)
	requireKind(t, err, capture.KindPersist)
	assert.False(t, mr.Exists(idempotencyKey(capture.DomainWound, alice.ID, "flaky")))

	h.repo.createErr = nil
	_, err = h.uc.Submit(as(alice), req)
	require.NoError(t, err)
}

func TestSubmitContinuesWhenRedisIsDown(t *testing.T) {
	store, mr := newRedisStore(t)
	store.retryAttempts = 1
	h := newHarness(t, store)
	mr.Close()

	record, err := h.uc.Submit(as(alice), SubmitRequest{Domain: capture.DomainBurn, Image: pngImage(t, 20, 20), IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.NotNil(t, record)
}
