package usecase

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/repository"
)

func TestHistoryIsScopedToCaller(t *testing.T) {
	h := newHarness(t, nil)

	aliceRecord, err := h.uc.Submit(as(alice), SubmitRequest{Domain: capture.DomainWound, Image: pngImage(t, 20, 20)})
	require.NoError(t, err)
	_, err = h.uc.Submit(as(bob), SubmitRequest{Domain: capture.DomainWound, Image: pngImage(t, 20, 20)})
	require.NoError(t, err)

	history, err := h.query.List(as(alice), capture.DomainWound)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, aliceRecord.ID, history[0].ID)
	assert.Equal(t, alice.ID, history[0].OwnerID)
	require.NotNil(t, history[0].Owner)
	assert.Equal(t, alice.Email, history[0].Owner.Email)
}

func TestHistoryNewestFirst(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 5; i++ {
		_, err := h.uc.Submit(as(alice), SubmitRequest{Domain: capture.DomainBurn, Image: pngImage(t, 20+i, 20)})
		require.NoError(t, err)
	}

	history, err := h.query.List(as(alice), capture.DomainBurn)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i := 0; i < len(history)-1; i++ {
		assert.False(t, history[i].CreatedAt.Before(history[i+1].CreatedAt),
			"record %d is older than record %d", i, i+1)
	}
	assert.Equal(t, 24, history[0].ImageWidth)
}

func TestHistoryDoesNotMixDomains(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.uc.Submit(as(alice), SubmitRequest{Domain: capture.DomainBurn, Image: pngImage(t, 20, 20)})
	require.NoError(t, err)

	wounds, err := h.query.List(as(alice), capture.DomainWound)
	require.NoError(t, err)
	assert.NotNil(t, wounds)
	assert.Empty(t, wounds)
}

func TestHistoryErrors(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.query.List(context.Background(), capture.DomainBurn)
	requireKind(t, err, capture.KindAuthentication)
	assert.Zero(t, h.repo.calls)

	stranger := &repository.Account{ID: uuid.New(), Email: "stranger@example.com"}
	_, err = h.query.List(as(stranger), capture.DomainBurn)
	requireKind(t, err, capture.KindIdentityNotFound)
}

type leakyRepository struct {
	*memoryRepository
	leaked repository.CaptureRecord
}

func (l *leakyRepository) FindCapturesByOwner(ctx context.Context, ownerID uuid.UUID, domain capture.Domain) ([]repository.CaptureRecord, error) {
	records, err := l.memoryRepository.FindCapturesByOwner(ctx, ownerID, domain)
	return append(records, l.leaked), err
}

func TestHistoryDropsRecordsOfOtherOwners(t *testing.T) {
	repo := &leakyRepository{
		memoryRepository: newMemoryRepository(alice, bob),
		leaked:           repository.CaptureRecord{ID: uuid.New(), OwnerID: bob.ID, Domain: capture.DomainBurn},
	}
	query := NewHistoryQueryService(repo, nil)

	history, err := query.List(as(alice), capture.DomainBurn)
	require.NoError(t, err)
	assert.Empty(t, history)
}
