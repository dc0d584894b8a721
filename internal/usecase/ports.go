package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/woundscan/internal/blobstore"
	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/imageprocessor"
	"github.com/example/woundscan/internal/repository"
)

// AccountResolver maps an authenticated identity to its account.
type AccountResolver interface {
	FindAccountByEmail(ctx context.Context, email string) (*repository.Account, error)
}

// CaptureRepository defines the persistence operations needed by the submission flow.
type CaptureRepository interface {
	AccountResolver
	CreateCapture(ctx context.Context, record *repository.CaptureRecord) error
	FindCaptureByID(ctx context.Context, ownerID, id uuid.UUID) (*repository.CaptureRecord, error)
}

// HistoryRepository defines the read operations of the history query.
type HistoryRepository interface {
	AccountResolver
	FindCapturesByOwner(ctx context.Context, ownerID uuid.UUID, domain capture.Domain) ([]repository.CaptureRecord, error)
}

// BlobStore stores and removes capture images.
type BlobStore interface {
	Upload(ctx context.Context, namespace string, raw []byte, transform blobstore.TransformSpec) (*blobstore.UploadResult, error)
	Delete(ctx context.Context, storageID string) error
}

// Preprocessor turns raw image bytes into model input.
type Preprocessor interface {
	Preprocess(raw []byte) (*imageprocessor.Tensor, error)
}

// Scorer runs a model by reference.
type Scorer interface {
	Score(ctx context.Context, ref string, input *imageprocessor.Tensor) ([]float32, error)
}

// Reservation is the outcome of reserving an idempotency key. When Acquired is false, a
// non-empty RecordID names the record an earlier submission committed; an empty one means the
// earlier submission is still running.
type Reservation struct {
	Acquired bool
	RecordID string
}

// IdempotencyStore remembers submissions by client supplied key.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (Reservation, error)
	Commit(ctx context.Context, key, recordID string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}
