package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/logging"
	"github.com/example/woundscan/internal/platform"
)

var (
	// ErrNotFound is returned when a capture record does not exist for the owner.
	ErrNotFound = errors.New("capture record not found")
	// ErrAccountNotFound is returned when no account matches an identity.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidRecord wraps schema violations detected before a write.
	ErrInvalidRecord = errors.New("invalid capture record")
)

// CaptureRepository persists capture records and resolves accounts.
type CaptureRepository struct {
	db             *platform.Lazy[*gorm.DB]
	validate       *validator.Validate
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCaptureRepository creates a repository on the shared database handle.
func NewCaptureRepository(db *platform.Lazy[*gorm.DB], logger *zap.Logger) *CaptureRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureRepository{
		db:             db,
		validate:       validator.New(),
		logger:         logger.Named("capture_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func (r *CaptureRepository) conn(ctx context.Context) (*gorm.DB, error) {
	db, err := r.db.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db.WithContext(ctx), nil
}

// AutoMigrate ensures the schema is available.
func (r *CaptureRepository) AutoMigrate(ctx context.Context) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}
	return db.AutoMigrate(&Account{}, &CaptureRecord{})
}

// Validate checks record against the capture schema, including its domain's label set.
func (r *CaptureRepository) Validate(record *CaptureRecord) error {
	if err := r.validate.Struct(record); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !record.Domain.HasLabel(record.PredictedLabel) {
		return fmt.Errorf("%w: label %q is not a %s label", ErrInvalidRecord, record.PredictedLabel, record.Domain)
	}
	return nil
}

// CreateCapture assigns an id, validates and inserts record. The database assigns CreatedAt.
// Inserts are not retried: the outcome of a timed out insert is unknown.
func (r *CaptureRepository) CreateCapture(ctx context.Context, record *CaptureRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.CreatedAt = time.Time{}
	if err := r.Validate(record); err != nil {
		return err
	}

	db, err := r.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Omit("Owner").Create(record).Error; err != nil {
		return logging.NewOperationError("repository.create_capture", record.ID.String(), err)
	}
	return nil
}

// FindCapturesByOwner lists the owner's records of domain, newest first, with the owner
// projection attached.
func (r *CaptureRepository) FindCapturesByOwner(ctx context.Context, ownerID uuid.UUID, domain capture.Domain) ([]CaptureRecord, error) {
	var records []CaptureRecord
	err := r.executeWithRetry(ctx, "repository.find_captures_by_owner", "", func() error {
		db, err := r.conn(ctx)
		if err != nil {
			return err
		}
		records = records[:0]
		return db.
			Preload("Owner", func(tx *gorm.DB) *gorm.DB { return tx.Select(ownerColumns) }).
			Where("owner_id = ? AND domain = ?", ownerID, domain).
			Order("created_at DESC").
			Order("seq DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []CaptureRecord{}
	}
	return records, nil
}

// FindCaptureByID retrieves a record only if it belongs to ownerID.
func (r *CaptureRepository) FindCaptureByID(ctx context.Context, ownerID, id uuid.UUID) (*CaptureRecord, error) {
	var record CaptureRecord
	err := r.executeWithRetry(ctx, "repository.find_capture_by_id", id.String(), func() error {
		db, err := r.conn(ctx)
		if err != nil {
			return err
		}
		return db.
			Preload("Owner", func(tx *gorm.DB) *gorm.DB { return tx.Select(ownerColumns) }).
			First(&record, "id = ? AND owner_id = ?", id, ownerID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ExistingStorageIDs returns which of ids are referenced by a capture record.
func (r *CaptureRepository) ExistingStorageIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	var referenced []string
	err := r.executeWithRetry(ctx, "repository.existing_storage_ids", "", func() error {
		db, err := r.conn(ctx)
		if err != nil {
			return err
		}
		referenced = referenced[:0]
		return db.Model(&CaptureRecord{}).
			Where("blob_storage_id IN ?", ids).
			Pluck("blob_storage_id", &referenced).Error
	})
	if err != nil {
		return nil, err
	}
	for _, id := range referenced {
		found[id] = struct{}{}
	}
	return found, nil
}

// FindAccountByEmail resolves an identity to its account. Emails are matched lower-case.
func (r *CaptureRepository) FindAccountByEmail(ctx context.Context, email string) (*Account, error) {
	var account Account
	email = strings.ToLower(strings.TrimSpace(email))
	err := r.executeWithRetry(ctx, "repository.find_account_by_email", "", func() error {
		db, err := r.conn(ctx)
		if err != nil {
			return err
		}
		return db.First(&account, "email = ?", email).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *CaptureRepository) executeWithRetry(ctx context.Context, operation, submissionID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, submissionID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, submissionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !capture.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, submissionID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, submissionID, err)
}
