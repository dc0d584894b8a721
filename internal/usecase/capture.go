package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/woundscan/internal/auth"
	"github.com/example/woundscan/internal/blobstore"
	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/imageprocessor"
	"github.com/example/woundscan/internal/inference"
	"github.com/example/woundscan/internal/logging"
	"github.com/example/woundscan/internal/repository"
)

const tracerName = "github.com/example/woundscan/internal/usecase"

type sagaState string

const (
	stateIdle               sagaState = "idle"
	stateUploading          sagaState = "uploading"
	stateUploaded           sagaState = "uploaded"
	statePersisting         sagaState = "persisting"
	stateCommitted          sagaState = "committed"
	stateCompensatingDelete sagaState = "compensating_delete"
	stateFailed             sagaState = "failed"
)

// Options tunes the submission flow.
type Options struct {
	UploadTimeout       time.Duration
	PersistTimeout      time.Duration
	CompensationTimeout time.Duration
	IdempotencyTTL      time.Duration
	UploadMaxSide       int
	MaxPixels           int
	ModelRefs           map[capture.Domain]string
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		UploadTimeout:       20 * time.Second,
		PersistTimeout:      5 * time.Second,
		CompensationTimeout: 10 * time.Second,
		IdempotencyTTL:      24 * time.Hour,
		UploadMaxSide:       800,
		MaxPixels:           imageprocessor.DefaultMaxPixels,
		ModelRefs: map[capture.Domain]string{
			capture.DomainBurn:  "burn_classification_model",
			capture.DomainWound: "wound_classification_model",
		},
	}
}

// SubmitRequest is one image submitted for classification.
type SubmitRequest struct {
	Domain         capture.Domain
	Image          []byte
	IdempotencyKey string
}

// CaptureUseCase classifies a capture, stores its image and records the outcome.
//
// The image upload and the record insert go to unrelated stores. When the insert fails after
// a successful upload, the uploaded blob is deleted on a best-effort basis and the caller
// receives PersistFailure whatever the delete outcome.
type CaptureUseCase struct {
	repo         CaptureRepository
	blobs        BlobStore
	preprocessor Preprocessor
	scorer       Scorer
	idempotency  IdempotencyStore
	opts         Options
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewCaptureUseCase constructs the submission flow. idempotency may be nil.
func NewCaptureUseCase(repo CaptureRepository, blobs BlobStore, preprocessor Preprocessor, scorer Scorer, idempotency IdempotencyStore, opts Options, logger *zap.Logger) *CaptureUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureUseCase{
		repo:         repo,
		blobs:        blobs,
		preprocessor: preprocessor,
		scorer:       scorer,
		idempotency:  idempotency,
		opts:         opts,
		logger:       logger.Named("capture_usecase"),
		tracer:       otel.Tracer(tracerName),
	}
}

// Submit runs the submission for the identity carried by ctx.
func (uc *CaptureUseCase) Submit(ctx context.Context, req SubmitRequest) (*repository.CaptureRecord, error) {
	submissionID := uuid.NewString()
	ctx, span := uc.tracer.Start(ctx, "capture.submit", trace.WithAttributes(
		attribute.String("capture.domain", string(req.Domain)),
		attribute.String("capture.submission_id", submissionID),
	))
	defer span.End()

	opLogger := logging.WithOperation(uc.logger, "usecase.submit_capture", submissionID).
		With(zap.String("domain", string(req.Domain)))

	record, err := uc.submit(ctx, submissionID, req, opLogger)
	submissionsTotal.WithLabelValues(string(req.Domain), outcomeLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcomeLabel(err))
		return nil, err
	}
	return record, nil
}

func (uc *CaptureUseCase) submit(ctx context.Context, submissionID string, req SubmitRequest, opLogger *zap.Logger) (*repository.CaptureRecord, error) {
	if !req.Domain.Valid() {
		return nil, fmt.Errorf("unknown capture domain %q", req.Domain)
	}

	subject, ok := auth.Subject(ctx)
	if !ok {
		return nil, capture.NewError(capture.KindAuthentication, "authentication required", nil)
	}

	account, err := uc.repo.FindAccountByEmail(ctx, subject)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, capture.NewError(capture.KindIdentityNotFound, "User not found", err)
	}
	if err != nil {
		opLogger.Error("account lookup failed", zap.Error(err))
		return nil, capture.NewStoreError(capture.KindPersist, "Account lookup failed", err)
	}

	var idemKey string
	if req.IdempotencyKey != "" && uc.idempotency != nil {
		key := idempotencyKey(req.Domain, account.ID, req.IdempotencyKey)
		existing, reserved, err := uc.reserve(ctx, key, account, opLogger)
		if err != nil || existing != nil {
			return existing, err
		}
		if reserved {
			idemKey = key
		}
	}

	record, err := uc.run(ctx, submissionID, req, account, opLogger)
	if idemKey != "" {
		uc.settleIdempotency(ctx, idemKey, record, opLogger)
	}
	return record, err
}

func (uc *CaptureUseCase) run(ctx context.Context, submissionID string, req SubmitRequest, account *repository.Account, opLogger *zap.Logger) (*repository.CaptureRecord, error) {
	transition(opLogger, stateIdle)

	prediction, err := uc.classify(ctx, req)
	if err != nil {
		opLogger.Warn("classification aborted submission", zap.Error(err))
		return nil, err
	}
	opLogger.Info("capture classified",
		zap.String("label", prediction.Label),
		zap.Float64("confidence", prediction.Confidence),
	)

	transition(opLogger, stateUploading)
	upload, err := uc.upload(ctx, req)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.upload_image", submissionID, err)
		opLogger.Error("image upload failed", zap.Error(wrapped))
		transition(opLogger, stateFailed)
		if errors.Is(err, imageprocessor.ErrDecode) {
			return nil, capture.NewError(capture.KindDecode, "Failed to decode image", wrapped)
		}
		return nil, capture.NewStoreError(capture.KindUpload, "Failed to upload image", wrapped)
	}
	transition(opLogger, stateUploaded, zap.String("storage_id", upload.StorageID))

	record := &repository.CaptureRecord{
		ID:      uuid.New(),
		Domain:  req.Domain,
		OwnerID: account.ID,
		Blob: repository.BlobRef{
			DeliveryURL:  upload.DeliveryURL,
			CanonicalURL: upload.CanonicalURL,
			StorageID:    upload.StorageID,
		},
		PredictedLabel:  prediction.Label,
		ConfidenceScore: prediction.Confidence,
		ImageWidth:      upload.Width,
		ImageHeight:     upload.Height,
		ImageFormat:     upload.Format,
		IdempotencyKey:  req.IdempotencyKey,
	}

	transition(opLogger, statePersisting)
	if err := uc.persist(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.persist_capture", submissionID, err)
		opLogger.Error("capture persist failed", zap.Error(wrapped))

		if outcomeUnknown(err) {
			stored, lookupErr := uc.confirmPersisted(ctx, account, record.ID)
			switch {
			case lookupErr != nil:
				// The record may exist; deleting its blob could leave it dangling.
				opLogger.Error("could not confirm capture after failed insert, keeping blob",
					zap.Error(lookupErr), zap.String("storage_id", upload.StorageID))
				transition(opLogger, stateFailed)
				return nil, capture.NewStoreError(capture.KindPersist, "Database save failed", wrapped)
			case stored != nil:
				stored.Owner = account.Projection()
				opLogger.Warn("insert reported failure but the capture was stored", zap.Error(wrapped))
				transition(opLogger, stateCommitted, zap.String("record_id", stored.ID.String()))
				return stored, nil
			}
		}

		transition(opLogger, stateCompensatingDelete, zap.String("storage_id", upload.StorageID))
		uc.compensate(ctx, req.Domain, upload.StorageID, opLogger)
		transition(opLogger, stateFailed)
		return nil, capture.NewStoreError(capture.KindPersist, "Database save failed", wrapped)
	}

	record.Owner = account.Projection()
	transition(opLogger, stateCommitted, zap.String("record_id", record.ID.String()))
	return record, nil
}

func (uc *CaptureUseCase) classify(ctx context.Context, req SubmitRequest) (inference.Prediction, error) {
	defer observeStep(req.Domain, "classify", time.Now())
	ctx, span := uc.tracer.Start(ctx, "capture.classify")
	defer span.End()

	tensor, err := uc.preprocessor.Preprocess(req.Image)
	if err != nil {
		return inference.Prediction{}, capture.NewError(capture.KindDecode, "Failed to decode image", err)
	}

	ref, ok := uc.opts.ModelRefs[req.Domain]
	if !ok || ref == "" {
		return inference.Prediction{}, capture.NewError(capture.KindInference, "Classification failed",
			fmt.Errorf("no model configured for %s", req.Domain))
	}

	scores, err := uc.scorer.Score(ctx, ref, tensor)
	if err != nil {
		return inference.Prediction{}, capture.NewError(capture.KindInference, "Classification failed", err)
	}

	prediction, err := inference.Resolve(req.Domain.Labels(), scores)
	if err != nil {
		return inference.Prediction{}, capture.NewError(capture.KindInference, "Classification failed", err)
	}
	return prediction, nil
}

func (uc *CaptureUseCase) upload(ctx context.Context, req SubmitRequest) (*blobstore.UploadResult, error) {
	defer observeStep(req.Domain, "upload", time.Now())
	ctx, span := uc.tracer.Start(ctx, "capture.upload")
	defer span.End()

	uploadCtx, cancel := context.WithTimeout(ctx, uc.opts.UploadTimeout)
	defer cancel()
	return uc.blobs.Upload(uploadCtx, req.Domain.Namespace(), req.Image, blobstore.TransformSpec{
		MaxSide:   uc.opts.UploadMaxSide,
		MaxPixels: uc.opts.MaxPixels,
	})
}

func (uc *CaptureUseCase) persist(ctx context.Context, record *repository.CaptureRecord) error {
	defer observeStep(record.Domain, "persist", time.Now())
	ctx, span := uc.tracer.Start(ctx, "capture.persist")
	defer span.End()

	persistCtx, cancel := context.WithTimeout(ctx, uc.opts.PersistTimeout)
	defer cancel()
	return uc.repo.CreateCapture(persistCtx, record)
}

// outcomeUnknown reports whether a failed insert may still have committed.
func outcomeUnknown(err error) bool {
	return capture.IsTransient(err) || errors.Is(err, context.Canceled)
}

// confirmPersisted looks the record up on a detached context. It returns nil, nil when the
// record is known not to exist.
func (uc *CaptureUseCase) confirmPersisted(ctx context.Context, account *repository.Account, id uuid.UUID) (*repository.CaptureRecord, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.opts.PersistTimeout)
	defer cancel()

	record, err := uc.repo.FindCaptureByID(lookupCtx, account.ID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// compensate deletes an uploaded blob whose record could not be written. It runs detached from
// the request context so a disconnected caller does not leave the blob behind.
func (uc *CaptureUseCase) compensate(ctx context.Context, domain capture.Domain, storageID string, opLogger *zap.Logger) {
	defer observeStep(domain, "compensate", time.Now())

	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.opts.CompensationTimeout)
	defer cancel()
	compCtx, span := uc.tracer.Start(compCtx, "capture.compensate")
	defer span.End()

	if err := uc.blobs.Delete(compCtx, storageID); err != nil {
		compErr := capture.NewError(capture.KindCompensation, "orphaned blob left behind", err)
		span.RecordError(compErr)
		opLogger.Error("compensating delete failed",
			zap.Error(compErr),
			zap.String("kind", string(capture.KindCompensation)),
			zap.String("storage_id", storageID),
		)
		compensationsTotal.WithLabelValues(string(domain), "failed").Inc()
		return
	}
	opLogger.Info("compensating delete succeeded", zap.String("storage_id", storageID))
	compensationsTotal.WithLabelValues(string(domain), "deleted").Inc()
}

// reserve returns the committed record for a replayed key, a SubmissionInProgress error for a
// key still running, or reserved=true when this submission owns the key. Store outages degrade
// to running without idempotency.
func (uc *CaptureUseCase) reserve(ctx context.Context, key string, account *repository.Account, opLogger *zap.Logger) (*repository.CaptureRecord, bool, error) {
	res, err := uc.idempotency.Reserve(ctx, key, uc.opts.IdempotencyTTL)
	if err != nil {
		opLogger.Warn("idempotency store unavailable, continuing without key", zap.Error(err))
		return nil, false, nil
	}
	if res.Acquired {
		return nil, true, nil
	}
	if res.RecordID == "" {
		return nil, false, &capture.Error{
			Kind:      capture.KindInProgress,
			Detail:    "A submission with this idempotency key is in progress",
			Retryable: true,
		}
	}

	id, err := uuid.Parse(res.RecordID)
	if err != nil {
		opLogger.Warn("ignoring malformed idempotency entry", zap.String("value", res.RecordID))
		return nil, false, nil
	}
	record, err := uc.repo.FindCaptureByID(ctx, account.ID, id)
	if err != nil {
		return nil, false, capture.NewStoreError(capture.KindPersist, "Failed to load previous submission", err)
	}
	record.Owner = account.Projection()
	opLogger.Info("replayed idempotent submission", zap.String("record_id", record.ID.String()))
	return record, false, nil
}

func (uc *CaptureUseCase) settleIdempotency(ctx context.Context, key string, record *repository.CaptureRecord, opLogger *zap.Logger) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.opts.CompensationTimeout)
	defer cancel()

	var err error
	if record != nil {
		err = uc.idempotency.Commit(settleCtx, key, record.ID.String(), uc.opts.IdempotencyTTL)
	} else {
		err = uc.idempotency.Release(settleCtx, key)
	}
	if err != nil {
		opLogger.Warn("failed to settle idempotency key", zap.Error(err))
	}
}

func idempotencyKey(domain capture.Domain, ownerID uuid.UUID, clientKey string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", domain, ownerID, clientKey)
}

func transition(logger *zap.Logger, state sagaState, fields ...zap.Field) {
	logger.Debug("submission state", append([]zap.Field{zap.String("state", string(state))}, fields...)...)
}

func observeStep(domain capture.Domain, step string, start time.Time) {
	submissionStepDuration.WithLabelValues(string(domain), step).Observe(time.Since(start).Seconds())
}
