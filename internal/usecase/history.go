package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/woundscan/internal/auth"
	"github.com/example/woundscan/internal/capture"
	"github.com/example/woundscan/internal/logging"
	"github.com/example/woundscan/internal/repository"
)

// HistoryQueryService lists the caller's own captures.
type HistoryQueryService struct {
	repo   HistoryRepository
	logger *zap.Logger
	tracer trace.Tracer
}

// NewHistoryQueryService constructs the read path.
func NewHistoryQueryService(repo HistoryRepository, logger *zap.Logger) *HistoryQueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryQueryService{
		repo:   repo,
		logger: logger.Named("history_query"),
		tracer: otel.Tracer(tracerName),
	}
}

// List returns the records of domain owned by the identity in ctx, newest first. The owner
// filter comes from ctx only. An owner without records gets an empty, non-nil slice.
func (s *HistoryQueryService) List(ctx context.Context, domain capture.Domain) ([]repository.CaptureRecord, error) {
	ctx, span := s.tracer.Start(ctx, "history.list", trace.WithAttributes(
		attribute.String("capture.domain", string(domain)),
	))
	defer span.End()

	records, err := s.list(ctx, domain)
	historyQueriesTotal.WithLabelValues(string(domain), outcomeLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return records, nil
}

func (s *HistoryQueryService) list(ctx context.Context, domain capture.Domain) ([]repository.CaptureRecord, error) {
	if !domain.Valid() {
		return nil, fmt.Errorf("unknown capture domain %q", domain)
	}

	subject, ok := auth.Subject(ctx)
	if !ok {
		return nil, capture.NewError(capture.KindAuthentication, "authentication required", nil)
	}

	account, err := s.repo.FindAccountByEmail(ctx, subject)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, capture.NewError(capture.KindIdentityNotFound, "User not found", err)
	}
	if err != nil {
		return nil, capture.NewStoreError(capture.KindPersist, "Account lookup failed", err)
	}

	found, err := s.repo.FindCapturesByOwner(ctx, account.ID, domain)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.list_history", "", err)
		s.logger.Error("history query failed", zap.Error(wrapped), zap.String("domain", string(domain)))
		return nil, capture.NewStoreError(capture.KindPersist, "Failed to fetch history", wrapped)
	}

	owner := account.Projection()
	records := make([]repository.CaptureRecord, 0, len(found))
	for _, r := range found {
		if r.OwnerID != account.ID || r.Domain != domain {
			s.logger.Error("store returned a foreign record, dropping it",
				zap.String("record_id", r.ID.String()),
				zap.String("domain", string(domain)),
			)
			continue
		}
		r.Owner = owner
		records = append(records, r)
	}
	return records, nil
}
