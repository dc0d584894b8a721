package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithOperationAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := WithOperation(zap.New(core), "usecase.submit_capture", "sub-1")

	logger.Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "usecase.submit_capture" {
		t.Fatalf("unexpected operation field: %v", fields["operation"])
	}
	if fields["submission_id"] != "sub-1" {
		t.Fatalf("unexpected submission_id field: %v", fields["submission_id"])
	}
}

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("op", "id", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	cause := errors.New("boom")
	err := NewOperationError("blobstore.upload", "sub-2", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause")
	}
	if got := err.Error(); got != "blobstore.upload (submission_id=sub-2): boom" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if parseLevel("verbose") != zapcore.InfoLevel {
		t.Fatalf("expected info level fallback")
	}
	if parseLevel("DEBUG") != zapcore.DebugLevel {
		t.Fatalf("expected case-insensitive debug level")
	}
}
