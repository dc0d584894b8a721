//go:build !onnx
// +build !onnx

package inference

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/woundscan/internal/imageprocessor"
)

var errONNXDisabled = errors.New("onnx build tag is not enabled")

// ONNXEngine is a placeholder for builds without ONNX Runtime.
type ONNXEngine struct {
	cfg ONNXConfig
}

// NewONNXEngine returns an engine whose Load always fails.
func NewONNXEngine(cfg ONNXConfig, _ *zap.Logger) (*ONNXEngine, error) {
	return &ONNXEngine{cfg: cfg}, nil
}

// Load returns an error when built without the onnx tag.
func (e *ONNXEngine) Load(context.Context, string) (Model, error) {
	return nil, errONNXDisabled
}

// Run returns an error when built without the onnx tag.
func (e *ONNXEngine) Run(context.Context, Model, *imageprocessor.Tensor) ([]float32, error) {
	return nil, errONNXDisabled
}

// Close is a no-op.
func (e *ONNXEngine) Close() error { return nil }
