// Package inference loads classification models and scores preprocessed images with them.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/woundscan/internal/imageprocessor"
	"github.com/example/woundscan/internal/logging"
)

// Model is a loaded classifier.
type Model interface {
	Ref() string
}

// Engine is a model runtime.
type Engine interface {
	Load(ctx context.Context, ref string) (Model, error)
	Run(ctx context.Context, model Model, input *imageprocessor.Tensor) ([]float32, error)
}

// Registry caches loaded models per reference for the life of the process.
// Concurrent first requests for the same reference share one load.
type Registry struct {
	engine Engine
	logger *zap.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	models map[string]Model
}

// NewRegistry wraps engine with a process-wide model cache.
func NewRegistry(engine Engine, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		engine: engine,
		logger: logger,
		models: make(map[string]Model),
	}
}

// Model returns the cached model for ref, loading it on first use. Failed loads are not cached.
func (r *Registry) Model(ctx context.Context, ref string) (Model, error) {
	r.mu.RLock()
	model, ok := r.models[ref]
	r.mu.RUnlock()
	if ok {
		return model, nil
	}

	v, err, _ := r.group.Do(ref, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.models[ref]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		loaded, err := r.engine.Load(ctx, ref)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.models[ref] = loaded
		r.mu.Unlock()
		r.logger.Info("model loaded", zap.String("model_ref", ref))
		return loaded, nil
	})
	if err != nil {
		wrapped := logging.NewOperationError("inference.load_model", "", fmt.Errorf("model %q: %w", ref, err))
		r.logger.Error("failed to load model", zap.Error(wrapped), zap.String("model_ref", ref))
		return nil, wrapped
	}
	return v.(Model), nil
}

// Score runs the model for ref on input and returns its raw output vector.
func (r *Registry) Score(ctx context.Context, ref string, input *imageprocessor.Tensor) ([]float32, error) {
	model, err := r.Model(ctx, ref)
	if err != nil {
		return nil, err
	}
	scores, err := r.engine.Run(ctx, model, input)
	if err != nil {
		return nil, fmt.Errorf("run model %q: %w", ref, err)
	}
	return scores, nil
}

// Close releases every cached model that holds native resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for ref, model := range r.models {
		if closer, ok := model.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close model %q: %w", ref, err))
			}
		}
		delete(r.models, ref)
	}
	return errors.Join(errs...)
}
