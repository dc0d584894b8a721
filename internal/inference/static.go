package inference

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/example/woundscan/internal/imageprocessor"
)

// StaticEngine returns fixed scores per model reference. Used by tests and local runs
// without a model runtime.
type StaticEngine struct {
	Scores  map[string][]float32
	LoadErr error
	RunErr  error

	loads atomic.Int32
}

type staticModel string

func (m staticModel) Ref() string { return string(m) }

// Load implements Engine.
func (e *StaticEngine) Load(_ context.Context, ref string) (Model, error) {
	e.loads.Add(1)
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	if _, ok := e.Scores[ref]; !ok {
		return nil, fmt.Errorf("unknown model %q", ref)
	}
	return staticModel(ref), nil
}

// Run implements Engine.
func (e *StaticEngine) Run(_ context.Context, model Model, _ *imageprocessor.Tensor) ([]float32, error) {
	if e.RunErr != nil {
		return nil, e.RunErr
	}
	scores := e.Scores[model.Ref()]
	out := make([]float32, len(scores))
	copy(out, scores)
	return out, nil
}

// Loads reports how many times Load was called.
func (e *StaticEngine) Loads() int {
	return int(e.loads.Load())
}
