//go:build onnx
// +build onnx

package inference

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/woundscan/internal/imageprocessor"
)

// ONNXEngine runs models in-process through ONNX Runtime.
type ONNXEngine struct {
	cfg    ONNXConfig
	logger *zap.Logger
}

type onnxModel struct {
	ref         string
	session     *ort.DynamicAdvancedSession
	outputShape ort.Shape
}

func (m *onnxModel) Ref() string { return m.ref }

func (m *onnxModel) Close() error {
	return m.session.Destroy()
}

// NewONNXEngine initializes the ONNX Runtime environment once for the process.
func NewONNXEngine(cfg ONNXConfig, logger *zap.Logger) (*ONNXEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	return &ONNXEngine{cfg: cfg, logger: logger}, nil
}

// Load opens ModelDir/<ref>.onnx and prepares a session for it.
func (e *ONNXEngine) Load(ctx context.Context, ref string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(e.cfg.ModelDir, ref+".onnx")
	_, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}

	var outputShape ort.Shape
	for _, info := range outputs {
		if info.Name == e.cfg.OutputName {
			outputShape = fixedShape(info.Dimensions)
		}
	}
	if outputShape == nil {
		return nil, fmt.Errorf("model %s has no output named %q", path, e.cfg.OutputName)
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{e.cfg.InputName}, []string{e.cfg.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", path, err)
	}

	e.logger.Debug("onnx session created",
		zap.String("model_ref", ref),
		zap.String("path", path),
		zap.Int64s("output_shape", outputShape),
	)
	return &onnxModel{ref: ref, session: session, outputShape: outputShape}, nil
}

// Run feeds input through the model and returns the flattened output.
func (e *ONNXEngine) Run(ctx context.Context, model Model, input *imageprocessor.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, ok := model.(*onnxModel)
	if !ok {
		return nil, errors.New("model was not loaded by the onnx engine")
	}

	in, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](m.outputShape)
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := m.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, err
	}

	data := out.GetData()
	scores := make([]float32, len(data))
	copy(scores, data)
	return scores, nil
}

// Close tears down the ONNX Runtime environment.
func (e *ONNXEngine) Close() error {
	return ort.DestroyEnvironment()
}

// fixedShape replaces dynamic dimensions with 1; the service always scores a single image.
func fixedShape(dims ort.Shape) ort.Shape {
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d < 1 {
			d = 1
		}
		shape[i] = d
	}
	return shape
}
