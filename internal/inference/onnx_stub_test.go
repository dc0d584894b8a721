//go:build !onnx
// +build !onnx

package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestONNXEngineWithoutBuildTagFailsAtLoad(t *testing.T) {
	engine, err := NewONNXEngine(ONNXConfig{ModelDir: "models"}, nil)
	require.NoError(t, err)

	_, err = NewRegistry(engine, nil).Model(context.Background(), "burn_classification_model")
	require.ErrorIs(t, err, errONNXDisabled)
	require.NoError(t, engine.Close())
}
