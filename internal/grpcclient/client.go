package grpcclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/woundscan/internal/imageprocessor"
	"github.com/example/woundscan/internal/inference"
	"github.com/example/woundscan/internal/logging"
)

// ClassifyMethod is the unary method the model sidecar serves. The request is a BytesValue of
// little-endian float32 tensor data, the response a ListValue of scores.
const ClassifyMethod = "/woundscan.inference.v1.Classifier/Classify"

const (
	modelRefHeader   = "x-model-ref"
	inputShapeHeader = "x-input-shape"
)

// DialModelServer returns a ready connection to the model sidecar.
func DialModelServer(ctx context.Context, addr string, logger *zap.Logger) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_model_server", "", err)
		logger.Error("failed to dial model server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}

// ModelServerEngine is an inference.Engine backed by the model sidecar.
type ModelServerEngine struct {
	conn   grpc.ClientConnInterface
	health healthpb.HealthClient
	logger *zap.Logger
}

type remoteModel string

func (m remoteModel) Ref() string { return string(m) }

// NewModelServerEngine wraps an established connection.
func NewModelServerEngine(conn grpc.ClientConnInterface, logger *zap.Logger) *ModelServerEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelServerEngine{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		logger: logger,
	}
}

// Load checks that the sidecar reports ref as serving.
func (e *ModelServerEngine) Load(ctx context.Context, ref string) (inference.Model, error) {
	resp, err := e.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ref})
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.check_model", "", err)
		e.logger.Error("model health check failed", zap.Error(wrapped), zap.String("model_ref", ref))
		return nil, wrapped
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return nil, fmt.Errorf("model %q is %s", ref, resp.GetStatus())
	}
	return remoteModel(ref), nil
}

// Run sends input to the sidecar and returns the scores it computed.
func (e *ModelServerEngine) Run(ctx context.Context, model inference.Model, input *imageprocessor.Tensor) ([]float32, error) {
	if input == nil {
		return nil, errors.New("nil input tensor")
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		modelRefHeader, model.Ref(),
		inputShapeHeader, FormatShape(input.Shape),
	)

	resp := &structpb.ListValue{}
	if err := e.conn.Invoke(ctx, ClassifyMethod, wrapperspb.Bytes(EncodeTensor(input.Data)), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		e.logger.Error("model server call failed", zap.Error(wrapped), zap.String("model_ref", model.Ref()))
		return nil, wrapped
	}

	scores := make([]float32, 0, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("score %d is not a number", i)
		}
		scores = append(scores, float32(n.NumberValue))
	}
	return scores, nil
}

// EncodeTensor packs data as little-endian float32.
func EncodeTensor(data []float32) []byte {
	out := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeTensor is the inverse of EncodeTensor.
func DecodeTensor(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("tensor payload of %d bytes is not float32 aligned", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// FormatShape renders a shape as "1,224,224,3".
func FormatShape(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return strings.Join(parts, ",")
}
