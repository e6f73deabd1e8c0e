// Package grpcclient provides a model backend that runs inference in a
// separate service over gRPC. Messages use protobuf well-known types so no
// generated stubs are needed on this side.
package grpcclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/leafscan/internal/imageprocessor"
	"github.com/example/leafscan/internal/logging"
	"github.com/example/leafscan/internal/modelruntime"
)

// Full method names served by the inference service.
const (
	DescribeMethod = "/leafscan.inference.v1.Inference/Describe"
	PredictMethod  = "/leafscan.inference.v1.Inference/Predict"
)

// DialInferenceService returns a backend bound to the inference service at addr.
func DialInferenceService(ctx context.Context, addr string, logger *zap.Logger) (*RemoteBackend, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_inference_service", "", err)
		logger.Error("failed to dial inference service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteBackend(conn, logger), conn, nil
}

// RemoteBackend implements modelruntime.Backend over a gRPC connection.
type RemoteBackend struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewRemoteBackend wraps an existing connection.
func NewRemoteBackend(conn grpc.ClientConnInterface, logger *zap.Logger) *RemoteBackend {
	return &RemoteBackend{conn: conn, logger: logger.Named("grpc_inference")}
}

// Load asks the service to describe the model it serves. The path is the
// model the service is expected to have loaded and is only logged.
func (b *RemoteBackend) Load(ctx context.Context, path string) (modelruntime.Session, modelruntime.Metadata, error) {
	desc := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, DescribeMethod, &emptypb.Empty{}, desc); err != nil {
		wrapped := logging.NewOperationError("grpcclient.describe", "", err)
		b.logger.Error("describe call failed", zap.Error(wrapped), zap.String("model_path", path))
		return nil, modelruntime.Metadata{}, wrapped
	}

	meta, err := metadataFromStruct(desc)
	if err != nil {
		return nil, modelruntime.Metadata{}, err
	}
	return &remoteSession{conn: b.conn, logger: b.logger}, meta, nil
}

type remoteSession struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (s *remoteSession) Run(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	req := wrapperspb.Bytes(EncodeTensor(input.Data))
	resp := &structpb.ListValue{}
	if err := s.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict", "", err)
		s.logger.Error("predict call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	out := make([]float32, len(resp.GetValues()))
	for i, v := range resp.GetValues() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("score %d is not a number", i)
		}
		out[i] = float32(n.NumberValue)
	}
	return out, nil
}

func (s *remoteSession) Close() error { return nil }

// EncodeTensor packs float32 values little-endian.
func EncodeTensor(data []float32) []byte {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeTensor is the inverse of EncodeTensor.
func DecodeTensor(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("tensor payload length %d is not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

func metadataFromStruct(s *structpb.Struct) (modelruntime.Metadata, error) {
	fields := s.GetFields()
	meta := modelruntime.Metadata{Version: fields["version"].GetStringValue()}

	for _, v := range fields["classes"].GetListValue().GetValues() {
		meta.Classes = append(meta.Classes, v.GetStringValue())
	}
	var err error
	if meta.InputShape, err = shapeFrom(fields["input_shape"]); err != nil {
		return meta, fmt.Errorf("input_shape: %w", err)
	}
	if meta.OutputShape, err = shapeFrom(fields["output_shape"]); err != nil {
		return meta, fmt.Errorf("output_shape: %w", err)
	}
	return meta, nil
}

func shapeFrom(v *structpb.Value) ([]int64, error) {
	values := v.GetListValue().GetValues()
	if len(values) == 0 {
		return nil, nil
	}
	shape := make([]int64, len(values))
	for i, d := range values {
		n := d.GetNumberValue()
		if n != math.Trunc(n) || n < 0 {
			return nil, fmt.Errorf("dimension %d is %v", i, n)
		}
		shape[i] = int64(n)
	}
	return shape, nil
}
