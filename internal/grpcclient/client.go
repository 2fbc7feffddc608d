package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/oral-check/internal/backend"
	"github.com/example/oral-check/internal/imageprocessor"
	"github.com/example/oral-check/internal/logging"
)

// DefaultMethod is the unary RPC serving classifications.
const DefaultMethod = "/oralscan.inference.v1.Classifier/Classify"

// Config describes how to reach the inference service.
type Config struct {
	Addr string
	// HealthService is the name passed to the gRPC health check; empty checks the server as a whole.
	HealthService string
	Method        string
	DialTimeout   time.Duration
	// Timeout bounds a single Classify call.
	Timeout     time.Duration
	DialOptions []grpc.DialOption
}

// InferenceBackend classifies images through a remote gRPC inference service.
type InferenceBackend struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a gRPC backend. The connection is established by Load.
func New(cfg Config, logger *zap.Logger) *InferenceBackend {
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &InferenceBackend{cfg: cfg, logger: logger.Named("grpc_backend")}
}

type connHandle struct {
	conn *grpc.ClientConn
}

func (h *connHandle) Close() error { return h.conn.Close() }

// Name identifies the backend in logs and results.
func (b *InferenceBackend) Name() string { return "grpc" }

// Load dials the inference service and waits for it to report SERVING.
func (b *InferenceBackend) Load(ctx context.Context) (backend.Handle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, b.cfg.DialOptions...)
	conn, err := grpc.DialContext(dialCtx, b.cfg.Addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_inference", "", err)
		b.logger.Error("failed to dial inference service", zap.Error(wrapped), zap.String("addr", b.cfg.Addr))
		return nil, wrapped
	}

	resp, err := healthpb.NewHealthClient(conn).Check(dialCtx, &healthpb.HealthCheckRequest{Service: b.cfg.HealthService})
	if err == nil && resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		err = fmt.Errorf("inference service reports %s", resp.GetStatus())
	}
	if err != nil {
		_ = conn.Close()
		wrapped := logging.NewOperationError("grpcclient.health_check", "", err)
		b.logger.Error("inference service not serving", zap.Error(wrapped), zap.String("addr", b.cfg.Addr))
		return nil, wrapped
	}

	b.logger.Info("connected to inference service", zap.String("addr", b.cfg.Addr))
	return &connHandle{conn: conn}, nil
}

// Infer sends the encoded image and decodes the {label, confidence} reply.
func (b *InferenceBackend) Infer(ctx context.Context, handle backend.Handle, img imageprocessor.EncodedImage) (backend.Prediction, error) {
	h, ok := handle.(*connHandle)
	if !ok || h == nil {
		return backend.Prediction{}, backend.ErrUnavailable
	}
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"image":     img.DataURL,
		"mime_type": img.MIMEType,
		"width":     img.Width,
		"height":    img.Height,
	})
	if err != nil {
		return backend.Prediction{}, fmt.Errorf("%w: build request: %w", backend.ErrInference, err)
	}

	reply := &structpb.Struct{}
	if err := h.conn.Invoke(ctx, b.cfg.Method, req, reply); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", img.SHA1, err)
		b.logger.Error("inference call failed", zap.Error(wrapped))
		return backend.Prediction{}, fmt.Errorf("%w: %w", backend.ErrInference, wrapped)
	}

	pred, err := decodePrediction(reply)
	if err != nil {
		return backend.Prediction{}, fmt.Errorf("%w: %w", backend.ErrInference, err)
	}
	return pred, nil
}

func decodePrediction(reply *structpb.Struct) (backend.Prediction, error) {
	fields := reply.GetFields()
	label, ok := fields["label"]
	if !ok || label.GetStringValue() == "" {
		return backend.Prediction{}, errors.New("reply is missing label")
	}
	confidence, ok := fields["confidence"]
	if !ok {
		return backend.Prediction{}, errors.New("reply is missing confidence")
	}
	if _, isNumber := confidence.GetKind().(*structpb.Value_NumberValue); !isNumber {
		return backend.Prediction{}, errors.New("confidence is not a number")
	}
	return backend.Prediction{Key: label.GetStringValue(), Confidence: confidence.GetNumberValue()}, nil
}
