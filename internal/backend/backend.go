package backend

import (
	"context"
	"errors"

	"github.com/example/oral-check/internal/imageprocessor"
)

var (
	// ErrUnavailable is returned when inference is attempted without a loaded handle.
	ErrUnavailable = errors.New("inference backend unavailable")
	// ErrInference marks a backend-internal failure such as a timeout or transport fault.
	ErrInference = errors.New("inference failed")
)

// Prediction is the raw backend verdict for one image.
type Prediction struct {
	Key        string
	Confidence float64
}

// Handle is a loaded backend resource (model session, connection).
type Handle interface {
	Close() error
}

// Backend turns encoded images into condition keys with a confidence score.
// Implementations must be safe for concurrent Infer calls on one Handle.
type Backend interface {
	Name() string
	Load(ctx context.Context) (Handle, error)
	Infer(ctx context.Context, handle Handle, img imageprocessor.EncodedImage) (Prediction, error)
}
