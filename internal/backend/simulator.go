package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/oral-check/internal/imageprocessor"
)

const (
	simulatorMinConfidence = 0.70
	simulatorMaxConfidence = 0.95
)

// SimulatorConfig tunes the stand-in backend's artificial latency.
type SimulatorConfig struct {
	LoadDelay      time.Duration
	InferenceDelay time.Duration
	// Timeout bounds a single Infer call; zero means no bound beyond ctx.
	Timeout time.Duration
	// Seed makes the random verdicts reproducible when non-zero.
	Seed uint64
}

// Simulator ignores image content and returns a uniformly random condition.
type Simulator struct {
	cfg    SimulatorConfig
	keys   []string
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

type simulatorHandle struct{}

func (simulatorHandle) Close() error { return nil }

// NewSimulator returns a simulator drawing from keys.
func NewSimulator(cfg SimulatorConfig, keys []string, logger *zap.Logger) (*Simulator, error) {
	if len(keys) == 0 {
		return nil, errors.New("simulator requires at least one condition key")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Simulator{
		cfg:    cfg,
		keys:   append([]string(nil), keys...),
		logger: logger.Named("simulator_backend"),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Name identifies the backend in logs and results.
func (s *Simulator) Name() string { return "simulator" }

// Keys returns every key the simulator can produce.
func (s *Simulator) Keys() []string { return append([]string(nil), s.keys...) }

// Load waits out the configured load delay.
func (s *Simulator) Load(ctx context.Context) (Handle, error) {
	if err := sleep(ctx, s.cfg.LoadDelay); err != nil {
		return nil, err
	}
	s.logger.Info("simulated model loaded", zap.Int("conditions", len(s.keys)))
	return simulatorHandle{}, nil
}

// Infer waits out the inference delay and draws a random verdict.
func (s *Simulator) Infer(ctx context.Context, handle Handle, img imageprocessor.EncodedImage) (Prediction, error) {
	if _, ok := handle.(simulatorHandle); !ok {
		return Prediction{}, ErrUnavailable
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if err := sleep(ctx, s.cfg.InferenceDelay); err != nil {
		return Prediction{}, fmt.Errorf("%w: %w", ErrInference, err)
	}

	s.mu.Lock()
	key := s.keys[s.rng.IntN(len(s.keys))]
	confidence := simulatorMinConfidence + s.rng.Float64()*(simulatorMaxConfidence-simulatorMinConfidence)
	s.mu.Unlock()

	s.logger.Debug("simulated inference",
		zap.String("key", key),
		zap.Float64("confidence", confidence),
		zap.Int("image_bytes", img.Size),
	)
	return Prediction{Key: key, Confidence: confidence}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
