package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/oral-check/internal/backend"
	"github.com/example/oral-check/internal/imageprocessor"
	"github.com/example/oral-check/internal/knowledge"
	"github.com/example/oral-check/internal/logging"
)

var (
	// ErrInitializationFailed is returned when the backend could not be loaded. Retryable.
	ErrInitializationFailed = errors.New("backend initialization failed")
	// ErrNotReady is returned by Classify before a successful Initialize.
	ErrNotReady = errors.New("classifier not ready")

	errClosedDuringLoad = errors.New("orchestrator closed while loading")
)

// Status is the backend lifecycle state.
type Status int

const (
	StatusUnloaded Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is a completed classification. Callers own it; the orchestrator keeps no reference.
type Result struct {
	ConditionKey    string             `json:"condition_key"`
	ConditionName   string             `json:"condition_name"`
	Description     string             `json:"description"`
	Severity        knowledge.Severity `json:"severity"`
	Confidence      float64            `json:"confidence"`
	Recommendations []string           `json:"recommendations"`
	Backend         string             `json:"backend"`
	ObservedAt      time.Time          `json:"observed_at"`
}

// Snapshot is a point-in-time view of the orchestrator state.
type Snapshot struct {
	Status       Status `json:"status"`
	Backend      string `json:"backend"`
	LoadAttempts int    `json:"load_attempts"`
	LastError    string `json:"last_error,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	// LoadTimeout bounds one backend load; zero means unbounded.
	LoadTimeout time.Duration
	// Now stamps results; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the backend lifecycle and assembles classification results.
type Orchestrator struct {
	backend backend.Backend
	kb      *knowledge.Base
	encoder *imageprocessor.Encoder
	logger  *zap.Logger
	opts    Options

	loads singleflight.Group

	mu           sync.RWMutex
	status       Status
	handle       backend.Handle
	lastErr      error
	loadAttempts int
	// generation is bumped by Close so a load that outlives it discards its handle.
	generation uint64
}

// New builds an orchestrator in the Unloaded state.
func New(b backend.Backend, kb *knowledge.Base, encoder *imageprocessor.Encoder, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		backend: b,
		kb:      kb,
		encoder: encoder,
		logger:  logger.Named("classifier"),
		opts:    opts,
	}
}

// Status returns the current lifecycle state.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Snapshot returns the current state with load bookkeeping.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := Snapshot{Status: o.status, Backend: o.backend.Name(), LoadAttempts: o.loadAttempts}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
	}
	return s
}

// Initialize loads the backend once. Concurrent callers share a single load
// and its outcome; after a failure the next call starts a fresh attempt.
// A caller whose ctx ends stops waiting, but the shared load keeps running.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.Status() == StatusReady {
		return nil
	}

	ch := o.loads.DoChan("backend", func() (interface{}, error) {
		return nil, o.load(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return logging.NewOperationError("classifier.initialize", "", ctx.Err())
	}
}

func (o *Orchestrator) load(ctx context.Context) error {
	o.mu.Lock()
	if o.status == StatusReady {
		o.mu.Unlock()
		return nil
	}
	o.status = StatusLoading
	o.loadAttempts++
	attempt := o.loadAttempts
	generation := o.generation
	o.mu.Unlock()

	if o.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.LoadTimeout)
		defer cancel()
	}

	opLogger := o.logger.With(zap.String("backend", o.backend.Name()), zap.Int("attempt", attempt))
	opLogger.Info("loading inference backend")
	started := time.Now()
	handle, err := o.backend.Load(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil && handle == nil {
		err = errors.New("backend returned no handle")
	}
	if generation != o.generation {
		if handle != nil {
			if cerr := handle.Close(); cerr != nil {
				opLogger.Warn("failed to release handle loaded after close", zap.Error(cerr))
			}
		}
		opLogger.Info("discarding backend load finished after close")
		return logging.NewOperationError("classifier.load", "", fmt.Errorf("%w: %w", ErrInitializationFailed, errClosedDuringLoad))
	}
	if err != nil {
		o.status = StatusFailed
		o.handle = nil
		o.lastErr = err
		wrapped := logging.NewOperationError("classifier.load", "", fmt.Errorf("%w: %w", ErrInitializationFailed, err))
		opLogger.Error("inference backend failed to load", zap.Error(err))
		return wrapped
	}
	o.status = StatusReady
	o.handle = handle
	o.lastErr = nil
	opLogger.Info("inference backend ready", zap.Duration("elapsed", time.Since(started)))
	return nil
}

// Classify encodes image, runs it through the backend and maps the verdict
// onto the knowledge base. It fails with ErrNotReady unless the backend is
// Ready when called; a failed classification never changes the state.
func (o *Orchestrator) Classify(ctx context.Context, image []byte) (*Result, error) {
	o.mu.RLock()
	status, handle := o.status, o.handle
	o.mu.RUnlock()
	if status != StatusReady {
		return nil, fmt.Errorf("%w: backend is %s", ErrNotReady, status)
	}

	encoded, err := o.encoder.Encode(image)
	if err != nil {
		return nil, err
	}

	pred, err := o.backend.Infer(ctx, handle, encoded)
	if err != nil {
		return nil, err
	}
	if pred.Confidence < 0 || pred.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %f outside [0,1]", backend.ErrInference, pred.Confidence)
	}

	entry, err := o.kb.Lookup(pred.Key)
	if err != nil {
		o.logger.Error("backend returned a condition missing from the knowledge base",
			zap.String("backend", o.backend.Name()), zap.String("key", pred.Key))
		return nil, err
	}

	return &Result{
		ConditionKey:    entry.Key,
		ConditionName:   entry.DisplayName,
		Description:     entry.Description,
		Severity:        entry.Severity,
		Confidence:      pred.Confidence,
		Recommendations: entry.Recommendations,
		Backend:         o.backend.Name(),
		ObservedAt:      o.opts.Now().UTC(),
	}, nil
}

// Close releases the backend handle and returns to Unloaded. A load still in
// flight when Close runs releases its own handle and leaves the state Unloaded.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.generation++
	var err error
	if o.handle != nil {
		err = o.handle.Close()
	}
	o.handle = nil
	o.status = StatusUnloaded
	return err
}
