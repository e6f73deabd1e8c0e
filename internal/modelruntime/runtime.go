// Package modelruntime owns the lifecycle of the leaf classification model:
// a single load per process, a warm-up run, bounded predictions and release.
package modelruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/leafscan/internal/catalog"
	"github.com/example/leafscan/internal/imageprocessor"
)

var (
	// ErrModelLoadFailed wraps every failure to bring the model to Ready.
	ErrModelLoadFailed = errors.New("model load failed")
	// ErrModelNotLoaded is returned by Predict outside the Ready state.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrInferenceFailed wraps failures of the backend's run call.
	ErrInferenceFailed = errors.New("inference failed")
	// ErrTimeout is returned when a load or a prediction exceeds its bound.
	ErrTimeout = errors.New("model operation timed out")
)

const loadKey = "load"

// Options configures a Runtime.
type Options struct {
	Path           string
	LoadTimeout    time.Duration
	PredictTimeout time.Duration
}

// Runtime is the process-wide model holder. Loads are single-flight: callers
// arriving while a load is in progress wait for that load instead of
// starting another.
type Runtime struct {
	backend Backend
	catalog *catalog.Catalog
	opts    Options
	logger  *zap.Logger

	group singleflight.Group

	mu       sync.RWMutex
	state    State
	session  Session
	meta     Metadata
	lastErr  error
	attempts atomic.Int64
}

// New constructs an unloaded runtime.
func New(backend Backend, cat *catalog.Catalog, opts Options, logger *zap.Logger) *Runtime {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	if opts.PredictTimeout <= 0 {
		opts.PredictTimeout = 5 * time.Second
	}
	return &Runtime{
		backend: backend,
		catalog: cat,
		opts:    opts,
		logger:  logger.Named("model_runtime"),
		state:   StateUnloaded,
	}
}

// State reports the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastError returns the error of the most recent failed load, if any.
func (r *Runtime) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// LoadAttempts counts how many loads actually reached the backend.
func (r *Runtime) LoadAttempts() int64 {
	return r.attempts.Load()
}

// Metadata returns the metadata of the loaded model.
func (r *Runtime) Metadata() Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

// EnsureLoaded brings the model to Ready. It is a no-op when already Ready,
// joins an in-flight load when one exists, and otherwise starts a load.
// A failed load is not retried automatically; calling EnsureLoaded again is
// the retry. ctx only bounds how long this caller waits; the load itself is
// bounded by Options.LoadTimeout.
func (r *Runtime) EnsureLoaded(ctx context.Context) error {
	if r.State() == StateReady {
		return nil
	}

	ch := r.group.DoChan(loadKey, func() (any, error) {
		return nil, r.load()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return contextError(ctx, "waiting for model load")
	}
}

func (r *Runtime) load() error {
	r.mu.Lock()
	if r.state == StateReady {
		r.mu.Unlock()
		return nil
	}
	r.state = StateLoading
	r.mu.Unlock()

	r.attempts.Add(1)
	start := time.Now()
	r.logger.Info("loading model", zap.String("path", r.opts.Path))

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
	defer cancel()

	session, meta, err := r.loadAndWarm(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = StateFailed
		r.lastErr = err
		r.logger.Error("model load failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return err
	}
	r.session = session
	r.meta = meta
	r.state = StateReady
	r.lastErr = nil
	r.logger.Info("model ready",
		zap.String("version", meta.Version),
		zap.Int("classes", r.catalog.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

type loadResult struct {
	session Session
	meta    Metadata
	err     error
}

func (r *Runtime) loadAndWarm(ctx context.Context) (Session, Metadata, error) {
	done := make(chan loadResult, 1)
	go func() {
		s, m, err := r.backend.Load(ctx, r.opts.Path)
		done <- loadResult{session: s, meta: m, err: err}
	}()

	var res loadResult
	select {
	case res = <-done:
	case <-ctx.Done():
		// The backend may still hand back a session; close it when it does.
		go func() {
			if late := <-done; late.session != nil {
				_ = late.session.Close()
			}
		}()
		return nil, Metadata{}, fmt.Errorf("%w: %w", ErrModelLoadFailed, ErrTimeout)
	}
	if res.err != nil {
		return nil, Metadata{}, fmt.Errorf("%w: %w", ErrModelLoadFailed, res.err)
	}

	warm := imageprocessor.ZeroTensor()
	out, err := r.run(ctx, res.session, warm)
	if err != nil {
		_ = res.session.Close()
		return nil, Metadata{}, fmt.Errorf("%w: warm-up: %w", ErrModelLoadFailed, err)
	}
	if err := r.catalog.Bind(len(out), res.meta.Classes); err != nil {
		_ = res.session.Close()
		return nil, Metadata{}, fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
	}
	return res.session, res.meta, nil
}

// Predict runs one inference. It takes ownership of input and releases it
// once the backend is done with it, whatever the outcome. It never loads the
// model.
func (r *Runtime) Predict(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	r.mu.RLock()
	state, session := r.state, r.session
	r.mu.RUnlock()

	if state != StateReady || session == nil {
		input.Release()
		return nil, ErrModelNotLoaded
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.PredictTimeout)
	defer cancel()

	out, err := r.run(ctx, session, input)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}
	if len(out) != r.catalog.Len() {
		return nil, fmt.Errorf("%w: %w: got %d scores for %d classes", ErrInferenceFailed, catalog.ErrCatalogMismatch, len(out), r.catalog.Len())
	}
	return out, nil
}

type runResult struct {
	out []float32
	err error
}

// run executes one backend call bounded by ctx and releases input when the
// call returns, even if the caller stopped waiting.
func (r *Runtime) run(ctx context.Context, s Session, input *imageprocessor.Tensor) ([]float32, error) {
	done := make(chan runResult, 1)
	go func() {
		defer input.Release()
		out, err := s.Run(ctx, input)
		done <- runResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, contextError(ctx, "inference")
	}
}

// contextError reports why ctx ended. Only an expired deadline is a
// timeout; a caller cancellation is returned as context.Canceled.
func contextError(ctx context.Context, during string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, during, ctx.Err())
	}
	return fmt.Errorf("%s: %w", during, ctx.Err())
}

// Close releases the loaded session and returns the runtime to Unloaded.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.session != nil {
		err = r.session.Close()
		r.session = nil
	}
	r.state = StateUnloaded
	return err
}
