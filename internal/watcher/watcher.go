// Package watcher runs periodic tasks with cooperative, deferred shutdown.
//
// A watcher fires its first tick immediately and then once per interval.
// The loop waits for every tick to finish before it looks at the next
// tick or at the shutdown signal, so a cancellation that arrives mid-tick
// is honored only after the task returns. A watcher started with a
// cancelled context runs no tick at all. Task errors are logged and counted
// but never end the loop.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nkkko/lookout/internal/logging"
	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/internal/notifier"
	"github.com/nkkko/lookout/internal/registry"
	"github.com/nkkko/lookout/internal/store"
	"github.com/nkkko/lookout/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyStarted is returned when a watcher loop is started twice
	ErrAlreadyStarted = errors.New("watcher already started")

	// ErrInvalidInterval is returned for a non-positive interval
	ErrInvalidInterval = errors.New("watcher interval must be positive")
)

// Context is the bundle handed to every tick of a watcher. State carries
// the domain configuration of the task.
type Context[S any] struct {
	Name     string
	Interval time.Duration
	Notifier notifier.Notifier
	Store    store.Store
	Registry registry.Registry
	State    S
}

// Task is the body of one tick
type Task[S any] func(ctx context.Context, wctx *Context[S]) error

// Options configures a watcher
type Options[S any] struct {
	Name     string
	Interval time.Duration
	Notifier notifier.Notifier
	Store    store.Store
	Registry registry.Registry
	State    S
}

// Watcher drives one task on a fixed interval
type Watcher[S any] struct {
	wctx    *Context[S]
	started atomic.Bool
	running atomic.Bool
	ticks   atomic.Uint64
	done    chan struct{}
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a watcher from opts
func New[S any](opts Options[S]) (*Watcher[S], error) {
	if opts.Name == "" {
		return nil, errors.New("watcher name is required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("%s: %w", opts.Name, ErrInvalidInterval)
	}

	return &Watcher[S]{
		wctx: &Context[S]{
			Name:     opts.Name,
			Interval: opts.Interval,
			Notifier: opts.Notifier,
			Store:    opts.Store,
			Registry: opts.Registry,
			State:    opts.State,
		},
		done:    make(chan struct{}),
		logger:  logging.Watcher(opts.Name),
		metrics: metrics.GetMetrics(),
	}, nil
}

// Name returns the watcher name
func (w *Watcher[S]) Name() string {
	return w.wctx.Name
}

// Interval returns the time between ticks
func (w *Watcher[S]) Interval() time.Duration {
	return w.wctx.Interval
}

// Context returns the bundle passed to every tick
func (w *Watcher[S]) Context() *Context[S] {
	return w.wctx
}

// Running reports whether the loop is active
func (w *Watcher[S]) Running() bool {
	return w.running.Load()
}

// Ticks returns the number of completed ticks
func (w *Watcher[S]) Ticks() uint64 {
	return w.ticks.Load()
}

// Done is closed once the loop has exited
func (w *Watcher[S]) Done() <-chan struct{} {
	return w.done
}

// Start runs the loop in the background
func (w *Watcher[S]) Start(ctx context.Context, task Task[S]) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go w.loop(ctx, task)
	return nil
}

// Run runs the loop and blocks until ctx is cancelled and the current
// tick has finished
func (w *Watcher[S]) Run(ctx context.Context, task Task[S]) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.loop(ctx, task)
	return nil
}

func (w *Watcher[S]) loop(ctx context.Context, task Task[S]) {
	defer close(w.done)

	w.running.Store(true)
	w.metrics.WatchersRunning.Inc()
	defer func() {
		w.running.Store(false)
		w.metrics.WatchersRunning.Dec()
	}()

	w.logger.Info().Dur("interval", w.wctx.Interval).Msg("Watcher started")

	ticker := time.NewTicker(w.wctx.Interval)
	defer ticker.Stop()

	for {
		// Checked before every tick, the first included. A tick and the
		// shutdown signal may be ready together; shutdown wins.
		if ctx.Err() != nil {
			w.logger.Info().Uint64("ticks", w.ticks.Load()).Msg("Watcher stopped")
			return
		}

		w.tick(ctx, task)

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// tick runs task once. The task context is detached from cancellation so
// an in-flight tick always completes.
func (w *Watcher[S]) tick(ctx context.Context, task Task[S]) {
	tickCtx, span := telemetry.StartWatcherSpan(context.WithoutCancel(ctx), w.wctx.Name)
	defer span.End()

	tickCtx = logging.WithContext(tickCtx, w.logger)
	timer := prometheus.NewTimer(w.metrics.WatcherTickDuration.WithLabelValues(w.wctx.Name))

	err := w.invoke(tickCtx, task)

	timer.ObserveDuration()
	w.ticks.Add(1)
	w.metrics.WatcherTicksTotal.WithLabelValues(w.wctx.Name, metrics.Success(err)).Inc()

	if err != nil {
		telemetry.MarkSpanError(tickCtx, err)
		w.logger.Error().Err(err).Msg("Watcher tick failed")
		return
	}
	w.logger.Debug().Msg("Watcher tick completed")
}

// invoke converts a panicking task into an error
func (w *Watcher[S]) invoke(ctx context.Context, task Task[S]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("watcher task panicked: %v", r)
		}
	}()
	return task(ctx, w.wctx)
}
