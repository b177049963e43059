// Package worker runs background cycles with a fixed delay between them.
//
// A Loop calls its cycle function, waits Interval after the cycle returns and
// repeats, so cycles of one Loop never overlap. Shutdown stops scheduling new
// cycles and waits for the in-flight one; when the grace period ends first the
// cycle's context is cancelled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrStarted is returned by Start on a Loop that was already started.
var ErrStarted = errors.New("worker already started")

// Cycle is one unit of background work. The returned error is logged; it does
// not stop the loop.
type Cycle func(ctx context.Context) error

// Loop is a single-flight periodic runner.
type Loop struct {
	name     string
	interval time.Duration
	cycle    Cycle
	log      zerolog.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	stopped sync.Once
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLoop returns a Loop that runs cycle every interval.
func NewLoop(name string, interval time.Duration, log zerolog.Logger, cycle Cycle) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{
		name:     name,
		interval: interval,
		cycle:    cycle,
		log:      log.With().Str("worker", name).Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. Cancelling ctx stops scheduling but does not abort
// an in-flight cycle; use Shutdown for a bounded stop.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrStarted
	}
	l.started = true

	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	go l.run(ctx, cycleCtx, cancel)
	l.log.Info().Dur("interval", l.interval).Msg("worker started")
	return nil
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Shutdown stops the loop and waits for the in-flight cycle until ctx ends.
// A Loop that was never started returns immediately.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.stopped.Do(func() { close(l.stop) })

	l.mu.Lock()
	started, cancel := l.started, l.cancel
	l.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-l.done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		l.log.Warn().Msg("grace period elapsed; in-flight cycle cancelled")
		return fmt.Errorf("%s shutdown: %w", l.name, ctx.Err())
	}
}

func (l *Loop) run(parent, cycleCtx context.Context, cancel context.CancelFunc) {
	defer close(l.done)
	defer cancel()
	defer l.log.Info().Msg("worker stopped")

	for {
		select {
		case <-l.stop:
			return
		case <-parent.Done():
			return
		default:
		}

		l.runCycle(cycleCtx)

		t := time.NewTimer(l.interval)
		select {
		case <-l.stop:
			t.Stop()
			return
		case <-parent.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (l *Loop) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("cycle panicked")
		}
	}()
	if err := l.cycle(ctx); err != nil && ctx.Err() == nil {
		l.log.Error().Err(err).Msg("cycle failed")
	}
}
