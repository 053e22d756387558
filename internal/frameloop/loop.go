// Package frameloop runs a step function on a fixed cadence with at most one
// iteration in flight.
package frameloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Step is one iteration. An error is reported to the loop's error handler
// and does not stop the loop.
type Step func(ctx context.Context) error

type Stats struct {
	Runs    uint64 // iterations started
	Skipped uint64 // ticks that arrived while an iteration was still running
	Errors  uint64
}

// Loop is a cancellable repeating task. A tick that arrives while the
// previous iteration is running is skipped, never queued, so iterations
// never overlap.
type Loop struct {
	interval time.Duration
	step     Step
	onError  func(error)

	inFlight atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	errors   atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(interval time.Duration, step Step, onError func(error)) *Loop {
	if onError == nil {
		onError = func(error) {}
	}
	return &Loop{interval: interval, step: step, onError: onError}
}

// Start launches the loop. It runs until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return fmt.Errorf("frameloop already started")
	}
	if l.interval <= 0 {
		return fmt.Errorf("frameloop interval must be > 0, got %s", l.interval)
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	l.started = true
	go l.run(ctx)
	return nil
}

// Stop cancels the loop and waits for the in-flight iteration, if any.
// Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
}

// Done is closed once the loop has fully stopped.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *Loop) Stats() Stats {
	return Stats{Runs: l.runs.Load(), Skipped: l.skipped.Load(), Errors: l.errors.Load()}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.inFlight.CompareAndSwap(false, true) {
				l.skipped.Add(1)
				continue
			}
			l.runs.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer l.inFlight.Store(false)
				if err := l.step(ctx); err != nil && ctx.Err() == nil {
					l.errors.Add(1)
					l.onError(err)
				}
			}()
		}
	}
}
