// Package acquire polls a timestamp source until the backend has produced
// word timings for the current artifact.
//
// Each Start owns exactly one ticker and one goroutine. Requests are issued
// from that goroutine only, so a slow response delays the next attempt
// instead of overlapping it. The ticker is released on every exit path:
// success, terminal failure, budget exhaustion and Cancel.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/forPelevin/subsync/internal/domain/timing"
	"github.com/forPelevin/subsync/internal/ports"
)

const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 60
)

// ErrTimeout is wrapped by the terminal error when the attempt budget runs
// out while the backend keeps answering "not ready".
var ErrTimeout = errors.New("word timestamps did not become available")

type Phase int

const (
	PhaseLoading Phase = iota
	PhaseReady
	PhaseFailed
	PhaseCanceled
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "error"
	case PhaseCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type State struct {
	Phase    Phase
	Attempts int
	Prepared *timing.Prepared
	Err      error
}

// Message is the user-facing text for a failed state.
func (s State) Message() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Clock       clock.WithTicker
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Handle is a running acquisition.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
}

// Start begins polling src. The first request goes out one interval after
// Start returns.
func Start(ctx context.Context, src ports.TimestampSource, opts Options) *Handle {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
		state:  State{Phase: PhaseLoading},
	}
	// Created before the goroutine so that no tick can be missed.
	ticker := opts.Clock.NewTicker(opts.Interval)
	go h.run(ctx, src, ticker, opts)
	return h
}

// Cancel stops polling. It is safe to call more than once and after the
// acquisition has finished.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the acquisition reached a final phase.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) run(ctx context.Context, src ports.TimestampSource, ticker clock.Ticker, opts Options) {
	defer close(h.done)
	defer ticker.Stop()
	defer h.cancel()

	log := opts.Logger
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			h.finish(State{Phase: PhaseCanceled, Attempts: attempts, Err: ctx.Err()})
			return
		case <-ticker.C():
		}
		// Both cases may be ready at once; cancellation wins.
		if ctx.Err() != nil {
			h.finish(State{Phase: PhaseCanceled, Attempts: attempts, Err: ctx.Err()})
			return
		}

		attempts++
		h.setAttempts(attempts)
		tr, err := src.Fetch(ctx)
		switch {
		case err == nil:
			p := timing.Prepare(tr)
			log.Info("word timestamps ready", "attempt", attempts, "words", len(p.Words))
			h.finish(State{Phase: PhaseReady, Attempts: attempts, Prepared: p})
			return

		case ctx.Err() != nil:
			h.finish(State{Phase: PhaseCanceled, Attempts: attempts, Err: ctx.Err()})
			return

		case errors.Is(err, ports.ErrNotReady):
			if attempts >= opts.MaxAttempts {
				waited := time.Duration(attempts) * opts.Interval
				err = fmt.Errorf("failed to load subtitles after %d seconds: %w", int(waited.Seconds()), ErrTimeout)
				log.Warn("word timestamps polling timed out", "attempts", attempts)
				h.finish(State{Phase: PhaseFailed, Attempts: attempts, Err: err})
				return
			}
			log.Debug("word timestamps not ready", "attempt", attempts)

		default:
			log.Error("word timestamps fetch failed", "attempt", attempts, "error", err)
			h.finish(State{Phase: PhaseFailed, Attempts: attempts, Err: fmt.Errorf("failed to load subtitles: %w", err)})
			return
		}
	}
}

// Attempts is the number of requests issued so far.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Attempts
}

func (h *Handle) setAttempts(n int) {
	h.mu.Lock()
	h.state.Attempts = n
	h.mu.Unlock()
}

func (h *Handle) finish(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}
