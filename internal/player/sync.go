package player

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/forPelevin/subsync/internal/domain/timing"
	"github.com/forPelevin/subsync/internal/domain/window"
	"github.com/forPelevin/subsync/internal/ports"
	"github.com/forPelevin/subsync/internal/types"
)

const DefaultTickInterval = 100 * time.Millisecond

type SyncOptions struct {
	TickInterval time.Duration
	Window       window.Options
	Clock        clock.WithTicker
	// OnChange is called after every recomputation of the visible set.
	OnChange func()
}

func (o SyncOptions) withDefaults() SyncOptions {
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.Window == (window.Options{}) {
		o.Window = window.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

// Synchronizer keeps the visible word set in step with a PlaybackClock.
//
// It is idle until Start hands it an index. While synchronizing, the set is
// recomputed on a fixed tick whenever the clock is playing and on every
// time-update signal from the clock. Both triggers call Recompute, which
// only depends on the current position.
type Synchronizer struct {
	opts SyncOptions

	mu      sync.Mutex
	gen     uint64
	media   ports.PlaybackClock
	index   timing.Index
	running bool
	visible []types.Word
	stop    chan struct{}
	detach  func()
}

func NewSynchronizer(opts SyncOptions) *Synchronizer {
	return &Synchronizer{opts: opts.withDefaults()}
}

// Mount attaches the host's clock. Passing nil unmounts it. While no clock
// is mounted the visible set stays empty.
func (s *Synchronizer) Mount(m ports.PlaybackClock) {
	s.mu.Lock()
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	s.media = m
	if s.running && m != nil {
		s.detach = m.OnTimeUpdate(s.Recompute)
	}
	running := s.running
	s.mu.Unlock()

	if running {
		s.Recompute()
	}
}

// Start switches to synchronizing against idx, replacing any previous run.
func (s *Synchronizer) Start(idx timing.Index) {
	s.start(idx, true)
}

// start computes the first visible set before returning. With notify false
// the caller is responsible for announcing it.
func (s *Synchronizer) start(idx timing.Index, notify bool) {
	s.mu.Lock()
	s.stopLocked()
	s.gen++
	s.index = idx
	s.running = true
	stop := make(chan struct{})
	s.stop = stop
	if s.media != nil {
		s.detach = s.media.OnTimeUpdate(s.Recompute)
	}
	ticker := s.opts.Clock.NewTicker(s.opts.TickInterval)
	s.mu.Unlock()

	go s.loop(ticker, stop)
	s.recompute(notify)
}

// Stop returns to idle: the tick loop ends, the time-update listener is
// detached and the visible set is cleared.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (s *Synchronizer) stopLocked() {
	if !s.running {
		return
	}
	s.gen++
	close(s.stop)
	s.stop = nil
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	s.running = false
	s.index = nil
	s.visible = nil
}

func (s *Synchronizer) loop(ticker clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
		}
		s.mu.Lock()
		m := s.media
		s.mu.Unlock()
		if m != nil && m.Playing() {
			s.Recompute()
		}
	}
}

// Recompute rebuilds the visible set from the clock's current position.
func (s *Synchronizer) Recompute() {
	s.recompute(true)
}

func (s *Synchronizer) recompute(notify bool) {
	s.mu.Lock()
	gen, m, idx, running := s.gen, s.media, s.index, s.running
	s.mu.Unlock()
	if !running {
		return
	}

	var vis []types.Word
	if m != nil {
		vis = s.opts.Window.Visible(idx, m.Position())
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.visible = vis
	s.mu.Unlock()

	if notify && s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

// End returns the end of the last word of the loaded index, or 0 when idle.
func (s *Synchronizer) End() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.End()
}

// Synchronizing reports whether an index is loaded and the loop is active.
func (s *Synchronizer) Synchronizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Visible returns the last computed set.
func (s *Synchronizer) Visible() []types.Word {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Word(nil), s.visible...)
}

// Clock returns the live position and play state, or ok=false when no clock
// is mounted.
func (s *Synchronizer) Clock() (pos float64, playing bool, ok bool) {
	s.mu.Lock()
	m := s.media
	s.mu.Unlock()
	if m == nil {
		return 0, false, false
	}
	return m.Position(), m.Playing(), true
}

// Render returns the visible set with active flags evaluated against the
// clock right now.
func (s *Synchronizer) Render() []types.VisibleWord {
	words := s.Visible()
	pos, _, ok := s.Clock()
	return window.Render(words, pos, ok)
}
