// Package media provides PlaybackClock implementations for hosts that have
// no real audio element: a wall-clock simulation for the terminal player and
// a remote clock fed by a browser over the websocket bridge.
package media

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/forPelevin/subsync/internal/ports"
)

// TimeUpdateInterval approximates how often browsers fire "timeupdate".
const TimeUpdateInterval = 250 * time.Millisecond

// Simulated advances a playback position with a clock, like an audio element
// that nobody can hear.
type Simulated struct {
	clk clock.WithTicker
	ls  listeners

	mu        sync.Mutex
	duration  float64
	base      float64
	startedAt time.Time
	playing   bool
	ended     chan struct{}
	endedOnce sync.Once
}

// NewSimulated returns a paused clock at position 0. A duration of 0 means
// unknown; the clock then never ends on its own.
func NewSimulated(clk clock.WithTicker, duration float64) *Simulated {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Simulated{clk: clk, duration: duration, ended: make(chan struct{})}
}

func (s *Simulated) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Simulated) positionLocked() float64 {
	pos := s.base
	if s.playing {
		pos += s.clk.Since(s.startedAt).Seconds()
	}
	if s.duration > 0 && pos > s.duration {
		pos = s.duration
	}
	return pos
}

func (s *Simulated) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Simulated) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Simulated) SetDuration(sec float64) {
	s.mu.Lock()
	s.duration = sec
	s.mu.Unlock()
}

func (s *Simulated) Play() {
	s.mu.Lock()
	if s.playing {
		s.mu.Unlock()
		return
	}
	if s.duration > 0 && s.base >= s.duration {
		s.base = 0
	}
	s.playing = true
	s.startedAt = s.clk.Now()
	s.mu.Unlock()
	s.ls.fire()
}

func (s *Simulated) Pause() {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return
	}
	s.base = s.positionLocked()
	s.playing = false
	s.mu.Unlock()
	s.ls.fire()
}

// Seek jumps to sec, clamped to [0, duration].
func (s *Simulated) Seek(sec float64) {
	s.mu.Lock()
	if sec < 0 {
		sec = 0
	}
	if s.duration > 0 && sec > s.duration {
		sec = s.duration
	}
	s.base = sec
	s.startedAt = s.clk.Now()
	s.mu.Unlock()
	s.ls.fire()
}

func (s *Simulated) OnTimeUpdate(fn func()) (detach func()) {
	return s.ls.add(fn)
}

// Ended is closed when playback reaches a known duration.
func (s *Simulated) Ended() <-chan struct{} { return s.ended }

// Run fires time updates while playing and stops playback at the end of the
// media. It returns when ctx is done.
func (s *Simulated) Run(ctx context.Context) {
	t := s.clk.NewTicker(TimeUpdateInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
		}
		s.mu.Lock()
		playing := s.playing
		atEnd := playing && s.duration > 0 && s.positionLocked() >= s.duration
		if atEnd {
			s.base = s.duration
			s.playing = false
		}
		s.mu.Unlock()

		if playing {
			s.ls.fire()
		}
		if atEnd {
			s.endedOnce.Do(func() { close(s.ended) })
		}
	}
}

var _ ports.PlaybackClock = (*Simulated)(nil)
