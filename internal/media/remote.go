package media

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/forPelevin/subsync/internal/ports"
)

// Remote is a PlaybackClock whose state is reported by someone else, usually
// a browser audio element sending its position over a websocket. Between
// reports the position is extrapolated while playing.
type Remote struct {
	clk clock.PassiveClock
	ls  listeners

	mu       sync.Mutex
	pos      float64
	at       time.Time
	playing  bool
	reported bool
}

func NewRemote(clk clock.PassiveClock) *Remote {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Remote{clk: clk}
}

// Update records a report and fires the time-update signal.
func (r *Remote) Update(position float64, playing bool) {
	if position < 0 {
		position = 0
	}
	r.mu.Lock()
	r.pos = position
	r.at = r.clk.Now()
	r.playing = playing
	r.reported = true
	r.mu.Unlock()
	r.ls.fire()
}

func (r *Remote) Position() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playing {
		return r.pos + r.clk.Since(r.at).Seconds()
	}
	return r.pos
}

func (r *Remote) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

// Reported tells whether any report has arrived yet.
func (r *Remote) Reported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reported
}

func (r *Remote) OnTimeUpdate(fn func()) (detach func()) {
	return r.ls.add(fn)
}

var _ ports.PlaybackClock = (*Remote)(nil)
