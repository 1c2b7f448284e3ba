// Package player ties acquisition and synchronization to the lifetime of an
// audio source and exposes the result as a types.View.
//
// A Player goes through one generation per audio source. Setting a new
// source, reloading or closing cancels the running acquisition and stops the
// synchronizer before anything new starts, so at most one poll loop and one
// tick loop exist per Player.
package player

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/forPelevin/subsync/internal/acquire"
	"github.com/forPelevin/subsync/internal/ports"
	"github.com/forPelevin/subsync/internal/types"
)

const (
	PlaceholderLoading  = "Loading subtitles (this may take a moment)..."
	PlaceholderNoData   = "No subtitles available"
	PlaceholderPlayHint = "Play the audio to see subtitles"
)

type Deps struct {
	Source ports.TimestampSource
	Clock  clock.WithTicker
}

type Options struct {
	Acquire acquire.Options
	Sync    SyncOptions
	// OnChange is called whenever the View may have changed.
	OnChange func()
	Logger   *slog.Logger
}

type Player struct {
	id       string
	deps     Deps
	opts     Options
	log      *slog.Logger
	sync     *Synchronizer
	onChange func()

	mu     sync.Mutex
	gen    uint64
	source string
	handle *acquire.Handle
	wg     sync.WaitGroup

	// cur is read by View without taking mu, so OnChange callbacks may
	// call View from any goroutine.
	cur    atomic.Pointer[generation]
	closed atomic.Bool

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

type generation struct {
	source string
	handle *acquire.Handle
}

func New(deps Deps, opts Options) *Player {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	log = log.With("player_id", id)

	p := &Player{id: id, deps: deps, log: log, onChange: opts.OnChange}
	opts.Acquire.Clock = deps.Clock
	opts.Acquire.Logger = log
	opts.Sync.Clock = deps.Clock
	opts.Sync.OnChange = p.notify
	p.opts = opts
	p.sync = NewSynchronizer(opts.Sync)
	p.cur.Store(&generation{})
	return p
}

func (p *Player) ID() string { return p.id }

// Mount attaches the host's playback clock; nil unmounts it.
func (p *Player) Mount(m ports.PlaybackClock) {
	p.sync.Mount(m)
	p.notify()
}

// SetSource starts a new generation for audioURL. Setting the current source
// again does nothing; an empty URL returns the player to idle.
func (p *Player) SetSource(audioURL string) {
	p.mu.Lock()
	if p.closed.Load() || (audioURL == p.source && (p.handle != nil || audioURL == "")) {
		p.mu.Unlock()
		return
	}
	p.restartLocked(audioURL)
	p.mu.Unlock()
	p.notify()
}

// Reload starts a new generation for the current source.
func (p *Player) Reload() {
	p.mu.Lock()
	if p.closed.Load() || p.source == "" {
		p.mu.Unlock()
		return
	}
	p.restartLocked(p.source)
	p.mu.Unlock()
	p.notify()
}

// Close tears the player down and waits for its background work to end.
// A closed player ignores further calls. Close may be called from OnChange;
// a change signal already in flight when Close starts may still arrive.
func (p *Player) Close() {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return
	}
	p.closed.Store(true)
	p.teardownLocked()
	p.cur.Store(&generation{source: p.source})
	p.mu.Unlock()
	p.sync.Mount(nil)
	p.wg.Wait()
}

func (p *Player) teardownLocked() {
	p.gen++
	if p.handle != nil {
		p.handle.Cancel()
		p.handle = nil
	}
	p.sync.Stop()
}

func (p *Player) restartLocked(audioURL string) {
	p.teardownLocked()
	p.source = audioURL
	if audioURL == "" {
		p.cur.Store(&generation{})
		return
	}
	p.log.Info("loading subtitles", "source", audioURL, "generation", p.gen)
	h := acquire.Start(context.Background(), p.deps.Source, p.opts.Acquire)
	p.handle = h
	p.cur.Store(&generation{source: audioURL, handle: h})
	p.wg.Add(1)
	go p.await(p.gen, h)
}

// await runs the host callback only after releasing mu and leaving the
// wait group, so OnChange may call SetSource, Reload or Close.
func (p *Player) await(gen uint64, h *acquire.Handle) {
	<-h.Done()
	st := h.State()

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		p.wg.Done()
		return
	}
	switch st.Phase {
	case acquire.PhaseReady:
		p.sync.start(st.Prepared.Words, false)
	case acquire.PhaseFailed:
		p.log.Warn("subtitles unavailable", "error", st.Err)
	}
	p.mu.Unlock()
	p.wg.Done()
	p.notify()
}

func (p *Player) notify() {
	if p.closed.Load() {
		return
	}
	if p.onChange != nil {
		p.onChange()
	}
	p.subMu.Lock()
	for ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	p.subMu.Unlock()
}

// Subscribe returns a channel that receives a value whenever the View may
// have changed. Bursts are coalesced: a slow reader sees one pending signal.
// The returned func unsubscribes and closes the channel.
func (p *Player) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	p.subMu.Lock()
	if p.subs == nil {
		p.subs = make(map[chan struct{}]struct{})
	}
	p.subs[ch] = struct{}{}
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, ch)
			p.subMu.Unlock()
			close(ch)
		})
	}
}

// Synchronizing reports whether word timings are loaded and being tracked.
func (p *Player) Synchronizing() bool { return p.sync.Synchronizing() }

// End is the time the last loaded word ends, in seconds.
func (p *Player) End() float64 { return p.sync.End() }

// View renders the player's current state for a host UI.
func (p *Player) View() types.View {
	g := p.cur.Load()
	h, src := g.handle, g.source

	v := types.View{PlayerID: p.id, Source: src, VisibleWords: []types.VisibleWord{}}
	if pos, playing, ok := p.sync.Clock(); ok {
		v.Position, v.Playing = pos, playing
	}

	if h == nil {
		v.Placeholder = PlaceholderNoData
		return v
	}
	st := h.State()
	switch st.Phase {
	case acquire.PhaseLoading:
		v.IsLoading = true
		v.Placeholder = PlaceholderLoading
	case acquire.PhaseFailed:
		v.Error = st.Message()
	case acquire.PhaseReady:
		if !p.sync.Synchronizing() {
			// Acquisition finished but await has not started the loop yet.
			v.IsLoading = true
			v.Placeholder = PlaceholderLoading
			return v
		}
		v.VisibleWords = p.sync.Render()
		if len(v.VisibleWords) == 0 {
			v.Placeholder = PlaceholderPlayHint
		}
	default:
		v.Placeholder = PlaceholderNoData
	}
	return v
}
