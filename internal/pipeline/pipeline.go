package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"k8s.io/utils/clock"

	"github.com/forPelevin/subsync/internal/acquire"
	"github.com/forPelevin/subsync/internal/domain/window"
	"github.com/forPelevin/subsync/internal/media"
	"github.com/forPelevin/subsync/internal/player"
	"github.com/forPelevin/subsync/internal/ports"
	"github.com/forPelevin/subsync/internal/ports/adapters/ffprobe"
	"github.com/forPelevin/subsync/internal/ports/adapters/timestamps"
	"github.com/forPelevin/subsync/internal/ports/adapters/whisperfile"
	"github.com/forPelevin/subsync/internal/render"
	"github.com/forPelevin/subsync/internal/types"
)

type Config struct {
	// AudioURL identifies the artifact being played. It is probed for its
	// duration when FFprobePath is set.
	AudioURL string

	BaseURL      string
	AllowedHosts []string
	// TimestampsFile reads a local whisper JSON instead of BaseURL.
	TimestampsFile string

	PollInterval   time.Duration
	MaxAttempts    int
	RequestTimeout time.Duration

	TickInterval time.Duration
	Trail        time.Duration
	LookAhead    time.Duration

	// WaitProgress polls /generation-progress/ until the backend is done
	// before asking for timestamps.
	WaitProgress bool
	FFprobePath  string
	// Duration overrides probing; 0 means unknown.
	Duration float64

	Color  bool
	Redraw bool
	Out    io.Writer
	Logf   func(format string, args ...any)
	Logger *slog.Logger
	Clock  clock.WithTicker
}

func (c Config) Validate() error {
	if c.AudioURL == "" && c.TimestampsFile == "" {
		return errors.New("audio url is empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be > 0")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be > 0")
	}
	if c.Trail < 0 || c.LookAhead < 0 {
		return fmt.Errorf("window sizes must be >= 0")
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must be >= 0")
	}
	if c.TimestampsFile != "" {
		if c.WaitProgress {
			return fmt.Errorf("--wait-progress needs a backend, not a timestamps file")
		}
		return nil
	}
	return timestamps.ValidateBaseURL(c.BaseURL, c.AllowedHosts)
}

func (c Config) withDefaults() Config {
	if c.Logf == nil {
		c.Logf = func(string, ...any) {}
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	return c
}

func (c Config) acquireOptions() acquire.Options {
	return acquire.Options{
		Interval:    c.PollInterval,
		MaxAttempts: c.MaxAttempts,
		Clock:       c.Clock,
		Logger:      c.Logger,
	}
}

// source builds the timestamp source. progress is nil for file sources.
func (c Config) source() (ports.TimestampSource, ports.ProgressSource, string) {
	if c.TimestampsFile != "" {
		abs, err := filepath.Abs(c.TimestampsFile)
		if err != nil {
			abs = c.TimestampsFile
		}
		return whisperfile.New(abs), nil, abs
	}
	opts := []timestamps.Option{}
	if c.RequestTimeout > 0 {
		opts = append(opts, timestamps.WithRequestTimeout(c.RequestTimeout))
	}
	cl := timestamps.New(c.BaseURL, opts...)
	return cl, cl, cl.BaseURL()
}

// Run plays the artifact on a simulated clock and draws its subtitles on
// cfg.Out until playback ends or ctx is done.
func Run(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	logf := cfg.Logf

	src, progress, where := cfg.source()
	logf("timestamps: %s", where)

	if cfg.WaitProgress && progress != nil {
		if err := waitProgress(ctx, progress, cfg); err != nil {
			return err
		}
	}

	duration := cfg.Duration
	if duration == 0 && cfg.FFprobePath != "" && cfg.AudioURL != "" {
		d, err := ffprobe.New(cfg.FFprobePath).ProbeDuration(ctx, cfg.AudioURL)
		if err != nil {
			logf("duration probe failed, using subtitle length: %v", err)
		} else {
			duration = d
			logf("duration: %.1fs", d)
		}
	}

	sim := media.NewSimulated(cfg.Clock, duration)
	p := player.New(player.Deps{Source: src, Clock: cfg.Clock}, player.Options{
		Acquire: cfg.acquireOptions(),
		Sync: player.SyncOptions{
			TickInterval: cfg.TickInterval,
			Window: window.Options{
				Trail:     cfg.Trail.Seconds(),
				LookAhead: cfg.LookAhead.Seconds(),
			},
		},
		Logger: cfg.Logger,
	})
	defer p.Close()

	term := render.NewTerminal(cfg.Out, render.TerminalOptions{Color: cfg.Color, Redraw: cfg.Redraw})
	updates, unsubscribe := p.Subscribe()
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sim.Run(runCtx)

	p.Mount(sim)
	identity := cfg.AudioURL
	if identity == "" {
		identity = where
	}
	logf("loading subtitles for %s", identity)
	p.SetSource(identity)

	playing := false
	var failed error
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-sim.Ended():
			if err := term.Draw(p.View()); err != nil {
				return err
			}
			logf("playback finished at %s", render.Timestamp(sim.Position()))
			return failed

		case <-updates:
			v := p.View()
			if err := term.Draw(v); err != nil {
				return err
			}
			if v.Error != "" {
				if failed != nil {
					continue
				}
				failed = errors.New(v.Error)
				if sim.Duration() == 0 {
					return failed
				}
				// Playback goes on without subtitles.
				logf("subtitles unavailable, playing without them: %s", v.Error)
				playing = true
				sim.Play()
				continue
			}
			if !playing && p.Synchronizing() {
				playing = true
				if sim.Duration() == 0 {
					// Nothing told us how long the audio is; stop after the last word.
					sim.SetDuration(p.End() + window.DefaultLookAhead)
				}
				logf("subtitles ready, playing %s", render.Timestamp(sim.Duration()))
				sim.Play()
			}
		}
	}
}

// waitProgress polls the backend until generation stops.
func waitProgress(ctx context.Context, src ports.ProgressSource, cfg Config) error {
	t := cfg.Clock.NewTicker(cfg.PollInterval)
	defer t.Stop()

	lastStage, lastErr := "", ""
	for {
		p, err := src.Progress(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The backend may be restarting; keep asking.
			if msg := err.Error(); msg != lastErr {
				cfg.Logf("generation progress unavailable: %v", err)
				cfg.Logger.Warn("generation progress request failed", "error", err)
				lastErr = msg
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C():
			}
			continue
		}
		lastErr = ""
		if p.Stage != lastStage {
			cfg.Logf("generation: %3.0f%% %s", p.Progress, p.Stage)
			lastStage = p.Stage
		}
		if p.Failed() {
			return fmt.Errorf("generation failed: %s", p.Stage)
		}
		if p.Done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
		}
	}
}

// DumpResult is what Dump writes: the prepared index in playback order.
type DumpResult struct {
	Source   string       `json:"source"`
	Attempts int          `json:"attempts"`
	Duration float64      `json:"duration"`
	Words    []types.Word `json:"words"`
}

// Dump waits for the timestamps like a player would and writes the prepared
// index as JSON.
func Dump(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	src, _, where := cfg.source()
	cfg.Logf("timestamps: %s", where)

	h := acquire.Start(ctx, src, cfg.acquireOptions())
	defer h.Cancel()
	select {
	case <-h.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	st := h.State()
	switch st.Phase {
	case acquire.PhaseReady:
	case acquire.PhaseFailed:
		return st.Err
	default:
		return fmt.Errorf("acquisition %s: %w", st.Phase, st.Err)
	}

	words := []types.Word(st.Prepared.Words)
	if words == nil {
		words = []types.Word{}
	}
	res := DumpResult{
		Source:   where,
		Attempts: st.Attempts,
		Duration: st.Prepared.Words.End(),
		Words:    words,
	}
	enc := json.NewEncoder(cfg.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write dump: %w", err)
	}
	cfg.Logf("dumped %d words after %d attempts", len(words), st.Attempts)
	return nil
}
