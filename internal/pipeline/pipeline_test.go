package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forPelevin/subsync/internal/acquire"
	"github.com/forPelevin/subsync/internal/mockbackend"
	"github.com/forPelevin/subsync/internal/types"
)

const doc = `{"text":" Hi there friend","segments":[{"id":0,"start":0,"end":0.3,"text":" Hi there friend","words":[{"word":" there","start":0.1,"end":0.2},{"word":" Hi","start":0.0,"end":0.1},{"word":" friend","start":0.2,"end":0.3}]}]}`

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func baseConfig() Config {
	return Config{
		AudioURL:     "http://localhost:8000/audio/story.mp3",
		BaseURL:      "http://localhost:8000",
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  50,
		TickInterval: 10 * time.Millisecond,
		Trail:        3 * time.Second,
		LookAhead:    time.Second,
		Logger:       quiet(),
	}
}

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRecorder) Logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logRecorder) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no audio", func(c *Config) { c.AudioURL = "" }, "audio url is empty"},
		{"file only", func(c *Config) { c.AudioURL = ""; c.TimestampsFile = "wt.json"; c.BaseURL = "::" }, ""},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, "poll interval"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "max attempts"},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }, "tick interval"},
		{"negative window", func(c *Config) { c.Trail = -time.Second }, "window"},
		{"negative duration", func(c *Config) { c.Duration = -1 }, "duration"},
		{"bad base url", func(c *Config) { c.BaseURL = "ftp://backend" }, "http or https"},
		{"progress needs backend", func(c *Config) { c.TimestampsFile = "wt.json"; c.WaitProgress = true }, "wait-progress"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func newBackend(t *testing.T, dir string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(mockbackend.New(dir, mockbackend.Options{Logger: quiet()}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestDump_AgainstBackend(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, mockbackend.TimestampsFile), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := newBackend(t, dir)

	var out bytes.Buffer
	cfg := baseConfig()
	cfg.BaseURL = srv.URL
	cfg.Out = &out
	if err := Dump(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	var res DumpResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("dump is not json: %v\n%s", err, out.String())
	}
	var got []string
	for _, w := range res.Words {
		got = append(got, w.Word)
	}
	if strings.Join(got, " ") != "Hi there friend" {
		t.Fatalf("expected trimmed words in start order, got %v", got)
	}
	if res.Attempts != 1 || res.Duration != 0.3 || res.Source != srv.URL {
		t.Fatalf("unexpected dump header: %+v", res)
	}
}

func TestDump_TimesOut(t *testing.T) {
	srv := newBackend(t, t.TempDir())
	cfg := baseConfig()
	cfg.BaseURL = srv.URL
	cfg.MaxAttempts = 3
	cfg.Out = io.Discard

	err := Dump(context.Background(), cfg)
	if !errors.Is(err, acquire.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRun_PlaysFileToTheEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "word_timestamps.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	logs := &logRecorder{}
	cfg := baseConfig()
	cfg.AudioURL = ""
	cfg.TimestampsFile = path
	cfg.Duration = 0.5
	cfg.Out = &out
	cfg.Logf = logs.Logf

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Run(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if ctx.Err() != nil {
		t.Fatalf("run should end with playback, not the deadline")
	}

	frames := out.String()
	for _, want := range []string{"Loading subtitles", "Hi", "friend", "[paused 0:00.5]"} {
		if !strings.Contains(frames, want) {
			t.Fatalf("output missing %q:\n%s", want, frames)
		}
	}
	if !strings.Contains(logs.String(), "playback finished") {
		t.Fatalf("expected a finish log line:\n%s", logs.String())
	}
}

func TestRun_ServerErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "whisper exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out bytes.Buffer
	cfg := baseConfig()
	cfg.BaseURL = srv.URL
	cfg.Out = &out

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Run(ctx, cfg)
	if err == nil || !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "whisper exploded") {
		t.Fatalf("expected the server error, got %v", err)
	}
	if !strings.Contains(out.String(), "whisper exploded") {
		t.Fatalf("error should be drawn in place of subtitles:\n%s", out.String())
	}
}

func TestRun_ServerErrorKeepsPlaying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "whisper exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out bytes.Buffer
	logs := &logRecorder{}
	cfg := baseConfig()
	cfg.BaseURL = srv.URL
	cfg.Duration = 0.3
	cfg.Out = &out
	cfg.Logf = logs.Logf

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := Run(ctx, cfg)
	if ctx.Err() != nil {
		t.Fatalf("playback should reach its end before the deadline")
	}
	if err == nil || !strings.Contains(err.Error(), "whisper exploded") {
		t.Fatalf("the subtitle failure should still be reported, got %v", err)
	}
	for _, want := range []string{"whisper exploded", "[paused 0:00.3]"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
	if !strings.Contains(logs.String(), "playing without them") {
		t.Fatalf("expected playback to go on without subtitles:\n%s", logs.String())
	}
}

type scriptedProgress struct {
	mu    sync.Mutex
	fails int
	steps []types.Progress
}

func (s *scriptedProgress) Progress(context.Context) (types.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return types.Progress{}, errors.New("server returned 502: Bad Gateway")
	}
	p := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return p, nil
}

func TestWaitProgress(t *testing.T) {
	t.Run("completes", func(t *testing.T) {
		logs := &logRecorder{}
		cfg := baseConfig().withDefaults()
		cfg.Logf = logs.Logf
		src := &scriptedProgress{steps: []types.Progress{
			{Progress: 10, Stage: "Parsing dialogue", IsGenerating: true},
			{Progress: 10, Stage: "Parsing dialogue", IsGenerating: true},
			{Progress: 80, Stage: "Merging audio", IsGenerating: true},
			{Progress: 100, Stage: "Complete"},
		}}
		if err := waitProgress(context.Background(), src, cfg); err != nil {
			t.Fatal(err)
		}
		if n := strings.Count(logs.String(), "Parsing dialogue"); n != 1 {
			t.Fatalf("repeated stages should be logged once, got %d:\n%s", n, logs.String())
		}
	})

	t.Run("request errors keep polling", func(t *testing.T) {
		logs := &logRecorder{}
		cfg := baseConfig().withDefaults()
		cfg.Logf = logs.Logf
		src := &scriptedProgress{fails: 3, steps: []types.Progress{
			{Progress: 100, Stage: "Complete"},
		}}
		if err := waitProgress(context.Background(), src, cfg); err != nil {
			t.Fatalf("request errors should not abort waiting: %v", err)
		}
		if n := strings.Count(logs.String(), "502"); n != 1 {
			t.Fatalf("a repeated error should be logged once, got %d:\n%s", n, logs.String())
		}
	})

	t.Run("request errors until canceled", func(t *testing.T) {
		cfg := baseConfig().withDefaults()
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		src := &scriptedProgress{fails: 1 << 30, steps: []types.Progress{{}}}
		if err := waitProgress(ctx, src, cfg); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected the context error, got %v", err)
		}
	})

	t.Run("fails", func(t *testing.T) {
		cfg := baseConfig().withDefaults()
		src := &scriptedProgress{steps: []types.Progress{
			{Progress: 5, Stage: "Error: No dialogue parsed from input file", IsGenerating: false},
		}}
		err := waitProgress(context.Background(), src, cfg)
		if err == nil || !strings.Contains(err.Error(), "No dialogue parsed") {
			t.Fatalf("expected generation failure, got %v", err)
		}
	})
}
