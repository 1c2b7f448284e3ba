// Package mockbackend serves the two backend endpoints the player consumes,
// backed by files in a directory. It stands in for the transcription service
// during local development and integration tests.
//
// GET /word-timestamps/ returns dir/word_timestamps.json, 404 while that file
// is absent (or ReadyAfter has not elapsed) and 500 when it cannot be read.
// GET /generation-progress/ returns dir/progress.json when present and a
// report derived from the timestamps file otherwise.
package mockbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"k8s.io/utils/clock"

	"github.com/forPelevin/subsync/internal/types"
)

const (
	TimestampsFile = "word_timestamps.json"
	ProgressFile   = "progress.json"
)

type Options struct {
	// ReadyAfter keeps /word-timestamps/ answering 404 for this long after
	// New, even when the file exists.
	ReadyAfter time.Duration
	Clock      clock.PassiveClock
	Logger     *slog.Logger
}

type Server struct {
	dir     string
	opts    Options
	log     *slog.Logger
	started time.Time

	generations atomic.Int64
	mu          sync.Mutex
	lastMod     time.Time
}

func New(dir string, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		dir:     dir,
		opts:    opts,
		log:     opts.Logger.With("component", "mockbackend"),
		started: opts.Clock.Now(),
	}
	s.observe()
	return s
}

// Generations counts distinct versions of the timestamps file seen so far.
func (s *Server) Generations() int64 { return s.generations.Load() }

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logging)

	r.HandleFunc("/word-timestamps/", s.handleTimestamps).Methods(http.MethodGet)
	r.HandleFunc("/generation-progress/", s.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/audio/{name}", s.handleAudio).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

func (s *Server) ready() bool {
	return s.opts.Clock.Since(s.started) >= s.opts.ReadyAfter
}

func (s *Server) handleTimestamps(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeDetail(w, http.StatusNotFound, "Word timestamps not available")
		return
	}
	b, err := os.ReadFile(filepath.Join(s.dir, TimestampsFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeDetail(w, http.StatusNotFound, "Word timestamps not available")
		return
	case err != nil:
		writeDetail(w, http.StatusInternalServerError, "Failed to read timestamp file: "+err.Error())
		return
	}
	var tr types.Transcript
	if err := json.Unmarshal(b, &tr); err != nil {
		writeDetail(w, http.StatusInternalServerError, "Failed to read timestamp file: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.progress()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) progress() (types.Progress, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, ProgressFile))
	if err == nil {
		var p types.Progress
		if err := json.Unmarshal(b, &p); err != nil {
			return types.Progress{}, fmt.Errorf("decode %s: %w", ProgressFile, err)
		}
		return p, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return types.Progress{}, fmt.Errorf("read %s: %w", ProgressFile, err)
	}

	if !s.ready() {
		pct := 100 * s.opts.Clock.Since(s.started).Seconds() / s.opts.ReadyAfter.Seconds()
		return types.Progress{Progress: min(pct, 99), Stage: "Generating word timestamps", IsGenerating: true}, nil
	}
	if _, err := os.Stat(filepath.Join(s.dir, TimestampsFile)); err == nil {
		return types.Progress{Progress: 100, Stage: "Complete"}, nil
	}
	return types.Progress{Stage: "Not started"}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"ready":       s.ready(),
		"generations": s.Generations(),
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(mux.Vars(r)["name"])
	path := filepath.Join(s.dir, name)
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		writeDetail(w, http.StatusNotFound, "Audio file not found")
		return
	}
	http.ServeFile(w, r, path)
}

// Watch follows the directory and counts new versions of the timestamps
// file until ctx is done.
func (s *Server) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.log.Info("watching output directory", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != TimestampsFile {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				s.observe()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", "error", err)
		}
	}
}

// observe bumps the generation counter when the timestamps file changed.
func (s *Server) observe() {
	st, err := os.Stat(filepath.Join(s.dir, TimestampsFile))
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ModTime().Equal(s.lastMod) {
		return
	}
	s.lastMod = st.ModTime()
	n := s.generations.Add(1)
	s.log.Info("word timestamps available", "generation", n, "bytes", st.Size())
}

// ListenAndServe serves on addr and watches the directory until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.dir, err)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.Watch(ctx); err != nil {
			s.log.Error("watch failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.log.Info("mock backend shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("mock backend listening", "addr", addr, "dir", s.dir)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes an error body in the backend's {"detail": ...} shape.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
