// Package server exposes players over HTTP. A browser connects to
// /ws/player, reports its <audio> element's position and play state, and
// receives the rendered View whenever it changes. Sessions can also be
// inspected and steered through a small JSON API documented at /swagger/.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"k8s.io/utils/clock"

	"github.com/forPelevin/subsync/internal/acquire"
	"github.com/forPelevin/subsync/internal/media"
	"github.com/forPelevin/subsync/internal/player"
	"github.com/forPelevin/subsync/internal/ports"
	"github.com/forPelevin/subsync/internal/types"

	_ "github.com/forPelevin/subsync/internal/server/docs"
)

type Config struct {
	Port    int
	Acquire acquire.Options
	Sync    player.SyncOptions
	// AllowedOrigins limits CORS and websocket origins. Empty or "*" allows
	// any origin.
	AllowedOrigins []string
}

type Deps struct {
	Source ports.TimestampSource
	// Progress is optional; /api/progress answers 503 without it.
	Progress ports.ProgressSource
	Clock    clock.WithTicker
	Logger   *slog.Logger
}

type Server struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	player  *player.Player
	clock   *media.Remote
	created time.Time
}

// SessionInfo describes one connected player.
type SessionInfo struct {
	ID        string     `json:"id"`
	Source    string     `json:"source,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	View      types.View `json:"view"`
}

type sourceRequest struct {
	Source string `json:"source"`
}

func New(cfg Config, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With("component", "server"),
		sessions: make(map[string]*session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/view", s.handleView).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/source", s.handleSetSource).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/api/progress", s.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/ws/player", s.handleWS).Methods(http.MethodGet)

	r.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

func (s *Server) origins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins() {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ListenAndServe serves until ctx is done, then closes every session.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.CloseAll()
	}()

	s.log.Info("server listening", "port", s.cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Open creates a session with its own player and remote clock.
func (s *Server) Open() (string, *player.Player, *media.Remote) {
	remote := media.NewRemote(s.deps.Clock)
	p := player.New(player.Deps{Source: s.deps.Source, Clock: s.deps.Clock}, player.Options{
		Acquire: s.cfg.Acquire,
		Sync:    s.cfg.Sync,
		Logger:  s.deps.Logger,
	})
	s.mu.Lock()
	s.sessions[p.ID()] = &session{player: p, clock: remote, created: s.deps.Clock.Now()}
	n := len(s.sessions)
	s.mu.Unlock()
	s.log.Info("session opened", "id", p.ID(), "sessions", n)
	return p.ID(), p, remote
}

// Close tears a session down. Unknown ids are ignored.
func (s *Server) Close(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.player.Close()
	s.log.Info("session closed", "id", id, "sessions", n)
}

func (s *Server) CloseAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Close(id)
	}
}

func (s *Server) lookup(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// handleHealth reports liveness.
//
// @Summary     Health check
// @Tags        health
// @Produce     json
// @Success     200  {object}  map[string]any
// @Router      /healthz [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": n})
}

// handleListSessions lists connected players.
//
// @Summary     List sessions
// @Tags        sessions
// @Produce     json
// @Success     200  {array}  SessionInfo
// @Router      /api/sessions [get]
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		v := sess.player.View()
		out = append(out, SessionInfo{ID: id, Source: v.Source, CreatedAt: sess.created, View: v})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, out)
}

// handleView returns the current View of one player.
//
// @Summary     Current view
// @Tags        sessions
// @Produce     json
// @Param       id   path      string  true  "Session id"
// @Success     200  {object}  types.View
// @Failure     404  {object}  map[string]string
// @Router      /api/sessions/{id}/view [get]
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.player.View())
}

// handleSetSource points a player at a new audio artifact.
//
// @Summary     Change audio source
// @Tags        sessions
// @Accept      json
// @Produce     json
// @Param       id       path      string         true  "Session id"
// @Param       request  body      sourceRequest  true  "New audio source"
// @Success     200  {object}  types.View
// @Failure     400  {object}  map[string]string
// @Failure     404  {object}  map[string]string
// @Router      /api/sessions/{id}/source [post]
func (s *Server) handleSetSource(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var req sourceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	sess.player.SetSource(req.Source)
	writeJSON(w, http.StatusOK, sess.player.View())
}

// handleReload restarts acquisition for the current source.
//
// @Summary     Reload subtitles
// @Tags        sessions
// @Produce     json
// @Param       id   path      string  true  "Session id"
// @Success     200  {object}  types.View
// @Failure     404  {object}  map[string]string
// @Router      /api/sessions/{id}/reload [post]
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess.player.Reload()
	writeJSON(w, http.StatusOK, sess.player.View())
}

// handleProgress relays the backend's generation progress.
//
// @Summary     Generation progress
// @Tags        backend
// @Produce     json
// @Success     200  {object}  types.Progress
// @Failure     502  {object}  map[string]string
// @Failure     503  {object}  map[string]string
// @Router      /api/progress [get]
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.Progress == nil {
		writeError(w, http.StatusServiceUnavailable, "progress is not available for this source")
		return
	}
	p, err := s.deps.Progress.Progress(r.Context())
	if err != nil {
		s.log.Warn("progress request failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
