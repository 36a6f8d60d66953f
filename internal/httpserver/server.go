package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/fantrix-feed/internal/api"
	"github.com/blackmichael/fantrix-feed/internal/auth"
	"github.com/blackmichael/fantrix-feed/internal/config"
	"github.com/blackmichael/fantrix-feed/internal/domain"
	"github.com/blackmichael/fantrix-feed/internal/metrics"
	"github.com/blackmichael/fantrix-feed/internal/profile"
)

const maxBodyBytes = 16 << 10

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP server exposes.
type Deps struct {
	Feed     *domain.FeedService
	Profiles profile.Directory
	Store    Pinger
	Tokens   *auth.Authority
	Metrics  *metrics.Metrics
}

// Server is the HTTP server that serves the feed API and live feed stream.
type Server struct {
	cfg      *config.Config
	feed     *domain.FeedService
	profiles profile.Directory
	store    Pinger
	tokens   *auth.Authority
	metrics  *metrics.Metrics
	logger   *slog.Logger

	upgrader websocket.Upgrader

	// streams is cancelled on Shutdown to end hijacked websocket connections,
	// which http.Server.Shutdown does not track.
	streams       context.Context
	cancelStreams context.CancelFunc

	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new HTTP server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	streams, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		feed:          deps.Feed,
		profiles:      deps.Profiles,
		store:         deps.Store,
		tokens:        deps.Tokens,
		metrics:       deps.Metrics,
		logger:        logger,
		streams:       streams,
		cancelStreams: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	requireUser := auth.Require(s.tokens, func(w http.ResponseWriter, _ *http.Request, reason string) {
		writeError(w, http.StatusUnauthorized, api.ErrUnauthorized, reason)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /v1/feed", s.handleGetFeed)
	mux.HandleFunc("GET /v1/feed/stream", s.handleFeedStream)
	mux.HandleFunc("GET /v1/users/{id}/profile", s.handleGetProfile)
	mux.Handle("POST /v1/posts", requireUser(http.HandlerFunc(s.handleCreatePost)))
	mux.Handle("POST /v1/posts/{id}/like", requireUser(s.handleToggle(domain.Like)))
	mux.Handle("POST /v1/posts/{id}/retweet", requireUser(s.handleToggle(domain.Retweet)))
	mux.Handle("PUT /v1/profile", requireUser(http.HandlerFunc(s.handlePutProfile)))

	s.handler = withLogging(logger, s.metrics, mux)
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.handler,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: feed streams are long-lived. Plain handlers are
		// bounded by the store's own timeouts.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown closes open feed streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelStreams()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetFeed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.FromState(s.feed.Feed()))
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req api.CreatePostRequest
	if !decodeBody(w, r, &req) {
		return
	}

	userID := auth.UserID(r.Context())
	if err := s.feed.CreatePost(r.Context(), userID, req.Content); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleToggle(kind domain.EngagementKind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		postID := r.PathValue("id")
		userID := auth.UserID(r.Context())

		if err := s.feed.Toggle(r.Context(), postID, userID, kind); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"displayName": p.DisplayName,
		"handle":      p.Handle,
		"imageUrl":    p.ImageURL,
	})
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req api.ProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rec := profile.Record{
		FullName:     req.FullName,
		Email:        req.Email,
		ProfileImage: req.ProfileImage,
	}
	if err := s.profiles.Save(r.Context(), auth.UserID(r.Context()), rec); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, api.ErrInvalidInput, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, api.ErrNotFound, err.Error())
	case errors.Is(err, domain.ErrTransientStore),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, api.ErrUnavailable, "store unavailable, retry later")
	default:
		s.logger.Error("unhandled request error", "error", err)
		writeError(w, http.StatusInternalServerError, api.ErrInternal, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrInvalidRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, api.ErrorResponse{
		Error:   errType,
		Message: message,
	})
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func withLogging(logger *slog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(route, wrapped.status, time.Since(start))
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
