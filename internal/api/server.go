package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-crawler/internal/crawler"
	"github.com/JakeFAU/creator-crawler/internal/dispatcher"
	"github.com/JakeFAU/creator-crawler/internal/export"
	"github.com/JakeFAU/creator-crawler/internal/listing"
	"github.com/JakeFAU/creator-crawler/internal/metrics"
	"github.com/JakeFAU/creator-crawler/internal/session"
	"github.com/JakeFAU/creator-crawler/internal/store"
)

const (
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
)

// Store is the repository slice the handlers read and write.
type Store interface {
	store.ProfileRepository
	ListSessions(ctx context.Context, limit, offset int) ([]crawler.CrawlSession, error)
	Ping(ctx context.Context) error
}

// Sessions opens and closes crawl sessions.
type Sessions interface {
	Start(ctx context.Context, filters map[string]string) (crawler.CrawlSession, error)
	End(ctx context.Context, id string) (crawler.CrawlSession, error)
	Get(ctx context.Context, id string) (crawler.CrawlSession, error)
}

// Crawls controls the in-process list and detail crawls.
type Crawls interface {
	StartList(req session.ListRequest) (crawler.CrawlSession, error)
	StopList() bool
	Checkpoint(ctx context.Context) (crawler.Checkpoint, error)
	StartDetails(req dispatcher.Request) error
	StopDetails() bool
	Status() session.Status
}

// Snapshotter uploads CSV snapshots to the export blob store.
type Snapshotter interface {
	Export(ctx context.Context, sessionID string) (export.Result, error)
}

// Deps are the collaborators behind the routes. Crawls and Snapshotter are
// optional; their routes answer 503 when unset.
type Deps struct {
	Store          Store
	Sessions       Sessions
	Crawls         Crawls
	Snapshotter    Snapshotter
	Clock          crawler.Clock
	// ValidID decides which stored identifiers survive a purge. Nil uses the
	// default listing filter.
	ValidID        func(id string) bool
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the store and crawl controller.
type Server struct {
	router   chi.Router
	store    Store
	sessions Sessions
	crawls   Crawls
	snapshot Snapshotter
	clock    crawler.Clock
	validID  func(id string) bool
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    deps.Store,
		sessions: deps.Sessions,
		crawls:   deps.Crawls,
		snapshot: deps.Snapshotter,
		clock:    deps.Clock,
		validID:  deps.ValidID,
		logger:   logger.Named("api"),
	}
	if s.validID == nil {
		s.validID = listing.NewFilter(nil, 0).Valid
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
			MaxAge:         300,
		}))
	}

	r.Get("/", s.banner)
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Route("/profiles", func(r chi.Router) {
			r.Post("/", s.reserveProfiles)
			r.Get("/", s.listProfiles)
			r.Delete("/", s.clearProfiles)
			r.Delete("/invalid", s.purgeInvalid)
			r.Get("/unscraped", s.pendingProfiles)
			r.Get("/progress", s.progress)
			r.Get("/{id}", s.getProfile)
			r.Put("/{id}", s.applyProfile)
		})
		r.Post("/session/start", s.startSession)
		r.Post("/session/end", s.endSession)
		r.Get("/session/{id}", s.getSession)
		r.Get("/sessions", s.listSessions)
		r.Get("/stats", s.stats)
		r.Get("/export/csv", s.exportCSV)
		r.Post("/export/snapshot", s.exportSnapshot)
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/list/start", s.startList)
			r.Post("/list/stop", s.stopList)
			r.Get("/list/checkpoint", s.checkpoint)
			r.Post("/details/start", s.startDetails)
			r.Post("/details/stop", s.stopDetails)
			r.Get("/status", s.crawlStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) banner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "creator-crawler", "status": "ok"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrTerminalStatus),
		errors.Is(err, store.ErrSessionEnded),
		errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrListRunning),
		errors.Is(err, dispatcher.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoActiveSession), errors.Is(err, listing.ErrNoStartURL):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged and masked.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg,
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
