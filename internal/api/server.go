package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-crawler/internal/cache"
	"github.com/JakeFAU/social-crawler/internal/loghub"
	"github.com/JakeFAU/social-crawler/internal/metrics"
	"github.com/JakeFAU/social-crawler/internal/supervisor"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultStatusInterval = time.Second
	defaultSMSCodeTTL     = 3 * time.Minute
	requestTimeout        = 60 * time.Second
)

// CrawlerManager is the slice of supervisor.Manager the handlers use.
type CrawlerManager interface {
	Start(req supervisor.StartRequest) error
	Stop() error
	Status() supervisor.Status
}

// Config controls optional behaviour.
type Config struct {
	AuthEnabled bool
	APIKey      string
	// DataDir is browsed by /data/files.
	DataDir        string
	PingInterval   time.Duration
	StatusInterval time.Duration
	SMSCodeTTL     time.Duration
}

// Server wires HTTP handlers to the crawler manager and the log hub.
type Server struct {
	router  chi.Router
	manager CrawlerManager
	hub     *loghub.Hub
	codes   cache.Cache
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. codes may be nil,
// in which case the SMS webhook answers 503.
func NewServer(manager CrawlerManager, hub *loghub.Hub, codes cache.Cache, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.SMSCodeTTL <= 0 {
		cfg.SMSCodeTTL = defaultSMSCodeTTL
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	s := &Server{
		manager: manager,
		hub:     hub,
		codes:   codes,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", s.mount)
	r.Group(s.mount)

	s.router = r
	return s
}

func (s *Server) mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		if s.cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(s.cfg.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/health", s.healthz)
			r.Route("/crawler", func(r chi.Router) {
				r.Post("/start", s.startCrawler)
				r.Post("/stop", s.stopCrawler)
				r.Get("/status", s.crawlerStatus)
				r.Get("/logs", s.crawlerLogs)
			})
			r.Route("/config", func(r chi.Router) {
				r.Get("/platforms", s.platforms)
				r.Get("/options", s.options)
			})
			r.Route("/data", func(r chi.Router) {
				r.Get("/files", s.listDataFiles)
				r.Get("/files/*", s.previewDataFile)
				r.Get("/download/*", s.downloadDataFile)
			})
		})
		r.Get("/ws/logs", s.wsLogs)
		r.Get("/ws/status", s.wsStatus)
	})
	// The webhook is called by a phone-side forwarder without an API key.
	r.Post("/sms", s.receiveSMS)
	r.Get("/sms", s.notFound)
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not Found")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"detail":"request timed out"}`)
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
