package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-scraper/internal/client"
	"github.com/JakeFAU/markdown-scraper/internal/metrics"
	"github.com/JakeFAU/markdown-scraper/internal/scrape"
)

// Scraper runs one scrape call to completion.
type Scraper interface {
	Scrape(ctx context.Context, rawURL string, timeout time.Duration) (scrape.Result, error)
}

// ReadyFunc reports whether the process can serve traffic.
type ReadyFunc func() bool

// Options tunes the server.
type Options struct {
	// DefaultTimeout applies when a scrape request omits timeout_ms.
	DefaultTimeout time.Duration
	// MaxTimeout caps a caller-supplied timeout_ms.
	MaxTimeout time.Duration
	// RequestTimeout bounds every HTTP request.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the scrape client and health checks.
type Server struct {
	router  chi.Router
	scraper Scraper
	ready   ReadyFunc
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. scraper may be
// nil, in which case /v1/scrape is not mounted. ready may be nil.
func NewServer(scraper Scraper, ready ReadyFunc, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxTimeout < opts.DefaultTimeout {
		opts.MaxTimeout = 2 * time.Minute
		if opts.MaxTimeout < opts.DefaultTimeout {
			opts.MaxTimeout = opts.DefaultTimeout
		}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = opts.MaxTimeout + 5*time.Second
	}
	s := &Server{
		scraper: scraper,
		ready:   ready,
		opts:    opts,
		logger:  logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if scraper != nil {
		r.Route("/v1", func(r chi.Router) {
			r.Post("/scrape", s.scrape)
		})
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

type scrapeRequest struct {
	URL       string `json:"url"`
	TimeoutMs int    `json:"timeout_ms"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "URL is required")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "URL is required")
		return
	}
	if err := scrape.ValidateURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid URL format")
		return
	}

	timeout := s.opts.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > s.opts.MaxTimeout {
		timeout = s.opts.MaxTimeout
	}

	result, err := s.scraper.Scrape(r.Context(), req.URL, timeout)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, client.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.logger.Warn("scrape call failed",
			zap.String("url", req.URL),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		s.writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Success: false, Error: msg}, s.logger)
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
