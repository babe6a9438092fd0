package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/middleware"
)

// Service is the job API the handlers drive. *app.App implements it.
type Service interface {
	CreateJob(ctx context.Context, baseURIs []string) (crawler.Job, error)
	Status(ctx context.Context, jobID string) (app.JobStatus, error)
	Crawl(ctx context.Context, opts app.RunOptions) (crawler.Report, error)
	Result(ctx context.Context, name, jobID string) (crawler.Result, error)
	Purge(ctx context.Context, jobID string) error
	SubscriberNames() []string
}

// Server wires HTTP handlers to the crawl service.
type Server struct {
	router  chi.Router
	service Service
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil registry
// disables the /metrics endpoint.
func NewServer(service Service, cfg config.Config, reg *prometheus.Registry, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{service: service, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger, func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}))
	if reg != nil {
		httpMetrics, err := middleware.NewHTTPMetrics(reg)
		if err != nil {
			return nil, err
		}
		r.Use(httpMetrics.Handler)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(middleware.APIKey(cfg.Auth.APIKey, func(w http.ResponseWriter, _ *http.Request) {
				s.writeError(w, http.StatusForbidden, "unauthorized")
			}))
		}
		if timeout := cfg.Server.RequestTimeoutSeconds; timeout > 0 {
			r.Use(timeoutMiddleware(time.Duration(timeout) * time.Second))
		}
		r.Get("/subscribers", s.listSubscribers)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.purgeJob)
				r.Post("/crawl", s.crawlJob)
				r.Get("/subscribers/{name}/result", s.getResult)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSubscribers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"subscribers": s.service.SubscriberNames()})
}

type createJobRequest struct {
	BaseURIs []string `json:"base_uris"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.service.CreateJob(r.Context(), req.BaseURIs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) purgeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Purge(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type crawlRequest struct {
	Subscribers  []string `json:"subscribers"`
	MaxRequests  *int     `json:"max_requests"`
	MaxDepth     *int     `json:"max_depth"`
	AllowedHosts []string `json:"allowed_hosts"`
}

func (s *Server) crawlJob(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	engine := s.cfg.EngineConfig()
	engine.MaxRequests = valueOrDefault(req.MaxRequests, engine.MaxRequests)
	engine.MaxDepth = valueOrDefault(req.MaxDepth, engine.MaxDepth)
	engine.AllowedHosts = append(engine.AllowedHosts, req.AllowedHosts...)

	report, err := s.service.Crawl(r.Context(), app.RunOptions{
		JobID:       chi.URLParam(r, "job_id"),
		Subscribers: req.Subscribers,
		Engine:      &engine,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Result(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer func() {
		if err := result.Body.Close(); err != nil {
			s.logger.Warn("close result body failed", zap.Error(err))
		}
	}()
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, result.Body); err != nil {
		s.logger.Warn("stream result failed", zap.Error(err))
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrJobNotFound), errors.Is(err, crawler.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrEngineRunning), errors.Is(err, crawler.ErrEngineFinished):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
