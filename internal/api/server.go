package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/config"
	"github.com/JakeFAU/prerender/internal/health"
	"github.com/JakeFAU/prerender/internal/metrics"
	"github.com/JakeFAU/prerender/internal/prerender"
)

const maxBodyBytes = 1 << 20

// Server wires HTTP routes to the render server and health reporter.
type Server struct {
	router    chi.Router
	prerender *prerender.Server
	health    *health.Reporter
	cfg       config.ServerConfig
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(srv *prerender.Server, reporter *health.Reporter, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		prerender: srv,
		health:    reporter,
		cfg:       cfg,
		logger:    logger,
	}
	healthPath := cfg.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}

	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Compress(5))

	r.Get(healthPath, s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.HandleFunc("/*", s.render)

	s.router = r
	s.logger.Info("healthcheck endpoint registered", zap.String("path", healthPath))
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthPayload struct {
	Status    string               `json:"status"`
	Uptime    float64              `json:"uptime"`
	LatencyMs int64                `json:"latencyMs"`
	Checks    []health.CheckResult `json:"checks,omitempty"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Cache-Control", "no-store")

	report, err := s.health.Run(r.Context())
	payload := healthPayload{
		Status:    report.Status,
		Uptime:    s.prerender.Uptime().Seconds(),
		LatencyMs: time.Since(start).Milliseconds(),
		Checks:    report.Checks,
		Error:     report.Error,
		Code:      report.Code,
	}
	if err != nil {
		payload.Status = health.StatusError
		payload.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	if !report.OK() {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	rawURL, opts, err := parseRenderRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.prerender.NewJob(r.Method, rawURL, opts)
	if err != nil {
		s.logger.Error("create job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp, err := s.prerender.Handle(r.Context(), job)
	if err != nil && !errors.Is(err, prerender.ErrBrowserUnavailable) {
		s.logger.Info("client went away before render finished",
			zap.String("req_id", job.ReqID),
			zap.String("url", job.URL),
			zap.Error(err),
		)
		return
	}
	if err := resp.WriteTo(w); err != nil {
		s.logger.Warn("write render response", zap.String("req_id", job.ReqID), zap.Error(err))
	}
}

// renderRequest is the JSON body a POST may carry. Every field is optional.
type renderRequest struct {
	URL               string `json:"url"`
	RenderType        string `json:"renderType"`
	FullPage          bool   `json:"fullpage"`
	Javascript        string `json:"javascript"`
	RequestTimeout    int64  `json:"requestTimeout"`
	TimeoutStatusCode int    `json:"timeoutStatusCode"`
	FollowRedirects   *bool  `json:"followRedirects"`
}

// parseRenderRequest extracts the target URL and job options. POST bodies
// are parsed as JSON whatever their declared content type. The URL comes from
// the body, then ?url= on /render, then the request path and query.
func parseRenderRequest(r *http.Request) (string, prerender.Options, error) {
	var req renderRequest
	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return "", prerender.Options{}, fmt.Errorf("read body: %w", err)
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return "", prerender.Options{}, errors.New("invalid JSON")
			}
		}
	}

	isRender := r.URL.Path == "/render" || strings.HasPrefix(r.URL.Path, "/render/")
	if isRender && r.Method == http.MethodGet {
		if err := queryOptions(r.URL.Query(), &req); err != nil {
			return "", prerender.Options{}, err
		}
	}

	target := req.URL
	if target == "" && !isRender {
		target = r.URL.RequestURI()
	}

	opts := prerender.Options{
		RenderType:        prerender.ParseRenderType(req.RenderType),
		FullPage:          req.FullPage,
		Javascript:        req.Javascript,
		RequestTimeout:    time.Duration(req.RequestTimeout) * time.Millisecond,
		TimeoutStatusCode: req.TimeoutStatusCode,
		FollowRedirects:   req.FollowRedirects,
	}
	return normalizeURL(target), opts, nil
}

func queryOptions(q url.Values, req *renderRequest) error {
	req.URL = q.Get("url")
	req.RenderType = q.Get("renderType")
	req.Javascript = q.Get("javascript")
	var err error
	if v := q.Get("fullpage"); v != "" {
		if req.FullPage, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("invalid fullpage %q", v)
		}
	}
	if v := q.Get("requestTimeout"); v != "" {
		if req.RequestTimeout, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("invalid requestTimeout %q", v)
		}
	}
	if v := q.Get("timeoutStatusCode"); v != "" {
		if req.TimeoutStatusCode, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid timeoutStatusCode %q", v)
		}
	}
	if v := q.Get("followRedirects"); v != "" {
		follow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid followRedirects %q", v)
		}
		req.FollowRedirects = &follow
	}
	return nil
}

// Proxies and crawlers collapse "https://" to "https:/" when the URL travels in a path.
var collapsedScheme = regexp.MustCompile(`^(https?):/([^/])`)

func normalizeURL(raw string) string {
	raw = strings.TrimPrefix(raw, "/")
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}
	return collapsedScheme.ReplaceAllString(raw, "$1://$2")
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
