// Package prerender is the render request lifecycle: the server context every
// component shares, the job record, the in-flight registry, the plugin
// pipeline and the orchestrator that drives a job from admission to exactly
// one response.
package prerender

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/browser"
	"github.com/JakeFAU/prerender/internal/config"
)

// Clock supplies timestamps for phase bookkeeping.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates reqId and renderId values.
type IDGenerator interface {
	NewID() (string, error)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config holds the knobs the orchestrator needs.
type Config struct {
	Render              config.RenderConfig
	ConnectPollInterval time.Duration
	ConnectMaxChecks    int
	PluginWatchdog      time.Duration
	TabCloseTimeout     time.Duration
}

// Server is the context object shared by the orchestrator, plugins and transport.
type Server struct {
	cfg       Config
	browser   *browser.Manager
	registry  *Registry
	pipeline  *Pipeline
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger
	tracer    trace.Tracer
	baseCtx   context.Context
	startedAt time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithBaseContext sets the parent of every job context.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

// NewServer builds the server context around mgr and installs the browser hooks.
// fatal is called when the browser is crash looping.
func NewServer(cfg Config, mgr *browser.Manager, ids IDGenerator, fatal func(error), opts ...Option) *Server {
	if cfg.ConnectPollInterval <= 0 {
		cfg.ConnectPollInterval = 200 * time.Millisecond
	}
	if cfg.ConnectMaxChecks <= 0 {
		cfg.ConnectMaxChecks = 300
	}
	if cfg.TabCloseTimeout <= 0 {
		cfg.TabCloseTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		browser: mgr,
		ids:     ids,
		clock:   wallClock{},
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("github.com/JakeFAU/prerender"),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.clock.Now()
	s.registry = NewRegistry(s.logger.Named("registry"))
	s.pipeline = NewPipeline(s.logger.Named("pipeline"), cfg.PluginWatchdog)
	mgr.SetHooks(browser.Hooks{
		Connected: s.onBrowserConnected,
		Stopped:   s.registry.Drop,
		InFlight:  s.registry.Size,
		Fatal:     fatal,
	})
	return s
}

// Use registers a plugin, running its Init first when it has one.
func (s *Server) Use(p Plugin) error {
	if init, ok := p.(Initializer); ok {
		if err := init.Init(s); err != nil {
			return fmt.Errorf("init plugin %s: %w", p.Name(), err)
		}
	}
	s.pipeline.Add(p)
	s.logger.Info("plugin registered", zap.String("plugin", p.Name()))
	return nil
}

// Start launches the browser and blocks until it is connected.
func (s *Server) Start(ctx context.Context) error {
	if err := s.browser.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	return nil
}

// Stop kills the browser on purpose; admission is refused afterwards.
func (s *Server) Stop() error {
	return s.browser.Kill()
}

// Config returns the server configuration.
func (s *Server) Config() Config { return s.cfg }

// Browser returns the browser lifecycle manager.
func (s *Server) Browser() *browser.Manager { return s.browser }

// Registry returns the in-flight registry.
func (s *Server) Registry() *Registry { return s.registry }

// Pipeline returns the plugin pipeline.
func (s *Server) Pipeline() *Pipeline { return s.pipeline }

// Logger returns the server logger.
func (s *Server) Logger() *zap.Logger { return s.logger }

// Uptime returns how long the server has existed.
func (s *Server) Uptime() time.Duration {
	return s.clock.Now().Sub(s.startedAt)
}

// NewJob creates a job with fresh ids. It is not admitted until Handle.
func (s *Server) NewJob(method, rawURL string, opts Options) (*Job, error) {
	reqID, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate req id: %w", err)
	}
	renderID, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate render id: %w", err)
	}
	job := newJob(s.baseCtx, reqID, renderID, method, rawURL, opts)
	job.Timings.Start = s.clock.Now()
	return job, nil
}

func (s *Server) onBrowserConnected() {
	s.registry.Reset()
	go func() {
		job := newJob(s.baseCtx, "", "", "", "", Options{})
		defer job.cancel()
		job.mu.Lock()
		defer job.mu.Unlock()
		s.pipeline.Run(job.ctx, EventConnectedToBrowser, job)
	}()
}

func (s *Server) now() time.Time {
	return s.clock.Now()
}

func (s *Server) jobLogger(job *Job) *zap.Logger {
	return s.logger.With(
		zap.String("req_id", job.ReqID),
		zap.String("render_id", job.RenderID),
		zap.String("url", job.URL),
		zap.String("render_type", string(job.RenderType)),
	)
}
