// Package server wires the prerender service together: it builds the browser
// driver, the shared browser manager, the render server, its plugins and the
// HTTP transport, and runs them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/api"
	"github.com/JakeFAU/prerender/internal/browser"
	"github.com/JakeFAU/prerender/internal/browser/chrome"
	"github.com/JakeFAU/prerender/internal/browser/playwright"
	"github.com/JakeFAU/prerender/internal/clock/system"
	"github.com/JakeFAU/prerender/internal/config"
	"github.com/JakeFAU/prerender/internal/health"
	"github.com/JakeFAU/prerender/internal/id/uuid"
	"github.com/JakeFAU/prerender/internal/logging"
	"github.com/JakeFAU/prerender/internal/plugins"
	"github.com/JakeFAU/prerender/internal/prerender"
	"github.com/JakeFAU/prerender/internal/telemetry"
)

// ShutdownSignals end Run. SIGQUIT is included so container runtimes that send
// it get the same graceful drain.
var ShutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	manager        *browser.Manager
	render         *prerender.Server
	apiServer      *api.Server
	fatal          chan error
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. Nothing is started.
func Build(ctx context.Context, cfg config.Config, version string) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, version, logger, nil)
}

// build does the wiring. A nil driver is chosen from the config.
func build(ctx context.Context, cfg config.Config, version string, logger *zap.Logger, driver browser.Driver) (*App, error) {
	logger = logging.OrNop(logger)
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("driver", cfg.Browser.Driver),
		zap.String("version", version),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if driver == nil {
		driver, err = newDriver(cfg.Browser, logger.Named("driver"))
		if err != nil {
			return nil, err
		}
	}

	app := &App{
		cfg:    cfg,
		logger: logger,
		fatal:  make(chan error, 1),
	}
	if tp != nil {
		app.tracerShutdown = tp.Shutdown
	}

	clock := system.New()
	app.manager = browser.NewManager(driver, browser.Config{
		Spawn: browser.SpawnOptions{
			ExecPath:      cfg.Browser.ChromeLocation,
			DebuggingPort: cfg.Browser.DebuggingPort,
			Flags:         cfg.Browser.Flags,
			Install:       cfg.Browser.InstallPlaywright,
		},
		RestartPeriod: cfg.Browser.TryRestartPeriod,
		StartTimeout:  cfg.Browser.StartTimeout,
	},
		browser.WithClock(clock),
		browser.WithLogger(logger.Named("browser")),
	)

	app.render = prerender.NewServer(prerender.Config{
		Render:              cfg.Render,
		ConnectPollInterval: cfg.Browser.ConnectPollInterval,
		ConnectMaxChecks:    cfg.Browser.ConnectMaxChecks,
	},
		app.manager,
		uuid.New(uuid.V4),
		app.fail,
		prerender.WithLogger(logger.Named("prerender")),
		prerender.WithClock(clock),
		prerender.WithBaseContext(context.WithoutCancel(ctx)),
	)
	if err := plugins.Register(app.render, cfg.Plugins, logger.Named("plugins")); err != nil {
		return nil, fmt.Errorf("register plugins: %w", err)
	}

	reporter := health.NewReporter(cfg.Server.HealthTimeout, logger.Named("health"), health.NewBrowserCheck(app.manager))
	app.apiServer = api.NewServer(app.render, reporter, cfg.Server, logger.Named("api"))
	return app, nil
}

func newDriver(cfg config.BrowserConfig, logger *zap.Logger) (browser.Driver, error) {
	switch cfg.Driver {
	case "", "chrome":
		return chrome.New(logger), nil
	case "playwright":
		return playwright.New(logger), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// fail records a fatal browser error. Only the first one is kept.
func (a *App) fail(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

// Run starts the browser and the HTTP server and blocks until ctx ends, a
// shutdown signal arrives, or the browser fails fatally.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, ShutdownSignals...)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			a.fail(fmt.Errorf("http server: %w", err))
		}
	}()

	go func() {
		if err := a.render.Start(ctx); err != nil && ctx.Err() == nil {
			a.fail(err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case runErr = <-a.fatal:
		a.logger.Error("fatal error, shutting down", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close kills the browser and flushes telemetry and logs.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.render.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop browser: %w", err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
