package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Server.HealthCheckPath != "/health" {
		t.Fatalf("expected /health, got %q", cfg.Server.HealthCheckPath)
	}
	if cfg.Render.RequestTimeout != 60*time.Second || cfg.Render.PageLoadTimeout != 20*time.Second {
		t.Fatalf("unexpected render timeouts: %+v", cfg.Render)
	}
	if cfg.Render.WaitAfterLastRequest != 500*time.Millisecond {
		t.Fatalf("expected 500ms wait after last request, got %v", cfg.Render.WaitAfterLastRequest)
	}
	if cfg.Render.RenderErrorStatusCode != 504 || cfg.Render.TimeoutStatusCode != 0 {
		t.Fatalf("unexpected status defaults: %+v", cfg.Render)
	}
	if !cfg.Render.PDFOptions.PrintBackground {
		t.Fatal("expected pdf print_background default true")
	}
	if cfg.Browser.Driver != "chrome" || cfg.Browser.DebuggingPort != 9222 {
		t.Fatalf("unexpected browser defaults: %+v", cfg.Browser)
	}
	if cfg.Browser.TryRestartPeriod != 10*time.Minute {
		t.Fatalf("expected 10m restart period, got %v", cfg.Browser.TryRestartPeriod)
	}
	if cfg.Browser.StartTimeout != 2*time.Minute {
		t.Fatalf("expected 2m start timeout, got %v", cfg.Browser.StartTimeout)
	}
	if !cfg.Plugins.SkipStaticAssets.Enabled || len(cfg.Plugins.SkipStaticAssets.Extensions) != len(DefaultStaticExtensions) {
		t.Fatalf("unexpected static asset defaults: %+v", cfg.Plugins.SkipStaticAssets)
	}
	if got := cfg.Plugins.BlockRedirectLoop.Segments; len(got) != 1 || got[0] != "=404" {
		t.Fatalf("unexpected redirect loop segments: %v", got)
	}
	if cfg.Plugins.MemoryCache.Enabled {
		t.Fatal("expected memory cache disabled by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  health_check_path: /healthz
render:
  wait_after_last_request: 250ms
  page_load_timeout: 30s
  request_timeout: 45s
  follow_redirects: true
  parse_shadow_dom: true
  timeout_status_code: 503
  render_error_status_code: 502
  pdf_options:
    print_background: false
    landscape: true
browser:
  driver: playwright
  debugging_port: 9333
  try_restart_period: 1h
  start_timeout: 5m
plugins:
  skip_static_assets:
    enabled: false
  memory_cache:
    enabled: true
    max_items: 10
    ttl: 5m
logging:
  development: true
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.HealthCheckPath != "/healthz" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Render.WaitAfterLastRequest != 250*time.Millisecond || cfg.Render.RequestTimeout != 45*time.Second {
		t.Fatalf("expected render duration overrides, got %+v", cfg.Render)
	}
	if !cfg.Render.FollowRedirects || !cfg.Render.ParseShadowDOM {
		t.Fatal("expected render boolean overrides")
	}
	if cfg.Render.TimeoutStatusCode != 503 || cfg.Render.RenderErrorStatusCode != 502 {
		t.Fatalf("expected status overrides, got %+v", cfg.Render)
	}
	if cfg.Render.PDFOptions.PrintBackground || !cfg.Render.PDFOptions.Landscape {
		t.Fatalf("expected pdf overrides, got %+v", cfg.Render.PDFOptions)
	}
	if cfg.Browser.Driver != "playwright" || cfg.Browser.DebuggingPort != 9333 || cfg.Browser.StartTimeout != 5*time.Minute {
		t.Fatalf("expected browser overrides, got %+v", cfg.Browser)
	}
	if cfg.Plugins.SkipStaticAssets.Enabled {
		t.Fatal("expected static asset plugin disabled")
	}
	if !cfg.Plugins.MemoryCache.Enabled || cfg.Plugins.MemoryCache.TTL != 5*time.Minute {
		t.Fatalf("expected memory cache overrides, got %+v", cfg.Plugins.MemoryCache)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("PRERENDER_HEALTHCHECK_PATH", "/ping")
	t.Setenv("PRERENDER_RENDER_REQUEST_TIMEOUT", "5s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Fatalf("expected PORT to apply, got %d", cfg.Server.Port)
	}
	if cfg.Server.HealthCheckPath != "/ping" {
		t.Fatalf("expected health path from env, got %q", cfg.Server.HealthCheckPath)
	}
	if cfg.Render.RequestTimeout != 5*time.Second {
		t.Fatalf("expected request timeout from env, got %v", cfg.Render.RequestTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestClampRequestTimeout(t *testing.T) {
	t.Parallel()

	render := RenderConfig{RequestTimeout: time.Minute}
	if got := render.ClampRequestTimeout(0); got != time.Minute {
		t.Fatalf("expected default for zero override, got %v", got)
	}
	if got := render.ClampRequestTimeout(-time.Second); got != time.Minute {
		t.Fatalf("expected default for negative override, got %v", got)
	}
	if got := render.ClampRequestTimeout(3 * time.Second); got != 3*time.Second {
		t.Fatalf("expected override, got %v", got)
	}
	if got := render.ClampRequestTimeout(time.Hour); got != MaxRequestTimeout {
		t.Fatalf("expected cap, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "relative health path", mutate: func(c *Config) { c.Server.HealthCheckPath = "health" }, want: "health_check_path"},
		{name: "invalid request timeout", mutate: func(c *Config) { c.Render.RequestTimeout = 0 }, want: "render.request_timeout"},
		{name: "invalid page load timeout", mutate: func(c *Config) { c.Render.PageLoadTimeout = 0 }, want: "render.page_load_timeout"},
		{name: "invalid render error status", mutate: func(c *Config) { c.Render.RenderErrorStatusCode = 42 }, want: "render_error_status_code"},
		{name: "invalid timeout status", mutate: func(c *Config) { c.Render.TimeoutStatusCode = 700 }, want: "timeout_status_code"},
		{name: "unknown driver", mutate: func(c *Config) { c.Browser.Driver = "lynx" }, want: "browser.driver"},
		{name: "invalid debugging port", mutate: func(c *Config) { c.Browser.DebuggingPort = 70000 }, want: "debugging_port"},
		{name: "invalid start timeout", mutate: func(c *Config) { c.Browser.StartTimeout = 0 }, want: "browser.start_timeout"},
		{name: "cache without capacity", mutate: func(c *Config) {
			c.Plugins.MemoryCache.Enabled = true
			c.Plugins.MemoryCache.MaxItems = 0
		}, want: "memory_cache.max_items"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
