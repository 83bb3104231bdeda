// Package config loads and validates prerender configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxRequestTimeout caps per-job request timeout overrides.
const MaxRequestTimeout = 10 * time.Minute

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Render    RenderConfig    `mapstructure:"render"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	HealthCheckPath string        `mapstructure:"health_check_path"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RenderConfig holds the per-render knobs applied to every job.
type RenderConfig struct {
	WaitAfterLastRequest  time.Duration `mapstructure:"wait_after_last_request"`
	PageDoneCheckInterval time.Duration `mapstructure:"page_done_check_interval"`
	PageLoadTimeout       time.Duration `mapstructure:"page_load_timeout"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	FollowRedirects       bool          `mapstructure:"follow_redirects"`
	LogRequests           bool          `mapstructure:"log_requests"`
	CaptureConsoleLog     bool          `mapstructure:"capture_console_log"`
	EnableServiceWorker   bool          `mapstructure:"enable_service_worker"`
	ParseShadowDOM        bool          `mapstructure:"parse_shadow_dom"`
	TimeoutStatusCode     int           `mapstructure:"timeout_status_code"`
	RenderErrorStatusCode int           `mapstructure:"render_error_status_code"`
	UserAgent             string        `mapstructure:"user_agent"`
	PDFOptions            PDFConfig     `mapstructure:"pdf_options"`
}

// PDFConfig mirrors the print options handed to the browser.
type PDFConfig struct {
	PrintBackground   bool    `mapstructure:"print_background"`
	Landscape         bool    `mapstructure:"landscape"`
	Scale             float64 `mapstructure:"scale"`
	PaperWidth        float64 `mapstructure:"paper_width"`
	PaperHeight       float64 `mapstructure:"paper_height"`
	PreferCSSPageSize bool    `mapstructure:"prefer_css_page_size"`
}

// BrowserConfig controls the shared browser process.
type BrowserConfig struct {
	Driver              string        `mapstructure:"driver"`
	ChromeLocation      string        `mapstructure:"chrome_location"`
	DebuggingPort       int           `mapstructure:"debugging_port"`
	Flags               []string      `mapstructure:"flags"`
	TryRestartPeriod    time.Duration `mapstructure:"try_restart_period"`
	ConnectPollInterval time.Duration `mapstructure:"connect_poll_interval"`
	ConnectMaxChecks    int           `mapstructure:"connect_max_checks"`
	StartTimeout        time.Duration `mapstructure:"start_timeout"`
	InstallPlaywright   bool          `mapstructure:"install_playwright"`
}

// PluginsConfig toggles and tunes the built-in plugins.
type PluginsConfig struct {
	SendPrerenderHeader bool                `mapstructure:"send_prerender_header"`
	BlockRedirectLoop   BlockRedirectConfig `mapstructure:"block_redirect_loop"`
	SkipStaticAssets    SkipStaticConfig    `mapstructure:"skip_static_assets"`
	MemoryCache         MemoryCacheConfig   `mapstructure:"memory_cache"`
	RemoveScriptTags    bool                `mapstructure:"remove_script_tags"`
	HTTPHeaders         bool                `mapstructure:"http_headers"`
}

// BlockRedirectConfig configures the redirect-loop filter.
type BlockRedirectConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Segments []string `mapstructure:"segments"`
}

// SkipStaticConfig configures the static-asset filter.
type SkipStaticConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Extensions   []string `mapstructure:"extensions"`
	PathSegments []string `mapstructure:"path_segments"`
}

// MemoryCacheConfig configures the in-process render cache.
type MemoryCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	MaxItems int           `mapstructure:"max_items"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// DefaultStaticExtensions lists the asset extensions skipped without rendering.
var DefaultStaticExtensions = []string{
	".js", ".cjs", ".mjs", ".css", ".less", ".scss", ".sass", ".json", ".xml", ".txt", ".map",
	".pdf", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".bmp", ".webp", ".avif", ".tif", ".tiff",
	".ttf", ".otf", ".eot", ".woff", ".woff2",
	".mp3", ".wav", ".ogg", ".mp4", ".webm", ".ogv",
	".zip", ".gz", ".rar",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRERENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.health_check_path", "/health")
	v.SetDefault("server.health_timeout", 2*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("render.wait_after_last_request", 500*time.Millisecond)
	v.SetDefault("render.page_done_check_interval", 500*time.Millisecond)
	v.SetDefault("render.page_load_timeout", 20*time.Second)
	v.SetDefault("render.request_timeout", 60*time.Second)
	v.SetDefault("render.follow_redirects", false)
	v.SetDefault("render.log_requests", false)
	v.SetDefault("render.capture_console_log", false)
	v.SetDefault("render.enable_service_worker", false)
	v.SetDefault("render.parse_shadow_dom", false)
	v.SetDefault("render.timeout_status_code", 0)
	v.SetDefault("render.render_error_status_code", 504)
	v.SetDefault("render.pdf_options.print_background", true)

	v.SetDefault("browser.driver", "chrome")
	v.SetDefault("browser.debugging_port", 9222)
	v.SetDefault("browser.try_restart_period", 10*time.Minute)
	v.SetDefault("browser.connect_poll_interval", 200*time.Millisecond)
	v.SetDefault("browser.connect_max_checks", 300)
	v.SetDefault("browser.start_timeout", 2*time.Minute)

	v.SetDefault("plugins.send_prerender_header", true)
	v.SetDefault("plugins.block_redirect_loop.enabled", true)
	v.SetDefault("plugins.block_redirect_loop.segments", []string{"=404"})
	v.SetDefault("plugins.skip_static_assets.enabled", true)
	v.SetDefault("plugins.skip_static_assets.extensions", DefaultStaticExtensions)
	v.SetDefault("plugins.skip_static_assets.path_segments", []string{"=404"})
	v.SetDefault("plugins.memory_cache.enabled", false)
	v.SetDefault("plugins.memory_cache.max_items", 100)
	v.SetDefault("plugins.memory_cache.ttl", 60*time.Second)
	v.SetDefault("plugins.remove_script_tags", true)
	v.SetDefault("plugins.http_headers", true)

	v.SetDefault("logging.development", false)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "prerender")
}

// bindLegacyEnv keeps the unprefixed variables older deployments set.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.port":              {"PRERENDER_SERVER_PORT", "PORT"},
		"server.health_check_path": {"PRERENDER_SERVER_HEALTH_CHECK_PATH", "PRERENDER_HEALTHCHECK_PATH"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !strings.HasPrefix(c.Server.HealthCheckPath, "/") {
		return fmt.Errorf("server.health_check_path must start with /")
	}
	if c.Render.RequestTimeout <= 0 {
		return fmt.Errorf("render.request_timeout must be > 0")
	}
	if c.Render.PageLoadTimeout <= 0 {
		return fmt.Errorf("render.page_load_timeout must be > 0")
	}
	if c.Render.PageDoneCheckInterval <= 0 {
		return fmt.Errorf("render.page_done_check_interval must be > 0")
	}
	if !validStatus(c.Render.RenderErrorStatusCode) {
		return fmt.Errorf("render.render_error_status_code must be a valid HTTP status")
	}
	if c.Render.TimeoutStatusCode != 0 && !validStatus(c.Render.TimeoutStatusCode) {
		return fmt.Errorf("render.timeout_status_code must be a valid HTTP status")
	}
	switch c.Browser.Driver {
	case "chrome", "playwright":
	default:
		return fmt.Errorf("browser.driver must be chrome or playwright, got %q", c.Browser.Driver)
	}
	if c.Browser.DebuggingPort <= 0 || c.Browser.DebuggingPort > 65535 {
		return fmt.Errorf("browser.debugging_port must be a TCP port")
	}
	if c.Browser.ConnectPollInterval <= 0 || c.Browser.ConnectMaxChecks <= 0 {
		return fmt.Errorf("browser.connect_poll_interval and browser.connect_max_checks must be > 0")
	}
	if c.Browser.StartTimeout <= 0 {
		return fmt.Errorf("browser.start_timeout must be > 0")
	}
	if c.Plugins.MemoryCache.Enabled && c.Plugins.MemoryCache.MaxItems <= 0 {
		return fmt.Errorf("plugins.memory_cache.max_items must be > 0 when the cache is enabled")
	}
	return nil
}

// ClampRequestTimeout applies a per-job override to the configured request timeout.
// Non-positive overrides are ignored and large ones are capped at MaxRequestTimeout.
func (c RenderConfig) ClampRequestTimeout(override time.Duration) time.Duration {
	switch {
	case override <= 0:
		return c.RequestTimeout
	case override > MaxRequestTimeout:
		return MaxRequestTimeout
	default:
		return override
	}
}

func validStatus(code int) bool {
	return code >= 100 && code <= 599
}
