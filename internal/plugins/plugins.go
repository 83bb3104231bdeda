// Package plugins holds the built-in render plugins and the order they run in.
package plugins

import (
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/config"
	"github.com/JakeFAU/prerender/internal/logging"
	"github.com/JakeFAU/prerender/internal/prerender"
)

// Enabled returns the plugins switched on in cfg, in pipeline order.
func Enabled(cfg config.PluginsConfig, logger *zap.Logger) []prerender.Plugin {
	logger = logging.OrNop(logger)
	var out []prerender.Plugin
	if cfg.SendPrerenderHeader {
		out = append(out, NewSendPrerenderHeader())
	}
	if cfg.BlockRedirectLoop.Enabled {
		out = append(out, NewBlockRedirectLoop(cfg.BlockRedirectLoop.Segments, logger))
	}
	if cfg.SkipStaticAssets.Enabled {
		out = append(out, NewSkipStaticAssets(cfg.SkipStaticAssets.Extensions, cfg.SkipStaticAssets.PathSegments, logger))
	}
	if cfg.MemoryCache.Enabled {
		out = append(out, NewMemoryCache(cfg.MemoryCache.MaxItems, cfg.MemoryCache.TTL))
	}
	if cfg.RemoveScriptTags {
		out = append(out, NewRemoveScriptTags(logger))
	}
	if cfg.HTTPHeaders {
		out = append(out, NewHTTPHeaders(logger))
	}
	return out
}

// Register adds every enabled plugin to srv.
func Register(srv *prerender.Server, cfg config.PluginsConfig, logger *zap.Logger) error {
	for _, p := range Enabled(cfg, logger) {
		if err := srv.Use(p); err != nil {
			return err
		}
	}
	return nil
}

// lowerPath returns the lowercased path of an absolute URL. ok is false for
// anything that does not parse as one.
func lowerPath(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "", false
	}
	return strings.ToLower(u.Path), true
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func normalizeList(values []string, fn func(string) string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if fn != nil {
			v = fn(v)
		}
		out = append(out, v)
	}
	return out
}

func extension(p string) string {
	return path.Ext(p)
}
