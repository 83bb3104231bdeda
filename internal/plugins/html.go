package plugins

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/logging"
	"github.com/JakeFAU/prerender/internal/prerender"
)

func parseContent(job *prerender.Job) (*goquery.Document, bool) {
	if job.RenderType != prerender.RenderHTML || len(job.Content) == 0 {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(job.Content))
	if err != nil {
		return nil, false
	}
	return doc, true
}

// RemoveScriptTags strips scripts from rendered html, keeping JSON-LD blocks.
type RemoveScriptTags struct {
	logger *zap.Logger
}

// NewRemoveScriptTags returns the plugin.
func NewRemoveScriptTags(logger *zap.Logger) *RemoveScriptTags {
	return &RemoveScriptTags{logger: logging.OrNop(logger)}
}

// Name implements prerender.Plugin.
func (*RemoveScriptTags) Name() string { return "removeScriptTags" }

// PageLoaded implements prerender.PageLoadedHook.
func (p *RemoveScriptTags) PageLoaded(job *prerender.Job, _ *prerender.Responder, next prerender.Advance) {
	defer next()
	doc, ok := parseContent(job)
	if !ok {
		return
	}
	removed := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if strings.EqualFold(strings.TrimSpace(s.AttrOr("type", "")), "application/ld+json") {
			return
		}
		s.Remove()
		removed++
	})
	imports := doc.Find(`link[rel="import"]`)
	removed += imports.Length()
	imports.Remove()
	if removed == 0 {
		return
	}

	html, err := doc.Html()
	if err != nil {
		p.logger.Warn("serialize html", zap.String("req_id", job.ReqID), zap.Error(err))
		return
	}
	job.Content = []byte(html)
}

// HTTPHeaders lets a page pick its own status code and response headers via
// <meta name="prerender-status-code"> and <meta name="prerender-header">.
type HTTPHeaders struct {
	logger *zap.Logger
}

// NewHTTPHeaders returns the plugin.
func NewHTTPHeaders(logger *zap.Logger) *HTTPHeaders {
	return &HTTPHeaders{logger: logging.OrNop(logger)}
}

// Name implements prerender.Plugin.
func (*HTTPHeaders) Name() string { return "httpHeaders" }

// PageLoaded implements prerender.PageLoadedHook.
func (p *HTTPHeaders) PageLoaded(job *prerender.Job, res *prerender.Responder, next prerender.Advance) {
	defer next()
	doc, ok := parseContent(job)
	if !ok {
		return
	}

	if raw, ok := doc.Find(`meta[name="prerender-status-code"]`).First().Attr("content"); ok {
		code, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && code >= 100 && code <= 599 {
			job.StatusCode = code
		} else {
			p.logger.Warn("ignoring prerender-status-code", zap.String("value", raw), zap.String("req_id", job.ReqID))
		}
	}

	doc.Find(`meta[name="prerender-header"]`).Each(func(_ int, s *goquery.Selection) {
		name, value, found := strings.Cut(s.AttrOr("content", ""), ":")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return
		}
		res.SetHeader(name, strings.TrimSpace(value))
	})
}
