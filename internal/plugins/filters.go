package plugins

import (
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/config"
	"github.com/JakeFAU/prerender/internal/logging"
	"github.com/JakeFAU/prerender/internal/prerender"
)

// Reasons recorded on filtered jobs.
const (
	ReasonRedirectLoop = "redirect loop filtered"
	ReasonStaticAsset  = "static asset filtered"
)

var defaultSegments = []string{"=404"}

// SendPrerenderHeader marks every request the browser sends with X-Prerender: 1.
type SendPrerenderHeader struct{}

// NewSendPrerenderHeader returns the plugin.
func NewSendPrerenderHeader() *SendPrerenderHeader { return &SendPrerenderHeader{} }

// Name implements prerender.Plugin.
func (*SendPrerenderHeader) Name() string { return "sendPrerenderHeader" }

// RequestReceived implements prerender.RequestReceivedHook.
func (*SendPrerenderHeader) RequestReceived(job *prerender.Job, _ *prerender.Responder, next prerender.Advance) {
	job.TabHeaders.Set("X-Prerender", "1")
	next()
}

// BlockRedirectLoop answers 404 for paths whose last segment is known to
// bounce the browser between redirects.
type BlockRedirectLoop struct {
	segments []string
	logger   *zap.Logger
}

// NewBlockRedirectLoop returns the plugin. Empty segments fall back to "=404".
func NewBlockRedirectLoop(segments []string, logger *zap.Logger) *BlockRedirectLoop {
	segs := normalizeList(segments, nil)
	if len(segs) == 0 {
		segs = defaultSegments
	}
	return &BlockRedirectLoop{segments: segs, logger: logging.OrNop(logger)}
}

// Name implements prerender.Plugin.
func (*BlockRedirectLoop) Name() string { return "blockRedirectLoopAssets" }

// RequestReceived implements prerender.RequestReceivedHook.
func (p *BlockRedirectLoop) RequestReceived(job *prerender.Job, res *prerender.Responder, next prerender.Advance) {
	pth, ok := lowerPath(job.URL)
	if !ok {
		next()
		return
	}
	last := lastSegment(pth)
	if last == "" || !slices.Contains(p.segments, last) {
		next()
		return
	}
	p.logger.Info("blocking redirect-prone asset request", zap.String("url", job.URL), zap.String("req_id", job.ReqID))
	job.StatusCodeReason = ReasonRedirectLoop
	res.Send(http.StatusNotFound, nil)
}

// SkipStaticAssets answers 404 for URLs that point at static files the
// browser has no reason to render.
type SkipStaticAssets struct {
	extensions map[string]struct{}
	segments   []string
	logger     *zap.Logger
}

// NewSkipStaticAssets returns the plugin. Empty lists fall back to the defaults.
func NewSkipStaticAssets(extensions, segments []string, logger *zap.Logger) *SkipStaticAssets {
	exts := normalizeList(extensions, func(ext string) string {
		if !strings.HasPrefix(ext, ".") {
			return "." + ext
		}
		return ext
	})
	if len(exts) == 0 {
		exts = config.DefaultStaticExtensions
	}
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		set[ext] = struct{}{}
	}
	segs := normalizeList(segments, nil)
	if len(segs) == 0 {
		segs = defaultSegments
	}
	return &SkipStaticAssets{extensions: set, segments: segs, logger: logging.OrNop(logger)}
}

// Name implements prerender.Plugin.
func (*SkipStaticAssets) Name() string { return "skipStaticAssets" }

// RequestReceived implements prerender.RequestReceivedHook.
func (p *SkipStaticAssets) RequestReceived(job *prerender.Job, res *prerender.Responder, next prerender.Advance) {
	pth, ok := lowerPath(job.URL)
	if !ok || !p.skip(pth) {
		next()
		return
	}
	p.logger.Info("skipping static asset request", zap.String("url", job.URL), zap.String("req_id", job.ReqID))
	job.StatusCodeReason = ReasonStaticAsset
	res.Send(http.StatusNotFound, nil)
}

func (p *SkipStaticAssets) skip(pth string) bool {
	if pth == "" {
		return false
	}
	if ext := extension(pth); ext != "" {
		if _, ok := p.extensions[ext]; ok {
			return true
		}
	}
	last := lastSegment(pth)
	return last != "" && slices.Contains(p.segments, last)
}
