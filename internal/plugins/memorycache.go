package plugins

import (
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/prerender"
)

const (
	defaultCacheItems = 100
	defaultCacheTTL   = 60 * time.Second
)

// MemoryCache answers repeated GETs from an in-process LRU of successful renders.
type MemoryCache struct {
	cache  *expirable.LRU[string, []byte]
	logger *zap.Logger
}

// NewMemoryCache returns the plugin. Non-positive limits fall back to 100 items for 60s.
func NewMemoryCache(maxItems int, ttl time.Duration) *MemoryCache {
	if maxItems <= 0 {
		maxItems = defaultCacheItems
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &MemoryCache{
		cache:  expirable.NewLRU[string, []byte](maxItems, nil, ttl),
		logger: zap.NewNop(),
	}
}

// Name implements prerender.Plugin.
func (*MemoryCache) Name() string { return "memoryCache" }

// Init implements prerender.Initializer.
func (c *MemoryCache) Init(s *prerender.Server) error {
	c.logger = s.Logger().Named("memory_cache")
	return nil
}

// Len returns the number of cached renders.
func (c *MemoryCache) Len() int {
	return c.cache.Len()
}

// RequestReceived implements prerender.RequestReceivedHook.
func (c *MemoryCache) RequestReceived(job *prerender.Job, res *prerender.Responder, next prerender.Advance) {
	if job.Method != http.MethodGet {
		next()
		return
	}
	content, ok := c.cache.Get(cacheKey(job))
	if !ok {
		next()
		return
	}
	c.logger.Debug("cache hit", zap.String("url", job.URL), zap.String("req_id", job.ReqID))
	res.Send(http.StatusOK, content)
}

// BeforeSend implements prerender.BeforeSendHook.
func (c *MemoryCache) BeforeSend(job *prerender.Job, _ *prerender.Responder, next prerender.Advance) {
	defer next()
	if job.Method != http.MethodGet || job.StatusCode != http.StatusOK || len(job.Content) == 0 || len(job.PrerenderData) > 0 {
		return
	}
	key := cacheKey(job)
	if c.cache.Contains(key) {
		return
	}
	c.cache.Add(key, job.Content)
}

func cacheKey(job *prerender.Job) string {
	return string(job.RenderType) + " " + job.URL
}
