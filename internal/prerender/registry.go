package prerender

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/metrics"
)

const registrySampleSize = 3

// Registry tracks admitted jobs that have not been answered yet. It does not
// exist until the browser first connects; that existence gates admission.
type Registry struct {
	mu      sync.Mutex
	entries map[string]string
	logger  *zap.Logger
}

// NewRegistry returns an uninitialized Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Reset replaces the tracked set with a fresh empty one. Jobs tracked before are forgotten.
func (r *Registry) Reset() {
	r.mu.Lock()
	orphaned := len(r.entries)
	r.entries = map[string]string{}
	r.mu.Unlock()
	if orphaned > 0 {
		r.logger.Warn("in-flight registry reset with jobs outstanding", zap.Int("orphaned", orphaned))
	}
	metrics.SetInFlight(0)
}

// Drop removes the tracked set entirely; admission is refused until the next Reset.
func (r *Registry) Drop() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
	metrics.SetInFlight(0)
}

// Ready reports whether the registry exists.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries != nil
}

// Add tracks job. It reports false, and logs, when the registry does not exist.
func (r *Registry) Add(job *Job) bool {
	r.mu.Lock()
	if r.entries == nil {
		r.mu.Unlock()
		r.logger.Warn("in-flight add skipped",
			zap.String("req_id", job.ReqID),
			zap.String("url", job.URL),
			zap.String("tracker", "uninitialized"),
		)
		return false
	}
	r.entries[job.ReqID] = job.URL
	size := len(r.entries)
	r.mu.Unlock()

	metrics.SetInFlight(size)
	r.logger.Debug("in-flight add", zap.String("req_id", job.ReqID), zap.String("url", job.URL), zap.Int("in_flight", size))
	return true
}

// Remove stops tracking job and reports whether it was tracked.
func (r *Registry) Remove(job *Job) bool {
	r.mu.Lock()
	if _, ok := r.entries[job.ReqID]; !ok {
		r.mu.Unlock()
		r.logger.Debug("in-flight remove missing", zap.String("req_id", job.ReqID), zap.String("url", job.URL))
		return false
	}
	delete(r.entries, job.ReqID)
	size := len(r.entries)
	sample := r.sampleLocked(registrySampleSize)
	r.mu.Unlock()

	metrics.SetInFlight(size)
	r.logger.Debug("in-flight remove",
		zap.String("req_id", job.ReqID),
		zap.String("url", job.URL),
		zap.Int("remaining", size),
		zap.Strings("remaining_sample", sample),
	)
	return true
}

// Has reports whether reqID is tracked.
func (r *Registry) Has(reqID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[reqID]
	return ok
}

// Size returns the number of tracked jobs.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IsEmpty reports whether no jobs are tracked.
func (r *Registry) IsEmpty() bool {
	return r.Size() == 0
}

// Sample returns up to n "reqId:url" entries.
func (r *Registry) Sample(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampleLocked(n)
}

func (r *Registry) sampleLocked(n int) []string {
	out := make([]string, 0, min(n, len(r.entries)))
	for id, url := range r.entries {
		if len(out) == n {
			break
		}
		out = append(out, id+":"+url)
	}
	return out
}
