package browser

import (
	"sync"
	"time"
)

// Defaults applied when TabOptions leave the page-load knobs unset.
const (
	DefaultWaitAfterLastRequest  = 500 * time.Millisecond
	DefaultPageDoneCheckInterval = 500 * time.Millisecond
	DefaultPageLoadTimeout       = 20 * time.Second
)

// Settler tracks one page's network activity and decides when it has settled:
// the load event fired, nothing is in flight, and the network has been quiet
// for the configured period.
type Settler struct {
	quiet time.Duration

	mu            sync.Mutex
	inFlight      map[string]struct{}
	lastRequestAt time.Time
	loaded        bool
}

// NewSettler returns a Settler. A non-positive quiet period uses DefaultWaitAfterLastRequest.
func NewSettler(quiet time.Duration) *Settler {
	if quiet <= 0 {
		quiet = DefaultWaitAfterLastRequest
	}
	return &Settler{quiet: quiet, inFlight: map[string]struct{}{}}
}

// Begin marks the start of a navigation.
func (s *Settler) Begin(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRequestAt = now
}

// RequestStarted records a request. Repeated ids (redirect hops) count once.
func (s *Settler) RequestStarted(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[id] = struct{}{}
	s.lastRequestAt = now
}

// RequestDone records a finished or failed request.
func (s *Settler) RequestDone(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; !ok {
		return
	}
	delete(s.inFlight, id)
	s.lastRequestAt = now
}

// Loaded records the page load event.
func (s *Settler) Loaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
}

// InFlight returns the number of unfinished requests.
func (s *Settler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Settled reports whether the page has been quiet long enough at now.
func (s *Settler) Settled(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded && len(s.inFlight) == 0 && now.Sub(s.lastRequestAt) >= s.quiet
}

// PageDone combines a settled network with the result of PrerenderReadyScript.
// A page that sets prerenderReady to a boolean is done only once it is true.
func PageDone(settled bool, ready string) bool {
	return settled && ready != "false"
}

// LoadTimings resolves the page-load knobs of opts against the defaults.
func LoadTimings(opts TabOptions) (interval, timeout time.Duration) {
	interval = opts.PageDoneCheckInterval
	if interval <= 0 {
		interval = DefaultPageDoneCheckInterval
	}
	timeout = opts.PageLoadTimeout
	if timeout <= 0 {
		timeout = DefaultPageLoadTimeout
	}
	return interval, timeout
}
