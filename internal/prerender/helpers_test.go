package prerender

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prerender/internal/browser"
	"github.com/JakeFAU/prerender/internal/browser/browsertest"
	"github.com/JakeFAU/prerender/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	n atomic.Int64
}

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", g.n.Add(1)), nil
}

func testConfig() Config {
	return Config{
		Render: config.RenderConfig{
			RequestTimeout:        5 * time.Second,
			RenderErrorStatusCode: 504,
			PDFOptions:            config.PDFConfig{PrintBackground: true},
		},
		ConnectPollInterval: 5 * time.Millisecond,
		ConnectMaxChecks:    10,
		PluginWatchdog:      time.Second,
	}
}

type testServer struct {
	*Server
	driver *browsertest.Driver
	clock  *fakeClock
}

func newTestServer(t *testing.T, cfg Config, browserCfg browser.Config, opts ...Option) *testServer {
	t.Helper()
	driver := browsertest.New()
	clock := newFakeClock()
	mgr := browser.NewManager(driver, browserCfg, browser.WithClock(clock))
	srv := NewServer(cfg, mgr, &seqIDs{}, func(err error) {
		t.Errorf("unexpected fatal: %v", err)
	}, opts...)
	return &testServer{Server: srv, driver: driver, clock: clock}
}

func (ts *testServer) start(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.Start(context.Background()))
}

func (ts *testServer) newJob(t *testing.T, rawURL string, opts Options) *Job {
	t.Helper()
	job, err := ts.NewJob("GET", rawURL, opts)
	require.NoError(t, err)
	return job
}

func handleAsync(srv *Server, job *Job) <-chan Response {
	out := make(chan Response, 1)
	go func() {
		resp, _ := srv.Handle(context.Background(), job)
		out <- resp
	}()
	return out
}

// recorder is a plugin implementing every hook. It records each event it sees
// and answers with send at the events listed in sendAt.
type recorder struct {
	name   string
	sendAt map[Event]int

	mu     sync.Mutex
	events []Event
}

func newRecorder(name string) *recorder {
	return &recorder{name: name, sendAt: map[Event]int{}}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) seen() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(event Event) int {
	n := 0
	for _, e := range r.seen() {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) handle(event Event, res *Responder, next Advance) {
	r.mu.Lock()
	r.events = append(r.events, event)
	status, send := r.sendAt[event]
	r.mu.Unlock()
	if send {
		res.Send(status, nil)
		return
	}
	next()
}

func (r *recorder) RequestReceived(_ *Job, res *Responder, next Advance) {
	r.handle(EventRequestReceived, res, next)
}

func (r *recorder) ConnectingToBrowserStarted(_ *Job, res *Responder, next Advance) {
	r.handle(EventConnectingToBrowserStarted, res, next)
}

func (r *recorder) ConnectedToBrowser(_ *Job, res *Responder, next Advance) {
	r.handle(EventConnectedToBrowser, res, next)
}

func (r *recorder) TabCreated(_ *Job, res *Responder, next Advance) {
	r.handle(EventTabCreated, res, next)
}

func (r *recorder) TabNavigated(_ *Job, res *Responder, next Advance) {
	r.handle(EventTabNavigated, res, next)
}

func (r *recorder) BeforeParse(_ *Job, res *Responder, next Advance) {
	r.handle(EventBeforeParse, res, next)
}

func (r *recorder) PageLoaded(_ *Job, res *Responder, next Advance) {
	r.handle(EventPageLoaded, res, next)
}

func (r *recorder) BeforeSend(_ *Job, res *Responder, next Advance) {
	r.handle(EventBeforeSend, res, next)
}
