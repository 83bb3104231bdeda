package chrome

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/browser"
)

var errTabClosed = errors.New("tab is closed")

// tabState follows one tab's DevTools events. Listeners run on chromedp's
// event goroutine and only touch fields under mu.
type tabState struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   browser.TabOptions
	logger *zap.Logger

	settle *browser.Settler

	mu          sync.Mutex
	mainRequest network.RequestID
	status      int
	headers     http.Header
	redirected  bool
	errors      []string
	har         *harRecorder

	navigatedOnce sync.Once
	navigated     chan struct{}
	redirectOnce  sync.Once
	redirect      chan struct{}
}

func newTabState(ctx context.Context, cancel context.CancelFunc, opts browser.TabOptions, logger *zap.Logger) *tabState {
	s := &tabState{
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		logger:    logger,
		settle:    browser.NewSettler(opts.WaitAfterLastRequest),
		navigated: make(chan struct{}),
		redirect:  make(chan struct{}),
	}
	if opts.RecordHAR {
		s.har = newHARRecorder()
	}
	return s
}

func stateOf(tab *browser.Tab) (*tabState, error) {
	if tab == nil {
		return nil, errTabClosed
	}
	s, ok := tab.Handle.(*tabState)
	if !ok || s == nil {
		return nil, fmt.Errorf("tab %s was not opened by the chrome driver", tab.ID)
	}
	return s, nil
}

// run executes actions against the tab's target while honoring ctx, so a
// cancelled job aborts the call without closing the tab.
func (s *tabState) run(ctx context.Context, actions ...chromedp.Action) error {
	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Target == nil || s.ctx.Err() != nil {
		return errTabClosed
	}
	execCtx := cdp.WithExecutor(ctx, c.Target)
	for _, a := range actions {
		if err := a.Do(execCtx); err != nil {
			return err
		}
	}
	return nil
}

func (s *tabState) handleEvent(ev any) {
	now := time.Now()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		s.onRequest(e, now)
	case *network.EventResponseReceived:
		s.onResponse(e, now)
	case *network.EventLoadingFinished:
		s.onRequestDone(e.RequestID, now, "", e.EncodedDataLength)
	case *network.EventLoadingFailed:
		s.onRequestDone(e.RequestID, now, e.ErrorText, 0)
	case *page.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			s.navigatedOnce.Do(func() { close(s.navigated) })
		}
	case *page.EventLoadEventFired:
		s.settle.Loaded()
	case *runtime.EventConsoleAPICalled:
		if s.opts.CaptureConsoleLog {
			s.onConsole(e)
		}
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			s.mu.Lock()
			s.errors = append(s.errors, e.ExceptionDetails.Error())
			s.mu.Unlock()
		}
	}
}

func (s *tabState) onRequest(e *network.EventRequestWillBeSent, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	isDocument := e.Type == network.ResourceTypeDocument && string(e.RequestID) == string(e.LoaderID)
	if isDocument && s.mainRequest == "" {
		s.mainRequest = e.RequestID
	}
	if e.RedirectResponse != nil && e.RequestID == s.mainRequest {
		s.status = int(e.RedirectResponse.Status)
		s.headers = headersFrom(e.RedirectResponse.Headers)
		if !s.opts.FollowRedirects {
			s.redirected = true
			s.redirectOnce.Do(func() { close(s.redirect) })
		}
	}
	s.settle.RequestStarted(string(e.RequestID), now)
	if s.har != nil && e.Request != nil {
		s.har.request(e, now)
	}
	if s.opts.LogRequests && e.Request != nil {
		s.logger.Debug("request started", zap.String("method", e.Request.Method), zap.String("request_url", e.Request.URL))
	}
}

func (s *tabState) onResponse(e *network.EventResponseReceived, now time.Time) {
	if e.Response == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.RequestID == s.mainRequest && !s.redirected {
		s.status = int(e.Response.Status)
		s.headers = headersFrom(e.Response.Headers)
	}
	if s.har != nil {
		s.har.response(e, now)
	}
}

func (s *tabState) onRequestDone(id network.RequestID, now time.Time, failure string, size float64) {
	s.settle.RequestDone(string(id), now)
	s.mu.Lock()
	defer s.mu.Unlock()
	if failure != "" && id == s.mainRequest && s.status == 0 {
		s.status = http.StatusGatewayTimeout
		s.errors = append(s.errors, "main document failed: "+failure)
	}
	if s.har != nil {
		s.har.finished(id, now, size, failure)
	}
	if s.opts.LogRequests {
		s.logger.Debug("request finished",
			zap.String("request_id", string(id)),
			zap.String("failure", failure),
			zap.Int("in_flight", s.settle.InFlight()),
		)
	}
}

func (s *tabState) onConsole(e *runtime.EventConsoleAPICalled) {
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		switch {
		case arg == nil:
		case len(arg.Value) > 0:
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, string(arg.Type))
		}
	}
	s.logger.Info("console",
		zap.String("level", string(e.Type)),
		zap.String("message", strings.Join(parts, " ")),
	)
}

func (s *tabState) isRedirected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redirected
}

// publish copies the tracked response into the tab result.
func (s *tabState) publish(tab *browser.Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab.Result.StatusCode = s.status
	tab.Result.Headers = s.headers.Clone()
	tab.Result.Errors = append([]string(nil), s.errors...)
}

// OpenTab implements browser.Driver.
func (d *Driver) OpenTab(ctx context.Context, opts browser.TabOptions) (*browser.Tab, error) {
	browserCtx, err := d.session()
	if err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	state := newTabState(tabCtx, cancel, opts, d.logger)
	chromedp.ListenTarget(tabCtx, state.handleEvent)

	stop := forwardCancel(ctx, cancel)
	err = chromedp.Run(tabCtx, setupActions(opts)...)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}

	id := ""
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		id = string(c.Target.TargetID)
	}
	return &browser.Tab{ID: id, Options: opts, Handle: state}, nil
}

func setupActions(opts browser.TabOptions) []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		page.Enable(),
		runtime.Enable(),
		network.SetBypassServiceWorker(!opts.EnableServiceWorker),
	}
	if opts.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(opts.UserAgent))
	}
	if len(opts.Headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(toNetworkHeaders(opts.Headers)))
	}
	return actions
}

// LoadURLThenWaitForPageLoadEvent implements browser.Driver. Reaching the page
// load timeout is not an error: the page is parsed as it stands.
func (d *Driver) LoadURLThenWaitForPageLoadEvent(ctx context.Context, tab *browser.Tab, url string, onNavigated func() bool) error {
	s, err := stateOf(tab)
	if err != nil {
		return err
	}
	interval, loadTimeout := browser.LoadTimings(s.opts)
	deadline := time.NewTimer(loadTimeout)
	defer deadline.Stop()
	s.settle.Begin(time.Now())

	navigateErr := make(chan error, 1)
	go func() {
		navigateErr <- s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errText != "" {
				return fmt.Errorf("navigate %s: %s", url, errText)
			}
			return nil
		}))
	}()

	// Navigation commits, redirects out, fails, or runs out of time.
	select {
	case <-s.navigated:
	case <-s.redirect:
		return d.stopLoading(ctx, s, tab)
	case err := <-navigateErr:
		if err != nil {
			s.publish(tab)
			return fmt.Errorf("load %s: %w", url, err)
		}
		select {
		case <-s.navigated:
		case <-s.redirect:
			return d.stopLoading(ctx, s, tab)
		case <-deadline.C:
			s.publish(tab)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("load %s: %w", url, ctx.Err())
		}
	case <-deadline.C:
		d.logger.Warn("page load timed out before navigation", zap.String("url", url))
		s.publish(tab)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("load %s: %w", url, ctx.Err())
	}

	if onNavigated != nil && !onNavigated() {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("load %s: %w", url, ctx.Err())
		case <-s.redirect:
			return d.stopLoading(ctx, s, tab)
		case <-deadline.C:
			d.logger.Info("page load timed out, parsing what loaded", zap.String("url", url))
			s.publish(tab)
			return nil
		case now := <-ticker.C:
			if !s.settle.Settled(now) {
				continue
			}
			ready, err := s.prerenderReady(ctx)
			if err != nil {
				d.logger.Debug("prerenderReady check failed", zap.Error(err))
			}
			if browser.PageDone(true, ready) {
				s.publish(tab)
				return nil
			}
		}
	}
}

func (d *Driver) stopLoading(ctx context.Context, s *tabState, tab *browser.Tab) error {
	if err := s.run(ctx, page.StopLoading()); err != nil {
		d.logger.Debug("stop loading after redirect", zap.Error(err))
	}
	s.publish(tab)
	return nil
}

func (s *tabState) prerenderReady(ctx context.Context) (string, error) {
	var ready string
	err := s.run(ctx, chromedp.Evaluate(browser.PrerenderReadyScript, &ready))
	return ready, err
}

// CloseTab implements browser.Driver.
func (d *Driver) CloseTab(ctx context.Context, tab *browser.Tab) error {
	s, err := stateOf(tab)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(s.ctx)
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close tab %s: %w", tab.ID, err)
	}
	return nil
}

func headersFrom(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				headers.Add(key, line)
			}
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}
