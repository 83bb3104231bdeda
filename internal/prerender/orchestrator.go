package prerender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/browser"
	"github.com/JakeFAU/prerender/internal/metrics"
)

const (
	timeoutReason      = "request timed out"
	idleRestartReason  = "periodic-idle-check"
	unavailableMessage = "Service Unavailable"
)

// Handle admits job and blocks until its response is ready or ctx ends.
// When the browser has not connected yet the job is answered with 503 right
// away, without being tracked, and ErrBrowserUnavailable is returned with it.
func (s *Server) Handle(ctx context.Context, job *Job) (Response, error) {
	logger := s.jobLogger(job)
	logger.Info("getting")
	if !s.registry.Add(job) {
		logger.Warn("browser not ready for request")
		job.cancel()
		metrics.ObserveRender(http.StatusServiceUnavailable, string(job.RenderType))
		return unavailable(), ErrBrowserUnavailable
	}

	spanCtx, span := s.tracer.Start(job.ctx, "prerender.render",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("prerender.req_id", job.ReqID),
			attribute.String("prerender.url", job.URL),
			attribute.String("prerender.render_type", string(job.RenderType)),
		),
	)
	job.ctx = spanCtx
	job.span = span

	go s.run(job)

	select {
	case <-job.done:
		return job.response, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("waiting for %s: %w", job.ReqID, ctx.Err())
	}
}

func unavailable() Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   []byte(unavailableMessage),
	}
}

func (s *Server) run(job *Job) {
	job.mu.Lock()
	defer job.mu.Unlock()

	if err := s.render(job); err != nil {
		s.catch(job, err)
	}
	s.finish(job)
}

// render walks the job through every lifecycle stage. A nil return with no
// response means a plugin ended the job; finish takes it from there.
func (s *Server) render(job *Job) error {
	if s.pipeline.Run(job.ctx, EventRequestReceived, job).IsShortCircuit() {
		return nil
	}

	if err := validateURL(job.URL); err != nil {
		job.StatusCode = http.StatusBadRequest
		return err
	}

	job.Timings.ConnectingToBrowser = s.now()
	if s.pipeline.Run(job.ctx, EventConnectingToBrowserStarted, job).IsShortCircuit() {
		return nil
	}
	if err := s.waitForBrowser(job); err != nil {
		return err
	}

	job.Timings.OpeningTab = s.now()
	s.armTimeout(job)
	if err := s.openTab(job); err != nil {
		return err
	}

	if s.pipeline.Run(job.ctx, EventTabCreated, job).IsShortCircuit() {
		return nil
	}
	if err := job.checkActive(); err != nil {
		return err
	}

	stopped, err := s.loadURL(job)
	if err != nil || stopped {
		return err
	}

	if source := job.Options.Javascript; source != "" {
		tab := job.tab
		err := job.suspend(func() error {
			return s.browser.Driver().ExecuteJavascript(job.ctx, tab, source)
		})
		if err := job.checkActive(); err != nil {
			return err
		}
		if err != nil {
			return fmt.Errorf("%w: execute javascript: %w", ErrRender, err)
		}
	}

	if s.pipeline.Run(job.ctx, EventBeforeParse, job).IsShortCircuit() {
		return nil
	}
	if err := job.checkActive(); err != nil {
		return err
	}

	job.Timings.Parsing = s.now()
	if err := s.extract(job); err != nil {
		return err
	}
	job.Timings.Parsed = s.now()

	result := job.tab.Result
	if result.StatusCode != 0 {
		job.StatusCode = result.StatusCode
	}
	job.Content = result.Content
	job.Headers = result.Headers
	job.PrerenderData = result.PrerenderData
	job.Errors = result.Errors

	s.pipeline.Run(job.ctx, EventPageLoaded, job)
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidURL, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

func (s *Server) waitForBrowser(job *Job) error {
	interval := s.cfg.ConnectPollInterval
	maxChecks := s.cfg.ConnectMaxChecks
	ctx := job.ctx
	return job.suspend(func() error {
		for checks := 1; ; checks++ {
			if s.browser.IsConnected() {
				return nil
			}
			if checks >= maxChecks {
				return fmt.Errorf("%w: %w after %d checks", ErrRender, ErrBrowserConnectTimeout, checks)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("waiting for browser: %w", ctx.Err())
			case <-time.After(interval):
			}
		}
	})
}

func (s *Server) armTimeout(job *Job) {
	timeout := s.cfg.Render.ClampRequestTimeout(job.Options.RequestTimeout)
	job.timer = time.AfterFunc(timeout, func() { s.onTimeout(job) })
}

func (s *Server) onTimeout(job *Job) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.responseSent {
		return
	}

	job.cancelled = true
	job.timedOut = true
	job.StatusCode = s.timeoutStatus(job)
	if job.StatusCodeReason == "" {
		job.StatusCodeReason = timeoutReason
	}
	job.Content = nil
	job.Headers = nil
	job.PrerenderData = nil

	s.jobLogger(job).Warn("timing out request",
		zap.Int64("elapsed_ms", s.now().Sub(job.Timings.Start).Milliseconds()),
		zap.Int("status", job.StatusCode),
	)
	s.finish(job)
}

// timeoutStatus prefers the job override, then the configured timeout code, then the render error code.
func (s *Server) timeoutStatus(job *Job) int {
	switch {
	case job.Options.TimeoutStatusCode != 0:
		return job.Options.TimeoutStatusCode
	case s.cfg.Render.TimeoutStatusCode != 0:
		return s.cfg.Render.TimeoutStatusCode
	default:
		return s.cfg.Render.RenderErrorStatusCode
	}
}

func (s *Server) tabOptions(job *Job) browser.TabOptions {
	r := s.cfg.Render
	follow := r.FollowRedirects
	if job.Options.FollowRedirects != nil {
		follow = *job.Options.FollowRedirects
	}
	return browser.TabOptions{
		UserAgent:             r.UserAgent,
		Headers:               job.TabHeaders.Clone(),
		WaitAfterLastRequest:  r.WaitAfterLastRequest,
		PageDoneCheckInterval: r.PageDoneCheckInterval,
		PageLoadTimeout:       r.PageLoadTimeout,
		FollowRedirects:       follow,
		LogRequests:           r.LogRequests,
		CaptureConsoleLog:     r.CaptureConsoleLog,
		EnableServiceWorker:   r.EnableServiceWorker,
		ParseShadowDOM:        r.ParseShadowDOM,
		RecordHAR:             job.RenderType == RenderHAR,
	}
}

func (s *Server) openTab(job *Job) error {
	opts := s.tabOptions(job)
	var tab *browser.Tab
	err := job.suspend(func() error {
		var err error
		tab, err = s.browser.Driver().OpenTab(job.ctx, opts)
		return err
	})
	// A tab that arrives after the deadline is still recorded so finish closes it.
	if tab != nil {
		job.tab = tab
	}
	job.Timings.OpenedTab = s.now()
	if err := job.checkActive(); err != nil {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: open tab: %w", ErrRender, err)
	}
	return nil
}

// loadURL navigates the tab and runs tabNavigated once navigation commits.
// stopped reports a short-circuit from that stage.
func (s *Server) loadURL(job *Job) (stopped bool, err error) {
	job.Timings.LoadingURL = s.now()
	tab := job.tab
	target := job.URL
	onNavigated := func() bool {
		job.mu.Lock()
		defer job.mu.Unlock()
		if job.cancelled {
			return false
		}
		if s.pipeline.Run(job.ctx, EventTabNavigated, job).IsShortCircuit() {
			stopped = true
			return false
		}
		return true
	}

	err = job.suspend(func() error {
		return s.browser.Driver().LoadURLThenWaitForPageLoadEvent(job.ctx, tab, target, onNavigated)
	})
	if err := job.checkActive(); err != nil {
		return false, err
	}
	if stopped {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: load %s: %w", ErrRender, target, err)
	}
	job.Timings.LoadedURL = s.now()
	return false, nil
}

func (s *Server) extract(job *Job) error {
	driver := s.browser.Driver()
	tab := job.tab
	ctx := job.ctx
	var extract func() error
	switch job.RenderType {
	case RenderPNG:
		fullPage := job.Options.FullPage
		extract = func() error { return driver.CaptureScreenshot(ctx, tab, browser.FormatPNG, fullPage) }
	case RenderJPEG:
		fullPage := job.Options.FullPage
		extract = func() error { return driver.CaptureScreenshot(ctx, tab, browser.FormatJPEG, fullPage) }
	case RenderPDF:
		opts := s.pdfOptions()
		extract = func() error { return driver.PrintToPDF(ctx, tab, opts) }
	case RenderHAR:
		extract = func() error { return driver.GetHarFile(ctx, tab) }
	default:
		extract = func() error { return driver.ParseHTMLFromPage(ctx, tab) }
	}

	err := job.suspend(extract)
	if err := job.checkActive(); err != nil {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: extract %s: %w", ErrRender, job.RenderType, err)
	}
	return nil
}

func (s *Server) pdfOptions() browser.PDFOptions {
	p := s.cfg.Render.PDFOptions
	return browser.PDFOptions{
		PrintBackground:   p.PrintBackground,
		Landscape:         p.Landscape,
		Scale:             p.Scale,
		PaperWidth:        p.PaperWidth,
		PaperHeight:       p.PaperHeight,
		PreferCSSPageSize: p.PreferCSSPageSize,
	}
}

func (s *Server) catch(job *Job, err error) {
	if job.responseSent {
		return
	}
	job.Timings.CatchError = s.now()
	job.err = err

	logger := s.jobLogger(job)
	switch {
	case errors.Is(err, ErrRequestTimedOut):
	case errors.Is(err, ErrInvalidURL):
		logger.Warn("invalid URL", zap.Error(err))
	default:
		logger.Error("render failed", zap.Error(err))
	}
}

// finish produces the job's single response. Later calls only close a tab
// that arrived late and log.
func (s *Server) finish(job *Job) {
	if job.timer != nil {
		job.timer.Stop()
	}
	logger := s.jobLogger(job)
	s.closeTab(job, logger)

	if job.responseSent {
		if job.cancelled {
			logger.Info("timed out request already finished")
		} else {
			logger.Debug("request already finished")
		}
		return
	}
	job.responseSent = true
	job.Timings.Finish = s.now()

	logger.Debug("finishing request",
		zap.Int("status", job.StatusCode),
		zap.Bool("timed_out", job.timedOut),
		zap.Bool("cancelled", job.cancelled),
	)
	s.registry.Remove(job)

	if len(job.Errors) > 0 {
		logger.Warn("chrome reported errors", zap.Strings("errors", job.Errors))
	}

	if s.browser.ClaimIdleRestart(s.registry.IsEmpty()) {
		s.browser.RestartDetached(idleRestartReason)
	}

	s.observePhases(job)
	s.pipeline.Run(job.ctx, EventBeforeSend, job)

	job.response = Assemble(job, s.cfg.Render.RenderErrorStatusCode, logger)
	job.tab = nil

	elapsed := s.now().Sub(job.Timings.Start)
	logger.Info(fmt.Sprintf("got %d in %dms for %s", job.response.Status, elapsed.Milliseconds(), job.URL),
		zap.Int("status", job.response.Status),
	)
	metrics.ObserveRender(job.response.Status, string(job.RenderType))
	s.endSpan(job)

	close(job.done)
	job.cancel()
}

func (s *Server) closeTab(job *Job, logger *zap.Logger) {
	if job.tab == nil || job.tabClosed {
		return
	}
	job.tabClosed = true
	tab := job.tab
	driver := s.browser.Driver()
	timeout := s.cfg.TabCloseTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := driver.CloseTab(ctx, tab); err != nil {
			logger.Warn("error closing tab", zap.String("target", tab.ID), zap.Error(err))
			return
		}
		logger.Debug("closed tab", zap.String("target", tab.ID))
	}()
}

func (s *Server) observePhases(job *Job) {
	t := job.Timings
	d := PhaseDurations{
		ConnectingToBrowser: phase(t.ConnectingToBrowser, t.OpeningTab, t.Finish),
		OpeningTab:          phase(t.OpeningTab, t.OpenedTab, t.Finish),
		LoadingURL:          phase(t.LoadingURL, t.LoadedURL, t.Finish),
		ParsingPage:         phase(t.Parsing, t.Parsed, t.Finish),
	}
	if !t.CatchError.IsZero() {
		d.UntilError = t.CatchError.Sub(t.Start)
	}
	job.Durations = d

	metrics.ObservePhase("connecting_to_browser", d.ConnectingToBrowser)
	metrics.ObservePhase("opening_tab", d.OpeningTab)
	metrics.ObservePhase("loading_url", d.LoadingURL)
	metrics.ObservePhase("parsing_page", d.ParsingPage)
	metrics.ObservePhase("until_error", d.UntilError)
}

// phase measures start..end, using fallback when the phase never ended. Unstarted phases are zero.
func phase(start, end, fallback time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	if end.IsZero() {
		end = fallback
	}
	return end.Sub(start)
}

func (s *Server) endSpan(job *Job) {
	if job.span == nil {
		return
	}
	job.span.SetAttributes(
		attribute.Int("http.response.status_code", job.response.Status),
		attribute.Bool("prerender.timed_out", job.timedOut),
	)
	if job.err != nil {
		job.span.RecordError(job.err)
		job.span.SetStatus(codes.Error, job.err.Error())
	}
	job.span.End()
}
