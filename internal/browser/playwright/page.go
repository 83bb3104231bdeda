package playwright

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pw "github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/browser"
)

const screenshotQuality = 90

var errTabClosed = errors.New("tab is closed")

// pageState follows one tab's page events. Playwright delivers events on its
// own goroutine; fields below mu are only touched under it.
type pageState struct {
	bctx    pw.BrowserContext
	page    pw.Page
	opts    browser.TabOptions
	logger  *zap.Logger
	settle  *browser.Settler
	harPath string

	mu         sync.Mutex
	ids        map[pw.Request]string
	seq        int
	status     int
	headers    http.Header
	final      bool
	redirected bool
	errors     []string
	closed     bool

	redirectOnce sync.Once
	redirect     chan struct{}
}

func newPageState(opts browser.TabOptions, logger *zap.Logger) *pageState {
	return &pageState{
		opts:     opts,
		logger:   logger,
		settle:   browser.NewSettler(opts.WaitAfterLastRequest),
		ids:      map[pw.Request]string{},
		redirect: make(chan struct{}),
	}
}

func stateOf(tab *browser.Tab) (*pageState, error) {
	if tab == nil {
		return nil, errTabClosed
	}
	s, ok := tab.Handle.(*pageState)
	if !ok || s == nil {
		return nil, fmt.Errorf("tab %s was not opened by the playwright driver", tab.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errTabClosed
	}
	return s, nil
}

// requestID names a request for the settler. Playwright hands out one object
// per request, redirect hops included.
func (s *pageState) requestID(req pw.Request) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[req]; ok {
		return id
	}
	s.seq++
	id := strconv.Itoa(s.seq)
	s.ids[req] = id
	return id
}

func (s *pageState) listen(page pw.Page) {
	page.OnRequest(func(req pw.Request) {
		s.settle.RequestStarted(s.requestID(req), time.Now())
		if s.opts.LogRequests {
			s.logger.Debug("request started", zap.String("method", req.Method()), zap.String("request_url", req.URL()))
		}
	})
	page.OnRequestFinished(func(req pw.Request) {
		s.settle.RequestDone(s.requestID(req), time.Now())
		if s.opts.LogRequests {
			s.logger.Debug("request finished", zap.String("request_url", req.URL()), zap.Int("in_flight", s.settle.InFlight()))
		}
	})
	page.OnRequestFailed(func(req pw.Request) {
		s.settle.RequestDone(s.requestID(req), time.Now())
		failure := "request failed"
		if err := req.Failure(); err != nil {
			failure = err.Error()
		}
		if req.IsNavigationRequest() && isMainFrame(req.Frame()) {
			s.onDocumentFailed(failure)
		}
		if s.opts.LogRequests {
			s.logger.Debug("request failed", zap.String("request_url", req.URL()), zap.String("failure", failure))
		}
	})
	page.OnResponse(func(resp pw.Response) {
		req := resp.Request()
		if req == nil || !req.IsNavigationRequest() || !isMainFrame(req.Frame()) {
			return
		}
		s.onDocumentResponse(resp.Status(), resp.Headers())
	})
	page.OnLoad(func(pw.Page) {
		s.settle.Loaded()
	})
	page.OnPageError(func(err error) {
		s.mu.Lock()
		s.errors = append(s.errors, err.Error())
		s.mu.Unlock()
	})
	if s.opts.CaptureConsoleLog {
		page.OnConsole(func(msg pw.ConsoleMessage) {
			s.logger.Info("console", zap.String("level", msg.Type()), zap.String("message", msg.Text()))
		})
	}
}

func isMainFrame(f pw.Frame) bool {
	return f != nil && f.ParentFrame() == nil
}

// onDocumentResponse records the main document's response. The first
// redirect is kept when redirects are not followed.
func (s *pageState) onDocumentResponse(status int, headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final || s.redirected {
		return
	}
	s.status = status
	s.headers = headersFrom(headers)
	if status >= 300 && status < 400 && s.headers.Get("Location") != "" {
		if !s.opts.FollowRedirects {
			s.redirected = true
			s.redirectOnce.Do(func() { close(s.redirect) })
		}
		return
	}
	s.final = true
}

func (s *pageState) onDocumentFailed(failure string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		return
	}
	s.status = http.StatusGatewayTimeout
	s.errors = append(s.errors, "main document failed: "+failure)
}

func (s *pageState) isRedirected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redirected
}

func (s *pageState) publish(tab *browser.Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab.Result.StatusCode = s.status
	tab.Result.Headers = s.headers.Clone()
	tab.Result.Errors = append([]string(nil), s.errors...)
}

// OpenTab implements browser.Driver. Each tab gets its own browser context so
// headers, user agent and HAR recording stay per job.
func (d *Driver) OpenTab(ctx context.Context, opts browser.TabOptions) (*browser.Tab, error) {
	b, err := d.current()
	if err != nil {
		return nil, err
	}

	s := newPageState(opts, d.logger)
	if opts.RecordHAR {
		f, err := os.CreateTemp("", "prerender-*.har")
		if err != nil {
			return nil, fmt.Errorf("create har file: %w", err)
		}
		s.harPath = f.Name()
		_ = f.Close()
	}

	bctx, err := await(ctx, func() (pw.BrowserContext, error) {
		return b.NewContext(contextOptions(opts, s.harPath))
	})
	if err != nil {
		s.removeHAR()
		return nil, fmt.Errorf("open context: %w", err)
	}
	page, err := await(ctx, bctx.NewPage)
	if err != nil {
		_ = bctx.Close()
		s.removeHAR()
		return nil, fmt.Errorf("open page: %w", err)
	}
	s.bctx = bctx
	s.page = page
	s.listen(page)

	return &browser.Tab{ID: uuid.NewString(), Options: opts, Handle: s}, nil
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

	committed := make(chan error, 1)
	go func() {
		_, err := s.page.Goto(url, pw.PageGotoOptions{
			WaitUntil: pw.WaitUntilStateCommit,
			Timeout:   pw.Float(float64(loadTimeout.Milliseconds())),
		})
		committed <- err
	}()

	select {
	case err := <-committed:
		if s.isRedirected() {
			s.publish(tab)
			return nil
		}
		if err != nil {
			s.publish(tab)
			return fmt.Errorf("load %s: %w", url, err)
		}
	case <-s.redirect:
		s.publish(tab)
		return nil
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
			s.publish(tab)
			return nil
		case <-deadline.C:
			d.logger.Info("page load timed out, parsing what loaded", zap.String("url", url))
			s.publish(tab)
			return nil
		case now := <-ticker.C:
			if !s.settle.Settled(now) {
				continue
			}
			ready, err := s.evalString(ctx, browser.PrerenderReadyScript)
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

func (s *pageState) evalString(ctx context.Context, expression string) (string, error) {
	v, err := await(ctx, func() (any, error) {
		return s.page.Evaluate(expression)
	})
	if err != nil {
		return "", err
	}
	return evalString(v), nil
}

func evalString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// ExecuteJavascript implements browser.Driver.
func (d *Driver) ExecuteJavascript(ctx context.Context, tab *browser.Tab, source string) error {
	s, err := stateOf(tab)
	if err != nil {
		return err
	}
	if _, err := await(ctx, func() (any, error) { return s.page.Evaluate(source) }); err != nil {
		return fmt.Errorf("execute javascript: %w", err)
	}
	return nil
}

// CaptureScreenshot implements browser.Driver.
func (d *Driver) CaptureScreenshot(ctx context.Context, tab *browser.Tab, format browser.ImageFormat, fullPage bool) error {
	s, err := stateOf(tab)
	if err != nil {
		return err
	}
	if s.isRedirected() {
		return nil
	}
	buf, err := await(ctx, func() ([]byte, error) {
		return s.page.Screenshot(screenshotOptions(format, fullPage))
	})
	if err != nil {
		return fmt.Errorf("capture %s screenshot: %w", format, err)
	}
	tab.Result.Content = buf
	return nil
}

// PrintToPDF implements browser.Driver.
func (d *Driver) PrintToPDF(ctx context.Context, tab *browser.Tab, opts browser.PDFOptions) error {
	s, err := stateOf(tab)
	if err != nil {
		return err
	}
	if s.isRedirected() {
		return nil
	}
	buf, err := await(ctx, func() ([]byte, error) {
		return s.page.PDF(pdfOptions(opts))
	})
	if err != nil {
		return fmt.Errorf("print to pdf: %w", err)
	}
	tab.Result.Content = buf
	return nil
}

// GetHarFile implements browser.Driver. Playwright writes the HAR when the
// browser context closes, so the tab is unusable afterwards.
func (d *Driver) GetHarFile(ctx context.Context, tab *browser.Tab) error {
	s, err := stateOf(tab)
	if err != nil {
		return err
	}
	if s.harPath == "" {
		return fmt.Errorf("tab %s is not recording network activity", tab.ID)
	}
	if err := s.close(ctx); err != nil {
		return fmt.Errorf("flush har: %w", err)
	}
	body, err := os.ReadFile(s.harPath)
	s.removeHAR()
	if err != nil {
		return fmt.Errorf("read har: %w", err)
	}
	tab.Result.Content = body
	return nil
}

// ParseHTMLFromPage implements browser.Driver. A captured redirect leaves the
// content empty.
func (d *Driver) ParseHTMLFromPage(ctx context.Context, tab *browser.Tab) error {
	s, err := stateOf(tab)
	if err != nil {
		return err
	}
	if s.isRedirected() {
		return nil
	}
	html, err := s.evalString(ctx, browser.DocumentScript(s.opts.ParseShadowDOM))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	data, err := s.evalString(ctx, browser.StructuredDataScript)
	if err != nil {
		return fmt.Errorf("read prerenderData: %w", err)
	}
	tab.Result.Content = []byte(html)
	if data != "" {
		tab.Result.PrerenderData = []byte(data)
	}
	return nil
}

// CloseTab implements browser.Driver. Closing an already flushed tab is a no-op.
func (d *Driver) CloseTab(ctx context.Context, tab *browser.Tab) error {
	if tab == nil {
		return errTabClosed
	}
	s, ok := tab.Handle.(*pageState)
	if !ok || s == nil {
		return fmt.Errorf("tab %s was not opened by the playwright driver", tab.ID)
	}
	defer s.removeHAR()
	if err := s.close(ctx); err != nil {
		return fmt.Errorf("close tab %s: %w", tab.ID, err)
	}
	return nil
}

func (s *pageState) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.bctx == nil {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, s.bctx.Close()
	})
	return err
}

func (s *pageState) removeHAR() {
	if s.harPath == "" {
		return
	}
	if err := os.Remove(s.harPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("remove har file", zap.String("path", s.harPath), zap.Error(err))
	}
}

func contextOptions(opts browser.TabOptions, harPath string) pw.BrowserNewContextOptions {
	out := pw.BrowserNewContextOptions{
		ServiceWorkers: pw.ServiceWorkerPolicyBlock,
	}
	if opts.EnableServiceWorker {
		out.ServiceWorkers = pw.ServiceWorkerPolicyAllow
	}
	if opts.UserAgent != "" {
		out.UserAgent = pw.String(opts.UserAgent)
	}
	if headers := headerMap(opts.Headers); len(headers) > 0 {
		out.ExtraHttpHeaders = headers
	}
	if harPath != "" {
		out.RecordHarPath = pw.String(harPath)
		out.RecordHarContent = pw.HarContentPolicyOmit
	}
	return out
}

func screenshotOptions(format browser.ImageFormat, fullPage bool) pw.PageScreenshotOptions {
	out := pw.PageScreenshotOptions{
		FullPage: pw.Bool(fullPage),
		Type:     pw.ScreenshotTypePng,
	}
	if format == browser.FormatJPEG {
		out.Type = pw.ScreenshotTypeJpeg
		out.Quality = pw.Int(screenshotQuality)
	}
	return out
}

func pdfOptions(opts browser.PDFOptions) pw.PagePdfOptions {
	out := pw.PagePdfOptions{
		PrintBackground:   pw.Bool(opts.PrintBackground),
		Landscape:         pw.Bool(opts.Landscape),
		PreferCSSPageSize: pw.Bool(opts.PreferCSSPageSize),
	}
	if opts.Scale > 0 {
		out.Scale = pw.Float(opts.Scale)
	}
	if opts.PaperWidth > 0 {
		out.Width = pw.String(inches(opts.PaperWidth))
	}
	if opts.PaperHeight > 0 {
		out.Height = pw.String(inches(opts.PaperHeight))
	}
	return out
}

func inches(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "in"
}

// headersFrom converts Playwright's lower-cased header map. Repeated headers
// arrive joined by newlines.
func headersFrom(src map[string]string) http.Header {
	headers := http.Header{}
	for key, value := range src {
		for _, line := range strings.Split(value, "\n") {
			headers.Add(key, line)
		}
	}
	return headers
}

func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
