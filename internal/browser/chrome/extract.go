package chrome

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/prerender/internal/browser"
)

const screenshotQuality = 90

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// ExecuteJavascript implements browser.Driver.
func (d *Driver) ExecuteJavascript(ctx context.Context, tab *browser.Tab, source string) error {
	s, err := stateOf(tab)
	if err != nil {
		return err
	}
	var ignored *runtime.RemoteObject
	if err := s.run(ctx, chromedp.Evaluate(source, &ignored, awaitPromise)); err != nil {
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

	var buf []byte
	var action chromedp.Action
	switch {
	case fullPage && format == browser.FormatPNG:
		action = chromedp.FullScreenshot(&buf, 100)
	case fullPage:
		action = chromedp.FullScreenshot(&buf, screenshotQuality)
	default:
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
			if format == browser.FormatJPEG {
				params = params.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(screenshotQuality)
			}
			var err error
			buf, err = params.Do(ctx)
			return err
		})
	}
	if err := s.run(ctx, action); err != nil {
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

	params := page.PrintToPDF().
		WithPrintBackground(opts.PrintBackground).
		WithLandscape(opts.Landscape).
		WithPreferCSSPageSize(opts.PreferCSSPageSize)
	if opts.Scale > 0 {
		params = params.WithScale(opts.Scale)
	}
	if opts.PaperWidth > 0 {
		params = params.WithPaperWidth(opts.PaperWidth)
	}
	if opts.PaperHeight > 0 {
		params = params.WithPaperHeight(opts.PaperHeight)
	}

	var buf []byte
	err = s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, _, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("print to pdf: %w", err)
	}
	tab.Result.Content = buf
	return nil
}

// GetHarFile implements browser.Driver. The tab must have been opened with RecordHAR.
func (d *Driver) GetHarFile(_ context.Context, tab *browser.Tab) error {
	s, err := stateOf(tab)
	if err != nil {
		return err
	}
	if s.har == nil {
		return fmt.Errorf("tab %s is not recording network activity", tab.ID)
	}
	s.mu.Lock()
	body, err := s.har.marshal(d.Version())
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode har: %w", err)
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

	var html, data string
	err = s.run(ctx,
		chromedp.Evaluate(browser.DocumentScript(s.opts.ParseShadowDOM), &html),
		chromedp.Evaluate(browser.StructuredDataScript, &data),
	)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	tab.Result.Content = []byte(html)
	if data != "" {
		tab.Result.PrerenderData = []byte(data)
	}
	return nil
}
