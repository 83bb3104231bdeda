// Package browsertest provides a scriptable in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/JakeFAU/prerender/internal/browser"
)

// Page describes what the fake serves for one URL.
type Page struct {
	Status        int
	HTML          string
	Headers       http.Header
	PrerenderData string
}

// Driver is a fake browser.Driver. Zero values of the hook fields mean "succeed".
type Driver struct {
	mu sync.Mutex

	Pages map[string]Page

	SpawnErr   error
	ConnectErr error
	OpenTabErr error
	LoadErr    error
	CloseErr   error
	// BlockLoad, when set, makes LoadURLThenWaitForPageLoadEvent wait on it (or ctx) before returning.
	BlockLoad chan struct{}
	// OnLoad runs inside LoadURLThenWaitForPageLoadEvent before the page result is recorded.
	OnLoad func(url string)

	onClose  func(browser.CloseEvent)
	spawns   int
	connects int
	kills    int
	pid      int
	nextTab  int
	open     map[string]bool
	closed   []string
	scripts  []string
	loaded   []string
}

// New returns a Driver with no pages.
func New() *Driver {
	return &Driver{Pages: map[string]Page{}, open: map[string]bool{}}
}

// Name implements browser.Driver.
func (d *Driver) Name() string { return "fake" }

// Version implements browser.Driver.
func (d *Driver) Version() string { return "fake/1.0" }

// Spawn implements browser.Driver.
func (d *Driver) Spawn(context.Context, browser.SpawnOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spawns++
	if d.SpawnErr != nil {
		return d.SpawnErr
	}
	d.pid = 1000 + d.spawns
	return nil
}

// Connect implements browser.Driver.
func (d *Driver) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return d.ConnectErr
}

// OnClose implements browser.Driver.
func (d *Driver) OnClose(fn func(browser.CloseEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = fn
}

// Exit simulates the browser process exiting on its own.
func (d *Driver) Exit(code int) {
	d.mu.Lock()
	fn := d.onClose
	pid := d.pid
	d.mu.Unlock()
	if fn != nil {
		fn(browser.CloseEvent{Code: code, PID: pid})
	}
}

// OpenTab implements browser.Driver.
func (d *Driver) OpenTab(_ context.Context, opts browser.TabOptions) (*browser.Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenTabErr != nil {
		return nil, d.OpenTabErr
	}
	d.nextTab++
	id := fmt.Sprintf("tab-%d", d.nextTab)
	d.open[id] = true
	return &browser.Tab{ID: id, Options: opts}, nil
}

// LoadURLThenWaitForPageLoadEvent implements browser.Driver.
func (d *Driver) LoadURLThenWaitForPageLoadEvent(ctx context.Context, tab *browser.Tab, url string, onNavigated func() bool) error {
	d.mu.Lock()
	d.loaded = append(d.loaded, url)
	loadErr := d.LoadErr
	block := d.BlockLoad
	onLoad := d.OnLoad
	page, ok := d.Pages[url]
	d.mu.Unlock()

	if loadErr != nil {
		return loadErr
	}
	if onNavigated != nil && !onNavigated() {
		return nil
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return fmt.Errorf("load %s: %w", url, ctx.Err())
		}
	}
	if onLoad != nil {
		onLoad(url)
	}
	if !ok {
		page = Page{Status: http.StatusOK, HTML: "<html><head></head><body>" + url + "</body></html>"}
	}
	tab.Result.StatusCode = page.Status
	tab.Result.Headers = page.Headers.Clone()
	tab.Handle = page
	return nil
}

// ExecuteJavascript implements browser.Driver.
func (d *Driver) ExecuteJavascript(_ context.Context, _ *browser.Tab, source string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, source)
	return nil
}

// CaptureScreenshot implements browser.Driver.
func (d *Driver) CaptureScreenshot(_ context.Context, tab *browser.Tab, format browser.ImageFormat, fullPage bool) error {
	tab.Result.Content = []byte(fmt.Sprintf("%s-image fullpage=%t", format, fullPage))
	return nil
}

// PrintToPDF implements browser.Driver.
func (d *Driver) PrintToPDF(_ context.Context, tab *browser.Tab, opts browser.PDFOptions) error {
	tab.Result.Content = []byte(fmt.Sprintf("%%PDF background=%t", opts.PrintBackground))
	return nil
}

// GetHarFile implements browser.Driver.
func (d *Driver) GetHarFile(_ context.Context, tab *browser.Tab) error {
	tab.Result.Content = []byte(`{"log":{"version":"1.2","entries":[]}}`)
	return nil
}

// ParseHTMLFromPage implements browser.Driver.
func (d *Driver) ParseHTMLFromPage(_ context.Context, tab *browser.Tab) error {
	page, ok := tab.Handle.(Page)
	if !ok {
		return errors.New("page not loaded")
	}
	tab.Result.Content = []byte(page.HTML)
	if page.PrerenderData != "" {
		tab.Result.PrerenderData = []byte(page.PrerenderData)
	}
	return nil
}

// CloseTab implements browser.Driver.
func (d *Driver) CloseTab(_ context.Context, tab *browser.Tab) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, tab.ID)
	d.closed = append(d.closed, tab.ID)
	return d.CloseErr
}

// Kill implements browser.Driver. It reports the exit through the close callback.
func (d *Driver) Kill() error {
	d.mu.Lock()
	d.kills++
	fn := d.onClose
	pid := d.pid
	d.mu.Unlock()
	if fn != nil {
		fn(browser.CloseEvent{Signal: "SIGKILL", PID: pid})
	}
	return nil
}

// PID implements browser.Driver.
func (d *Driver) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

// Spawns returns how many times Spawn ran.
func (d *Driver) Spawns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spawns
}

// Connects returns how many times Connect ran.
func (d *Driver) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Kills returns how many times Kill ran.
func (d *Driver) Kills() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kills
}

// OpenTabs returns the ids of tabs not yet closed.
func (d *Driver) OpenTabs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.open))
	for id := range d.open {
		ids = append(ids, id)
	}
	return ids
}

// ClosedTabs returns the ids of closed tabs in close order.
func (d *Driver) ClosedTabs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}

// Scripts returns the sources passed to ExecuteJavascript.
func (d *Driver) Scripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.scripts...)
}

// Loaded returns the URLs navigated to.
func (d *Driver) Loaded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.loaded...)
}

// SetPage registers a page under url.
func (d *Driver) SetPage(url string, page Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pages[url] = page
}
