// Package browser owns the single shared browser process: the driver contract
// concrete automation backends implement, the Tab handle lent to render jobs,
// and the Manager that spawns, monitors and restarts the process.
package browser

import (
	"context"
	"net/http"
	"time"
)

// ImageFormat selects the screenshot encoding.
type ImageFormat string

const (
	// FormatPNG captures lossless screenshots.
	FormatPNG ImageFormat = "png"
	// FormatJPEG captures lossy screenshots.
	FormatJPEG ImageFormat = "jpeg"
)

// SpawnOptions configures the browser process a Driver launches.
type SpawnOptions struct {
	ExecPath      string
	DebuggingPort int
	Flags         []string
	Install       bool
}

// TabOptions are the per-job knobs a Driver applies to a new tab.
type TabOptions struct {
	UserAgent             string
	Headers               http.Header
	WaitAfterLastRequest  time.Duration
	PageDoneCheckInterval time.Duration
	PageLoadTimeout       time.Duration
	FollowRedirects       bool
	LogRequests           bool
	CaptureConsoleLog     bool
	EnableServiceWorker   bool
	ParseShadowDOM        bool
	RecordHAR             bool
}

// PDFOptions mirrors the browser's print-to-PDF parameters.
type PDFOptions struct {
	PrintBackground   bool
	Landscape         bool
	Scale             float64
	PaperWidth        float64
	PaperHeight       float64
	PreferCSSPageSize bool
}

// CloseEvent describes how the browser process exited.
type CloseEvent struct {
	Code   int
	Signal string
	PID    int
}

// Result holds what the extraction calls leave on a Tab.
type Result struct {
	StatusCode    int
	Content       []byte
	Headers       http.Header
	PrerenderData []byte
	Errors        []string
}

// Tab is a page lent to exactly one job. Handle belongs to the Driver that opened it.
type Tab struct {
	ID      string
	Options TabOptions
	Result  Result
	Handle  any
}

// Driver is the automation backend for one browser process.
type Driver interface {
	Name() string
	Version() string
	Spawn(ctx context.Context, opts SpawnOptions) error
	Connect(ctx context.Context) error
	// OnClose registers the callback fired when the spawned process exits.
	// Each Spawn uses the callback registered most recently.
	OnClose(fn func(CloseEvent))
	OpenTab(ctx context.Context, opts TabOptions) (*Tab, error)
	// LoadURLThenWaitForPageLoadEvent navigates and waits until the page settles.
	// onNavigated runs once navigation commits; returning false stops the load early.
	LoadURLThenWaitForPageLoadEvent(ctx context.Context, tab *Tab, url string, onNavigated func() bool) error
	ExecuteJavascript(ctx context.Context, tab *Tab, source string) error
	CaptureScreenshot(ctx context.Context, tab *Tab, format ImageFormat, fullPage bool) error
	PrintToPDF(ctx context.Context, tab *Tab, opts PDFOptions) error
	GetHarFile(ctx context.Context, tab *Tab) error
	ParseHTMLFromPage(ctx context.Context, tab *Tab) error
	CloseTab(ctx context.Context, tab *Tab) error
	Kill() error
	PID() int
}
