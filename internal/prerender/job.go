package prerender

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/prerender/internal/browser"
)

// RenderType is the output a job asks for.
type RenderType string

// Supported render types.
const (
	RenderHTML RenderType = "html"
	RenderPNG  RenderType = "png"
	RenderJPEG RenderType = "jpeg"
	RenderPDF  RenderType = "pdf"
	RenderHAR  RenderType = "har"
)

// ParseRenderType maps a caller supplied value to a RenderType. Unknown values render html.
func ParseRenderType(s string) RenderType {
	switch rt := RenderType(strings.ToLower(strings.TrimSpace(s))); rt {
	case RenderPNG, RenderJPEG, RenderPDF, RenderHAR:
		return rt
	case "jpg":
		return RenderJPEG
	default:
		return RenderHTML
	}
}

// Options are the per-job overrides a caller may send.
type Options struct {
	RenderType        RenderType
	FullPage          bool
	Javascript        string
	RequestTimeout    time.Duration
	TimeoutStatusCode int
	FollowRedirects   *bool
}

// Timings records when the job crossed each phase boundary. Unreached phases stay zero.
type Timings struct {
	Start               time.Time
	ConnectingToBrowser time.Time
	OpeningTab          time.Time
	OpenedTab           time.Time
	LoadingURL          time.Time
	LoadedURL           time.Time
	Parsing             time.Time
	Parsed              time.Time
	Finish              time.Time
	CatchError          time.Time
}

// PhaseDurations are computed from Timings when the job finishes.
type PhaseDurations struct {
	ConnectingToBrowser time.Duration
	OpeningTab          time.Duration
	LoadingURL          time.Duration
	ParsingPage         time.Duration
	UntilError          time.Duration
}

// Job is one render request from admission to response.
//
// Plugin hooks may read and write the exported fields while the hook runs.
// Work a plugin finishes later must go through the Responder.
type Job struct {
	ReqID      string
	RenderID   string
	Method     string
	URL        string
	RenderType RenderType
	Options    Options

	StatusCode       int
	StatusCodeReason string
	Content          []byte
	Headers          http.Header
	PrerenderData    []byte
	Errors           []string

	// TabHeaders are added to every request the tab sends.
	TabHeaders http.Header

	Timings   Timings
	Durations PhaseDurations

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	span         trace.Span
	timer        *time.Timer
	tab          *browser.Tab
	cancelled    bool
	timedOut     bool
	responseSent bool
	tabClosed    bool
	err          error

	headerMu        sync.Mutex
	responseHeaders http.Header

	done     chan struct{}
	response Response
}

func newJob(ctx context.Context, reqID, renderID, method, rawURL string, opts Options) *Job {
	if opts.RenderType == "" {
		opts.RenderType = RenderHTML
	}
	jobCtx, cancel := context.WithCancel(ctx)
	return &Job{
		ReqID:      reqID,
		RenderID:   renderID,
		Method:     method,
		URL:        rawURL,
		RenderType: opts.RenderType,
		Options:    opts,
		TabHeaders: http.Header{},
		ctx:        jobCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Context returns the job's cancellation context. It is cancelled once the response is sent.
func (j *Job) Context() context.Context {
	return j.ctx
}

// Done is closed when the response has been assembled.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancelled reports whether the deadline fired. Read it from a hook or after Done.
func (j *Job) Cancelled() bool {
	return j.cancelled
}

// TimedOut reports whether the response was produced by the timeout.
func (j *Job) TimedOut() bool {
	return j.timedOut
}

// ResponseSent reports whether finish already produced the response.
func (j *Job) ResponseSent() bool {
	return j.responseSent
}

// Err returns the failure that ended the job early, if any. Read it after Done.
func (j *Job) Err() error {
	return j.err
}

// Response returns the assembled response. It is only valid after Done.
func (j *Job) Response() Response {
	return j.response
}

// ResponseHeaders returns a copy of the headers plugins set through their Responder.
func (j *Job) ResponseHeaders() http.Header {
	j.headerMu.Lock()
	defer j.headerMu.Unlock()
	return j.responseHeaders.Clone()
}

func (j *Job) setResponseHeader(key, value string) {
	j.headerMu.Lock()
	defer j.headerMu.Unlock()
	if j.responseHeaders == nil {
		j.responseHeaders = http.Header{}
	}
	j.responseHeaders.Set(key, value)
}

// suspend releases the job lock around fn, which must not touch job fields.
func (j *Job) suspend(fn func() error) error {
	j.mu.Unlock()
	defer j.mu.Lock()
	return fn()
}

func (j *Job) checkActive() error {
	if j.cancelled {
		return ErrRequestTimedOut
	}
	return nil
}
