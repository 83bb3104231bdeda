package prerender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/metrics"
)

// Event names a pipeline stage.
type Event int

// Pipeline stages in lifecycle order.
const (
	EventRequestReceived Event = iota
	EventConnectingToBrowserStarted
	EventConnectedToBrowser
	EventTabCreated
	EventTabNavigated
	EventBeforeParse
	EventPageLoaded
	EventBeforeSend
)

func (e Event) String() string {
	switch e {
	case EventRequestReceived:
		return "requestReceived"
	case EventConnectingToBrowserStarted:
		return "connectingToBrowserStarted"
	case EventConnectedToBrowser:
		return "connectedToBrowser"
	case EventTabCreated:
		return "tabCreated"
	case EventTabNavigated:
		return "tabNavigated"
	case EventBeforeParse:
		return "beforeParse"
	case EventPageLoaded:
		return "pageLoaded"
	case EventBeforeSend:
		return "beforeSend"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// DefaultPluginWatchdog is how long a hook may sit without advancing before it is reported.
const DefaultPluginWatchdog = 10 * time.Second

// Plugin is the base every extension implements. Hooks are opt-in through the
// interfaces below; a plugin without a hook for a stage is skipped.
type Plugin interface {
	Name() string
}

// Initializer is implemented by plugins that need the server at registration.
type Initializer interface {
	Init(s *Server) error
}

// Advance moves the stage on to the next plugin. Extra calls are ignored.
type Advance func()

// Hook is the signature shared by every stage hook.
type Hook func(job *Job, res *Responder, next Advance)

// RequestReceivedHook runs before the URL is validated.
type RequestReceivedHook interface {
	RequestReceived(job *Job, res *Responder, next Advance)
}

// ConnectingToBrowserStartedHook runs before the job waits for the browser.
type ConnectingToBrowserStartedHook interface {
	ConnectingToBrowserStarted(job *Job, res *Responder, next Advance)
}

// ConnectedToBrowserHook runs after every browser connect, with a job that carries no request.
type ConnectedToBrowserHook interface {
	ConnectedToBrowser(job *Job, res *Responder, next Advance)
}

// TabCreatedHook runs after the job's tab opens.
type TabCreatedHook interface {
	TabCreated(job *Job, res *Responder, next Advance)
}

// TabNavigatedHook runs once navigation commits.
type TabNavigatedHook interface {
	TabNavigated(job *Job, res *Responder, next Advance)
}

// BeforeParseHook runs after loading and scripting, before extraction.
type BeforeParseHook interface {
	BeforeParse(job *Job, res *Responder, next Advance)
}

// PageLoadedHook runs after extraction with the page result on the job.
type PageLoadedHook interface {
	PageLoaded(job *Job, res *Responder, next Advance)
}

// BeforeSendHook runs in finish, right before the response is assembled.
type BeforeSendHook interface {
	BeforeSend(job *Job, res *Responder, next Advance)
}

func hookFor(p Plugin, event Event) Hook {
	switch event {
	case EventRequestReceived:
		if h, ok := p.(RequestReceivedHook); ok {
			return h.RequestReceived
		}
	case EventConnectingToBrowserStarted:
		if h, ok := p.(ConnectingToBrowserStartedHook); ok {
			return h.ConnectingToBrowserStarted
		}
	case EventConnectedToBrowser:
		if h, ok := p.(ConnectedToBrowserHook); ok {
			return h.ConnectedToBrowser
		}
	case EventTabCreated:
		if h, ok := p.(TabCreatedHook); ok {
			return h.TabCreated
		}
	case EventTabNavigated:
		if h, ok := p.(TabNavigatedHook); ok {
			return h.TabNavigated
		}
	case EventBeforeParse:
		if h, ok := p.(BeforeParseHook); ok {
			return h.BeforeParse
		}
	case EventPageLoaded:
		if h, ok := p.(PageLoadedHook); ok {
			return h.PageLoaded
		}
	case EventBeforeSend:
		if h, ok := p.(BeforeSendHook); ok {
			return h.BeforeSend
		}
	}
	return nil
}

// Outcome is the result of one stage.
type Outcome struct {
	shortCircuit bool
	// Status and Content are what the plugin passed to Send; zero values mean "left unchanged".
	Status  int
	Content []byte
	// Plugin names the plugin that ended the stage.
	Plugin string
}

// Continue is the outcome of a stage every plugin advanced through.
func Continue() Outcome {
	return Outcome{}
}

// ShortCircuit is the outcome of a stage a plugin answered early.
func ShortCircuit(status int, content []byte) Outcome {
	return Outcome{shortCircuit: true, Status: status, Content: content}
}

// IsShortCircuit reports whether the job must stop after this stage.
func (o Outcome) IsShortCircuit() bool {
	return o.shortCircuit
}

// Responder is the response proxy handed to a hook.
type Responder struct {
	job     *Job
	resolve func(step)
}

// Send answers the job now: it records status and content (when non-zero) and
// skips every remaining plugin and stage.
func (r *Responder) Send(status int, content []byte) {
	r.resolve(step{send: true, status: status, content: content})
}

// SetHeader sets a header on the eventual response.
func (r *Responder) SetHeader(key, value string) {
	r.job.setResponseHeader(key, value)
}

type step struct {
	send      bool
	abandoned bool
	status    int
	content   []byte
}

// Pipeline runs stages over the registered plugins in registration order.
type Pipeline struct {
	mu       sync.RWMutex
	plugins  []Plugin
	watchdog time.Duration
	logger   *zap.Logger
}

// NewPipeline returns an empty Pipeline.
func NewPipeline(logger *zap.Logger, watchdog time.Duration) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if watchdog <= 0 {
		watchdog = DefaultPluginWatchdog
	}
	return &Pipeline{logger: logger, watchdog: watchdog}
}

// Add appends a plugin.
func (p *Pipeline) Add(plugin Plugin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plugins = append(p.plugins, plugin)
}

// Plugins returns the registered plugins in order.
func (p *Pipeline) Plugins() []Plugin {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Plugin(nil), p.plugins...)
}

// Run executes one stage for job. The caller holds job.mu; Run releases it
// only while waiting on a hook that has not advanced yet.
func (p *Pipeline) Run(ctx context.Context, event Event, job *Job) Outcome {
	for _, plugin := range p.Plugins() {
		hook := hookFor(plugin, event)
		if hook == nil {
			continue
		}
		result := p.invoke(ctx, event, plugin, hook, job)
		switch {
		case result.abandoned:
			return Outcome{shortCircuit: true, Plugin: plugin.Name()}
		case result.send:
			if result.status != 0 {
				job.StatusCode = result.status
			}
			if result.content != nil {
				job.Content = result.content
			}
			metrics.ObserveShortCircuit(event.String(), plugin.Name())
			p.logger.Debug("plugin short-circuited stage",
				zap.String("event", event.String()),
				zap.String("plugin", plugin.Name()),
				zap.String("req_id", job.ReqID),
				zap.Int("status", job.StatusCode),
			)
			out := ShortCircuit(result.status, result.content)
			out.Plugin = plugin.Name()
			return out
		}
	}
	return Continue()
}

func (p *Pipeline) invoke(ctx context.Context, event Event, plugin Plugin, hook Hook, job *Job) step {
	signal := make(chan step, 1)
	var once sync.Once
	resolve := func(s step) {
		once.Do(func() { signal <- s })
	}
	next := func() { resolve(step{}) }

	watchdog := time.AfterFunc(p.watchdog, func() {
		p.logger.Warn("plugin has not advanced",
			zap.String("event", event.String()),
			zap.String("plugin", plugin.Name()),
			zap.String("req_id", job.ReqID),
			zap.Duration("waited", p.watchdog),
		)
	})
	defer watchdog.Stop()

	p.call(event, plugin, hook, job, &Responder{job: job, resolve: resolve}, next)

	select {
	case s := <-signal:
		return s
	default:
	}

	job.mu.Unlock()
	defer job.mu.Lock()
	select {
	case s := <-signal:
		return s
	case <-ctx.Done():
		return step{abandoned: true}
	}
}

func (p *Pipeline) call(event Event, plugin Plugin, hook Hook, job *Job, res *Responder, next Advance) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("plugin failed, continuing",
				zap.String("event", event.String()),
				zap.String("plugin", plugin.Name()),
				zap.String("req_id", job.ReqID),
				zap.Any("panic", rec),
			)
			next()
		}
	}()
	hook(job, res, next)
}
