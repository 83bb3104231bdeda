// Package chrome drives a locally spawned Chrome over the DevTools protocol
// using chromedp. The process is started with a remote debugging port and
// attached to with a remote allocator, so its lifetime is owned here rather
// than by chromedp.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/browser"
)

const (
	connectRetryInterval = 100 * time.Millisecond
	killWait             = 5 * time.Second
)

// ErrNotRunning is returned when an operation needs a spawned browser.
var ErrNotRunning = errors.New("chrome is not running")

// DefaultFlags are passed to Chrome when no flags are configured.
var DefaultFlags = []string{
	"--headless=new",
	"--disable-gpu",
	"--hide-scrollbars",
	"--no-first-run",
	"--no-default-browser-check",
}

// execCandidates are looked up on PATH when no executable is configured.
var execCandidates = []string{
	"google-chrome-stable",
	"google-chrome",
	"chromium",
	"chromium-browser",
	"chrome",
}

// Driver implements browser.Driver on top of chromedp.
type Driver struct {
	logger *zap.Logger

	mu            sync.Mutex
	onClose       func(browser.CloseEvent)
	cmd           *exec.Cmd
	pid           int
	port          int
	exited        chan struct{}
	browserCtx    context.Context
	browserCancel context.CancelFunc
	version       string
}

// New returns an idle Driver.
func New(logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{logger: logger}
}

// Name implements browser.Driver.
func (*Driver) Name() string { return "chrome" }

// Version implements browser.Driver. It is empty until Connect succeeds.
func (d *Driver) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// PID implements browser.Driver.
func (d *Driver) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

// OnClose implements browser.Driver.
func (d *Driver) OnClose(fn func(browser.CloseEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = fn
}

// Spawn implements browser.Driver. The process is not tied to ctx.
func (d *Driver) Spawn(_ context.Context, opts browser.SpawnOptions) error {
	path, err := resolveExecPath(opts.ExecPath)
	if err != nil {
		return err
	}
	port := opts.DebuggingPort
	if port <= 0 {
		port = 9222
	}
	args, port := buildArgs(opts.Flags, port)

	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", path, err)
	}

	exited := make(chan struct{})
	d.mu.Lock()
	onClose := d.onClose
	d.cmd = cmd
	d.pid = cmd.Process.Pid
	d.port = port
	d.exited = exited
	d.version = ""
	d.mu.Unlock()

	d.logger.Info("chrome process started",
		zap.String("path", path),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("args", args),
	)
	go d.wait(cmd, exited, onClose)
	return nil
}

func (d *Driver) wait(cmd *exec.Cmd, exited chan struct{}, onClose func(browser.CloseEvent)) {
	err := cmd.Wait()
	ev := closeEvent(cmd, err)
	d.disconnect(cmd)
	close(exited)
	if onClose != nil {
		onClose(ev)
	}
}

// Connect implements browser.Driver. It retries until the debugging endpoint
// answers, the process exits or ctx ends.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	cmd := d.cmd
	port := d.port
	exited := d.exited
	d.mu.Unlock()
	if cmd == nil {
		return ErrNotRunning
	}

	endpoint := "ws://127.0.0.1:" + strconv.Itoa(port) + "/"
	var lastErr error
	for attempt := 1; ; attempt++ {
		browserCtx, cancel, version, err := dial(ctx, endpoint)
		if err == nil {
			d.mu.Lock()
			if d.cmd != cmd {
				d.mu.Unlock()
				cancel()
				return fmt.Errorf("connect %s: %w", endpoint, ErrNotRunning)
			}
			d.browserCtx = browserCtx
			d.browserCancel = cancel
			d.version = version
			d.mu.Unlock()
			d.logger.Debug("devtools connected", zap.String("endpoint", endpoint), zap.Int("attempts", attempt))
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect %s after %d attempts: %w (last error: %v)", endpoint, attempt, ctx.Err(), lastErr)
		case <-exited:
			return fmt.Errorf("connect %s after %d attempts: %w (last error: %v)", endpoint, attempt, ErrNotRunning, lastErr)
		case <-time.After(connectRetryInterval):
		}
	}
}

func dial(ctx context.Context, endpoint string) (context.Context, context.CancelFunc, string, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), endpoint)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	stop := forwardCancel(ctx, cancel)
	defer stop()

	var product string
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		_, product, _, _, _, err = cdpbrowser.GetVersion().Do(ctx)
		return err
	}))
	if err != nil {
		cancel()
		return nil, nil, "", fmt.Errorf("devtools handshake: %w", err)
	}
	return browserCtx, cancel, product, nil
}

func (d *Driver) session() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx == nil {
		return nil, browser.ErrNotConnected
	}
	return d.browserCtx, nil
}

func (d *Driver) disconnect(cmd *exec.Cmd) {
	d.mu.Lock()
	if cmd != nil && d.cmd != cmd {
		d.mu.Unlock()
		return
	}
	cancel := d.browserCancel
	d.browserCtx = nil
	d.browserCancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Kill implements browser.Driver. It waits for the process to exit so the
// close callback has run before it returns.
func (d *Driver) Kill() error {
	d.mu.Lock()
	cmd := d.cmd
	exited := d.exited
	d.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill chrome pid %d: %w", cmd.Process.Pid, err)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("chrome pid %d did not exit within %s", cmd.Process.Pid, killWait)
	}
}

func resolveExecPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv("CHROME_LOCATION"); env != "" {
		return env, nil
	}
	for _, name := range execCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no chrome executable found (tried %s)", strings.Join(execCandidates, ", "))
}

// buildArgs appends the debugging port unless the flags already pin one, in
// which case the pinned port wins.
func buildArgs(flags []string, port int) ([]string, int) {
	if len(flags) == 0 {
		flags = DefaultFlags
	}
	args := make([]string, 0, len(flags)+1)
	hasPort := false
	for _, f := range flags {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if v, ok := strings.CutPrefix(f, "--remote-debugging-port="); ok {
			if pinned, err := strconv.Atoi(v); err == nil && pinned > 0 {
				port = pinned
				hasPort = true
			} else {
				continue
			}
		}
		args = append(args, f)
	}
	if !hasPort {
		args = append(args, "--remote-debugging-port="+strconv.Itoa(port))
	}
	return args, port
}

// forwardCancel calls cancel when parent ends. The returned func stops forwarding.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
