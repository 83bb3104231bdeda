// Package playwright runs the shared browser through playwright-go. Playwright
// owns the Chromium process over a pipe, so there is no debugging port and no
// PID; a disconnect from the browser stands in for the process exit.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/browser"
)

const killWait = 5 * time.Second

var (
	// ErrNotRunning is returned when an operation needs a launched browser.
	ErrNotRunning = errors.New("playwright is not running")
	// ErrAlreadyRunning is returned by Spawn while a previous browser is alive.
	ErrAlreadyRunning = errors.New("playwright is already running")
)

// session is one Playwright driver process plus the Chromium it launched.
type session struct {
	runner  *pw.Playwright
	browser pw.Browser
	version string

	once sync.Once
	done chan struct{}
}

func (s *session) exit(onClose func(browser.CloseEvent)) {
	s.once.Do(func() {
		close(s.done)
		if onClose != nil {
			onClose(browser.CloseEvent{})
		}
	})
}

// Driver implements browser.Driver with playwright-go.
type Driver struct {
	logger *zap.Logger

	mu        sync.Mutex
	onClose   func(browser.CloseEvent)
	sess      *session
	connected bool
}

// New returns an idle Driver.
func New(logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{logger: logger}
}

// Name implements browser.Driver.
func (*Driver) Name() string { return "playwright" }

// Version implements browser.Driver.
func (d *Driver) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil || !d.connected {
		return ""
	}
	return d.sess.version
}

// PID implements browser.Driver. Playwright does not expose the browser PID.
func (*Driver) PID() int { return 0 }

// OnClose implements browser.Driver.
func (d *Driver) OnClose(fn func(browser.CloseEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = fn
}

// Spawn implements browser.Driver. It starts the Playwright driver, installing
// Chromium first when opts.Install is set, and launches the browser.
func (d *Driver) Spawn(ctx context.Context, opts browser.SpawnOptions) error {
	d.mu.Lock()
	if d.sess != nil {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	onClose := d.onClose
	d.mu.Unlock()

	runOpts := &pw.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if opts.Install {
		d.logger.Info("installing playwright chromium")
		if err := pw.Install(runOpts); err != nil {
			return fmt.Errorf("install playwright: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runner, err := pw.Run(runOpts)
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}

	launch := pw.BrowserTypeLaunchOptions{
		Headless: pw.Bool(true),
		Args:     launchArgs(opts.Flags),
	}
	if path := resolveExecPath(opts.ExecPath); path != "" {
		launch.ExecutablePath = pw.String(path)
	}
	if deadline, ok := ctx.Deadline(); ok {
		launch.Timeout = pw.Float(float64(time.Until(deadline).Milliseconds()))
	}
	b, err := runner.Chromium.Launch(launch)
	if err != nil {
		_ = runner.Stop()
		return fmt.Errorf("launch chromium: %w", err)
	}

	sess := &session{
		runner:  runner,
		browser: b,
		version: "Chromium/" + b.Version(),
		done:    make(chan struct{}),
	}
	b.OnDisconnected(func(pw.Browser) {
		d.logger.Info("playwright browser disconnected")
		d.mu.Lock()
		if d.sess == sess {
			d.connected = false
		}
		d.mu.Unlock()
		sess.exit(onClose)
	})

	d.mu.Lock()
	d.sess = sess
	d.connected = false
	d.mu.Unlock()

	d.logger.Info("playwright browser launched",
		zap.String("version", sess.version),
		zap.Strings("args", launch.Args),
	)
	return nil
}

// Connect implements browser.Driver. The launch already holds the connection,
// so this only checks it is still alive.
func (d *Driver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil {
		return ErrNotRunning
	}
	if !d.sess.browser.IsConnected() {
		return fmt.Errorf("chromium disconnected: %w", browser.ErrNotConnected)
	}
	d.connected = true
	return nil
}

func (d *Driver) current() (pw.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sess == nil || !d.connected {
		return nil, browser.ErrNotConnected
	}
	return d.sess.browser, nil
}

// Kill implements browser.Driver. It returns once the close callback has run.
func (d *Driver) Kill() error {
	d.mu.Lock()
	sess := d.sess
	onClose := d.onClose
	d.sess = nil
	d.connected = false
	d.mu.Unlock()
	if sess == nil {
		return nil
	}

	var errs []error
	if err := sess.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chromium: %w", err))
	}
	select {
	case <-sess.done:
	case <-time.After(killWait):
		d.logger.Warn("chromium did not report disconnect, closing anyway")
		sess.exit(onClose)
	}
	if err := sess.runner.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop playwright: %w", err))
	}
	return errors.Join(errs...)
}

// launchArgs drops flags Playwright manages itself.
func launchArgs(flags []string) []string {
	args := make([]string, 0, len(flags))
	for _, flag := range flags {
		flag = strings.TrimSpace(flag)
		switch {
		case flag == "":
		case strings.HasPrefix(flag, "--headless"):
		case strings.HasPrefix(flag, "--remote-debugging-port"):
		case strings.HasPrefix(flag, "--remote-debugging-pipe"):
		default:
			args = append(args, flag)
		}
	}
	return args
}

// resolveExecPath returns the configured browser, then CHROME_LOCATION, and
// otherwise "" so Playwright uses its bundled Chromium.
func resolveExecPath(configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv("CHROME_LOCATION")
}

// await runs fn and returns early when ctx ends. Playwright calls are not
// cancellable; an abandoned call finishes in the background.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
