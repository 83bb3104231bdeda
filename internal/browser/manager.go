package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/prerender/internal/metrics"
)

// State is the lifecycle state of the shared browser process.
type State int

// Lifecycle states.
const (
	StateStopped State = iota
	StateSpawning
	StateConnecting
	StateConnected
	StateClosing
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateSpawning:
		return "spawning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// crashLoopUptime is the minimum uptime an unexpected exit needs to be retried.
const crashLoopUptime = time.Second

var (
	// ErrCrashLoop reports a browser that died right after starting. It is fatal.
	ErrCrashLoop = errors.New("browser crash loop")
	// ErrNotConnected reports an operation that needs a connected browser.
	ErrNotConnected = errors.New("browser not connected")
	// ErrStopped reports a restart refused because the browser was killed on purpose.
	ErrStopped = errors.New("browser stopped")

	errStartInterrupted = errors.New("browser exited while starting")
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config controls how the Manager runs its Driver.
type Config struct {
	Spawn SpawnOptions
	// RestartPeriod is the idle time after which a maintenance restart is due. Zero disables it.
	RestartPeriod time.Duration
	// StartTimeout bounds every spawn+connect cycle.
	StartTimeout time.Duration
}

// Hooks connects the Manager to the rest of the server.
type Hooks struct {
	// Connected runs after every successful connect.
	Connected func()
	// Stopped runs after an intentional Kill.
	Stopped func()
	// InFlight reports the number of unfinished jobs, for diagnostics.
	InFlight func() int
	// Fatal runs when the browser is crash looping. It is expected to end the process.
	Fatal func(error)
}

// Manager owns the single browser process shared by every job.
type Manager struct {
	driver Driver
	cfg    Config
	clock  Clock
	logger *zap.Logger
	spawns singleflight.Group

	mu          sync.Mutex
	hooks       Hooks
	state       State
	connected   bool
	closing     bool
	killed      bool
	interrupted bool
	startCancel context.CancelFunc
	generation  uint64
	startedAt   time.Time
	lastRestart time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the Manager's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager wraps driver. The process is not started until Start.
func NewManager(driver Driver, cfg Config, opts ...Option) *Manager {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = time.Minute
	}
	m := &Manager{
		driver: driver,
		cfg:    cfg,
		clock:  wallClock{},
		logger: zap.NewNop(),
		state:  StateStopped,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHooks installs the server callbacks. Call it before Start.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// Driver returns the automation backend.
func (m *Manager) Driver() Driver {
	return m.driver
}

// IsConnected reports whether the browser accepts new tabs.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastRestart returns when the browser last finished connecting.
func (m *Manager) LastRestart() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRestart
}

// Start spawns and connects the browser. Concurrent calls share one attempt.
// It also lifts a previous Kill, so later automatic restarts may run again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.killed = false
	m.mu.Unlock()
	return m.launch(ctx)
}

// launch runs start, again whenever the browser exits before connecting.
func (m *Manager) launch(ctx context.Context) error {
	for {
		_, err, _ := m.spawns.Do("start", func() (any, error) {
			return nil, m.start(ctx)
		})
		if !errors.Is(err, errStartInterrupted) || ctx.Err() != nil {
			return err
		}
		m.logger.Warn("browser exited while starting, starting again")
	}
}

func (m *Manager) start(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, m.cfg.StartTimeout)
	defer cancel()

	m.mu.Lock()
	if m.killed {
		m.mu.Unlock()
		return ErrStopped
	}
	m.generation++
	gen := m.generation
	m.state = StateSpawning
	m.connected = false
	m.closing = false
	m.interrupted = false
	m.startCancel = cancel
	m.startedAt = m.clock.Now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if gen == m.generation {
			m.startCancel = nil
		}
		m.mu.Unlock()
	}()

	m.driver.OnClose(m.closeHandler(gen))

	m.logger.Info("starting browser", zap.String("driver", m.driver.Name()))
	if err := m.driver.Spawn(ctx, m.cfg.Spawn); err != nil {
		return m.failStart(gen, "spawn", err)
	}

	m.mu.Lock()
	if m.killed {
		m.mu.Unlock()
		return m.killStarted()
	}
	if !m.interrupted {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	if err := m.driver.Connect(ctx); err != nil {
		return m.failStart(gen, "connect", err)
	}

	m.mu.Lock()
	switch {
	case m.killed:
		m.mu.Unlock()
		return m.killStarted()
	case gen != m.generation || m.closing:
		m.mu.Unlock()
		return fmt.Errorf("browser replaced while connecting: %w", ErrNotConnected)
	case m.interrupted:
		m.mu.Unlock()
		return fmt.Errorf("connect %s: %w", m.driver.Name(), errStartInterrupted)
	}
	m.state = StateConnected
	m.connected = true
	m.lastRestart = m.clock.Now()
	connected := m.hooks.Connected
	m.mu.Unlock()

	m.logger.Info("connected to browser",
		zap.String("driver", m.driver.Name()),
		zap.String("version", m.driver.Version()),
		zap.Int("pid", m.driver.PID()),
	)
	if connected != nil {
		connected()
	}
	return nil
}

// failStart ends a start whose spawn or connect failed. A failure caused by
// the process exiting mid-start is reported as errStartInterrupted so launch
// tries again; anything else kills what was started.
func (m *Manager) failStart(gen uint64, step string, cause error) error {
	m.mu.Lock()
	interrupted := m.interrupted && gen == m.generation && !m.killed
	m.mu.Unlock()
	if interrupted {
		return fmt.Errorf("%s %s: %w: %w", step, m.driver.Name(), errStartInterrupted, cause)
	}
	m.abortStart(cause)
	return fmt.Errorf("%s %s: %w", step, m.driver.Name(), cause)
}

// killStarted tears down a browser that came up after Kill.
func (m *Manager) killStarted() error {
	m.logger.Info("browser killed while starting, stopping it")
	if err := m.driver.Kill(); err != nil {
		m.logger.Warn("kill after stop failed", zap.Error(err))
	}
	return ErrStopped
}

func (m *Manager) abortStart(cause error) {
	m.logger.Error("browser start failed", zap.Error(cause))
	m.mu.Lock()
	m.closing = true
	m.connected = false
	m.state = StateStopped
	m.mu.Unlock()
	if err := m.driver.Kill(); err != nil {
		m.logger.Warn("kill after failed start", zap.Error(err))
	}
}

func (m *Manager) closeHandler(gen uint64) func(CloseEvent) {
	return func(ev CloseEvent) {
		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			m.logger.Debug("ignoring exit of replaced browser process", zap.Int("pid", ev.PID))
			return
		}
		m.connected = false
		uptime := m.clock.Now().Sub(m.startedAt)
		fields := []zap.Field{
			zap.Int("code", ev.Code),
			zap.String("signal", ev.Signal),
			zap.Int("pid", ev.PID),
			zap.Int64("uptime_ms", uptime.Milliseconds()),
		}

		if m.closing {
			m.state = StateStopped
			m.mu.Unlock()
			m.logger.Info("browser closed", fields...)
			return
		}

		starting := m.state == StateSpawning || m.state == StateConnecting
		m.state = StateCrashed
		fatal := m.hooks.Fatal
		cancelStart := m.startCancel
		if starting && uptime >= crashLoopUptime {
			m.interrupted = true
		}
		m.mu.Unlock()

		if starting && cancelStart != nil {
			cancelStart()
		}

		if uptime < crashLoopUptime {
			m.logger.Error("browser exited immediately after starting", fields...)
			err := fmt.Errorf("%w: exited after %s", ErrCrashLoop, uptime)
			if fatal != nil {
				fatal(err)
				return
			}
			m.logger.Fatal("browser crash loop", zap.Error(err))
			return
		}

		m.logger.Warn("browser disconnected unexpectedly, restarting", fields...)
		metrics.ObserveBrowserRestart("disconnect")
		if starting {
			// the interrupted start launches the replacement itself
			return
		}
		go m.restartDetached()
	}
}

func (m *Manager) restartDetached() {
	err := m.launch(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrStopped):
		m.logger.Info("browser restart skipped, browser was stopped")
	default:
		m.logger.Error("browser restart failed", zap.Error(err))
	}
}

// Kill stops the browser on purpose. No restart follows, and a start already
// under way is cancelled.
func (m *Manager) Kill() error {
	m.mu.Lock()
	m.closing = true
	m.killed = true
	m.connected = false
	m.state = StateClosing
	uptime := m.clock.Now().Sub(m.startedAt)
	hooks := m.hooks
	cancelStart := m.startCancel
	m.mu.Unlock()

	if cancelStart != nil {
		cancelStart()
	}

	inFlight := 0
	if hooks.InFlight != nil {
		inFlight = hooks.InFlight()
	}
	m.logger.Info("killing browser",
		zap.Int("pid", m.driver.PID()),
		zap.Int("in_flight", inFlight),
		zap.Int64("uptime_ms", uptime.Milliseconds()),
	)

	err := m.driver.Kill()
	if hooks.Stopped != nil {
		hooks.Stopped()
	}
	if err != nil {
		return fmt.Errorf("kill %s: %w", m.driver.Name(), err)
	}
	return nil
}

// Restart replaces the running browser with a fresh process. It refuses with
// ErrStopped after Kill.
func (m *Manager) Restart(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.killed {
		m.mu.Unlock()
		return ErrStopped
	}
	m.connected = false
	m.closing = true
	m.state = StateClosing
	m.mu.Unlock()

	m.logger.Info("restarting browser", zap.String("reason", reason), zap.Int("pid", m.driver.PID()))
	metrics.ObserveBrowserRestart(reason)
	if err := m.driver.Kill(); err != nil {
		m.logger.Warn("kill before restart failed", zap.Error(err))
	}
	return m.launch(ctx)
}

// ClaimIdleRestart reports whether an idle maintenance restart is due. When it
// returns true it has already moved lastRestart to now, so concurrent callers
// see at most one true.
func (m *Manager) ClaimIdleRestart(registryEmpty bool) bool {
	if !registryEmpty || m.cfg.RestartPeriod <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return false
	}
	now := m.clock.Now()
	if now.Sub(m.lastRestart) <= m.cfg.RestartPeriod {
		return false
	}
	m.lastRestart = now
	return true
}

// RestartDetached runs Restart in the background with the Manager's start timeout.
func (m *Manager) RestartDetached(reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
		defer cancel()
		if err := m.Restart(ctx, reason); err != nil {
			m.logger.Error("browser restart failed", zap.String("reason", reason), zap.Error(err))
		}
	}()
}
