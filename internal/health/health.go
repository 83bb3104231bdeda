// Package health probes the browser lifecycle state for the health endpoint.
// Checks are read-only: they never touch jobs or the in-flight registry.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/prerender/internal/browser"
)

// Status values reported for a check and for the aggregate.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CodeBrowserDisconnected is reported when the browser connectivity check fails.
const CodeBrowserDisconnected = "BROWSER_DISCONNECTED"

const defaultCheckTimeout = 2 * time.Second

// ErrNoChecks is returned when the Reporter has nothing to run.
var ErrNoChecks = errors.New("no health checks registered")

// CheckError is a failed check with a machine readable code.
type CheckError struct {
	Code    string
	Message string
}

func (e *CheckError) Error() string {
	return e.Message
}

// Check is one bounded probe.
type Check interface {
	Name() string
	Run(ctx context.Context) (map[string]any, error)
}

// CheckResult is the outcome of one Check.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	LatencyMs int64          `json:"latencyMs"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}

// Report aggregates every check.
type Report struct {
	Status    string        `json:"status"`
	LatencyMs int64         `json:"latencyMs"`
	Checks    []CheckResult `json:"checks"`
	// Error and Code come from the first failed check.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	return r.Status == StatusOK
}

// Reporter runs its checks concurrently, each bounded by a timeout.
type Reporter struct {
	checks  []Check
	timeout time.Duration
	logger  *zap.Logger
}

// NewReporter returns a Reporter. A non-positive timeout uses two seconds per check.
func NewReporter(timeout time.Duration, logger *zap.Logger, checks ...Check) *Reporter {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{checks: checks, timeout: timeout, logger: logger}
}

// Run executes every check and aggregates the results in registration order.
func (r *Reporter) Run(ctx context.Context) (Report, error) {
	if len(r.checks) == 0 {
		return Report{Status: StatusError}, ErrNoChecks
	}
	start := time.Now()
	results := make([]CheckResult, len(r.checks))

	var g errgroup.Group
	for i, check := range r.checks {
		g.Go(func() error {
			results[i] = r.runOne(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    StatusOK,
		LatencyMs: time.Since(start).Milliseconds(),
		Checks:    results,
	}
	for _, res := range results {
		if res.Status == StatusOK {
			continue
		}
		report.Status = StatusError
		if report.Error == "" {
			report.Error = res.Error
			report.Code = res.Code
		}
	}
	if !report.OK() {
		r.logger.Warn("health check failed", zap.String("error", report.Error), zap.String("code", report.Code))
	}
	return report, nil
}

func (r *Reporter) runOne(ctx context.Context, check Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()

	type outcome struct {
		details map[string]any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		details, err := check.Run(ctx)
		done <- outcome{details: details, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("check %s: %w", check.Name(), ctx.Err())
	}

	res := CheckResult{
		Name:      check.Name(),
		Status:    StatusOK,
		LatencyMs: time.Since(start).Milliseconds(),
		Details:   out.details,
	}
	if out.err != nil {
		res.Status = StatusError
		res.Error = out.err.Error()
		var ce *CheckError
		if errors.As(out.err, &ce) {
			res.Code = ce.Code
		}
	}
	return res
}

// StateSource is the part of the browser manager the connectivity check reads.
type StateSource interface {
	IsConnected() bool
	State() browser.State
	LastRestart() time.Time
}

// BrowserCheck reports whether the browser is connected.
type BrowserCheck struct {
	source StateSource
}

// NewBrowserCheck returns a connectivity check over source.
func NewBrowserCheck(source StateSource) *BrowserCheck {
	return &BrowserCheck{source: source}
}

// Name implements Check.
func (*BrowserCheck) Name() string { return "browser" }

// Run implements Check.
func (c *BrowserCheck) Run(context.Context) (map[string]any, error) {
	details := map[string]any{
		"state": c.source.State().String(),
	}
	if last := c.source.LastRestart(); !last.IsZero() {
		details["lastRestart"] = last.UTC().Format(time.RFC3339)
	}
	if !c.source.IsConnected() {
		return details, &CheckError{Code: CodeBrowserDisconnected, Message: "browser is not connected"}
	}
	details["connected"] = true
	return details, nil
}
