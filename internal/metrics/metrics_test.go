package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if renderRequestsTotal == nil || renderPhaseSeconds == nil || renderInFlight == nil ||
		browserRestartsTotal == nil || pluginShortCircuitsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveRender(t *testing.T) {
	before := testutil.ToFloat64(renderCounter(t, "200", "png"))
	ObserveRender(200, "png")
	ObserveRender(200, "png")
	if got := testutil.ToFloat64(renderCounter(t, "200", "png")) - before; got != 2 {
		t.Errorf("expected 2 png renders, got %f", got)
	}
}

// phaseRuns keeps phase labels unique when the test runs more than once in a process.
var phaseRuns atomic.Int64

func TestObservePhaseSkipsZero(t *testing.T) {
	Init()
	run := phaseRuns.Add(1)
	before := testutil.CollectAndCount(renderPhaseSeconds)
	ObservePhase(fmt.Sprintf("phase_test_zero_%d", run), 0)
	if got := testutil.CollectAndCount(renderPhaseSeconds); got != before {
		t.Errorf("expected zero duration to be skipped, series went from %d to %d", before, got)
	}
	ObservePhase(fmt.Sprintf("phase_test_positive_%d", run), 150*time.Millisecond)
	if got := testutil.CollectAndCount(renderPhaseSeconds); got != before+1 {
		t.Errorf("expected a new series, got %d (was %d)", got, before)
	}
}

func TestSetInFlightAndRestarts(t *testing.T) {
	SetInFlight(3)
	if got := testutil.ToFloat64(renderInFlight); got != 3 {
		t.Errorf("expected in-flight gauge 3, got %f", got)
	}
	SetInFlight(0)
	if got := testutil.ToFloat64(renderInFlight); got != 0 {
		t.Errorf("expected in-flight gauge 0, got %f", got)
	}

	before := testutil.ToFloat64(browserRestartsTotal.WithLabelValues("periodic-idle-check"))
	ObserveBrowserRestart("periodic-idle-check")
	if got := testutil.ToFloat64(browserRestartsTotal.WithLabelValues("periodic-idle-check")) - before; got != 1 {
		t.Errorf("expected one restart, got %f", got)
	}

	ObserveShortCircuit("requestReceived", "skipStaticAssets")
	if got := testutil.ToFloat64(pluginShortCircuitsTotal.WithLabelValues("requestReceived", "skipStaticAssets")); got < 1 {
		t.Errorf("expected short-circuit to be counted, got %f", got)
	}
}

func renderCounter(t *testing.T, status, renderType string) prometheus.Counter {
	t.Helper()
	Init()
	return renderRequestsTotal.WithLabelValues(status, renderType)
}
