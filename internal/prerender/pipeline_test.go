package prerender

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type hookPlugin struct {
	name string
	fn   Hook
}

func (p hookPlugin) Name() string { return p.name }

func (p hookPlugin) RequestReceived(job *Job, res *Responder, next Advance) {
	p.fn(job, res, next)
}

type namedOnly struct{ name string }

func (p namedOnly) Name() string { return p.name }

func lockedJob(t *testing.T) *Job {
	t.Helper()
	job := newJob(context.Background(), "req-1", "render-1", "GET", "https://example.com/", Options{})
	job.mu.Lock()
	t.Cleanup(job.mu.Unlock)
	return job
}

func TestPipeline_RunsPluginsInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	record := func(name string) Hook {
		return func(_ *Job, _ *Responder, next Advance) {
			order = append(order, name)
			next()
		}
	}
	p := NewPipeline(zap.NewNop(), 0)
	p.Add(hookPlugin{name: "first", fn: record("first")})
	p.Add(namedOnly{name: "no-hooks"})
	p.Add(hookPlugin{name: "second", fn: record("second")})

	out := p.Run(context.Background(), EventRequestReceived, lockedJob(t))
	require.False(t, out.IsShortCircuit())
	require.Equal(t, []string{"first", "second"}, order)
}

func TestPipeline_AdvanceIsIdempotent(t *testing.T) {
	t.Parallel()

	calls := 0
	p := NewPipeline(nil, 0)
	p.Add(hookPlugin{name: "twice", fn: func(_ *Job, _ *Responder, next Advance) {
		next()
		next()
	}})
	p.Add(hookPlugin{name: "counted", fn: func(_ *Job, _ *Responder, next Advance) {
		calls++
		next()
	}})

	out := p.Run(context.Background(), EventRequestReceived, lockedJob(t))
	require.False(t, out.IsShortCircuit())
	require.Equal(t, 1, calls)
}

func TestPipeline_SendShortCircuits(t *testing.T) {
	t.Parallel()

	reached := false
	p := NewPipeline(nil, 0)
	p.Add(hookPlugin{name: "gate", fn: func(_ *Job, res *Responder, next Advance) {
		res.SetHeader("X-Gate", "closed")
		res.Send(http.StatusNotFound, []byte("gone"))
		next()
	}})
	p.Add(hookPlugin{name: "after", fn: func(_ *Job, _ *Responder, next Advance) {
		reached = true
		next()
	}})

	job := lockedJob(t)
	out := p.Run(context.Background(), EventRequestReceived, job)
	require.True(t, out.IsShortCircuit())
	require.Equal(t, "gate", out.Plugin)
	require.Equal(t, http.StatusNotFound, out.Status)
	require.False(t, reached)
	require.Equal(t, http.StatusNotFound, job.StatusCode)
	require.Equal(t, []byte("gone"), job.Content)
	require.Equal(t, "closed", job.ResponseHeaders().Get("X-Gate"))
}

func TestPipeline_SendWithoutStatusKeepsJobStatus(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil, 0)
	p.Add(hookPlugin{name: "bare", fn: func(_ *Job, res *Responder, _ Advance) {
		res.Send(0, nil)
	}})

	job := lockedJob(t)
	job.StatusCode = http.StatusTeapot
	job.Content = []byte("kept")
	out := p.Run(context.Background(), EventRequestReceived, job)
	require.True(t, out.IsShortCircuit())
	require.Equal(t, http.StatusTeapot, job.StatusCode)
	require.Equal(t, []byte("kept"), job.Content)
}

func TestPipeline_PanicIsTreatedAsAdvance(t *testing.T) {
	t.Parallel()

	reached := false
	p := NewPipeline(nil, 0)
	p.Add(hookPlugin{name: "broken", fn: func(*Job, *Responder, Advance) {
		panic("boom")
	}})
	p.Add(hookPlugin{name: "after", fn: func(_ *Job, _ *Responder, next Advance) {
		reached = true
		next()
	}})

	out := p.Run(context.Background(), EventRequestReceived, lockedJob(t))
	require.False(t, out.IsShortCircuit())
	require.True(t, reached)
}

func TestPipeline_AsyncAdvanceReleasesJob(t *testing.T) {
	t.Parallel()

	p := NewPipeline(nil, 20*time.Millisecond)
	p.Add(hookPlugin{name: "async", fn: func(job *Job, _ *Responder, next Advance) {
		go func() {
			time.Sleep(30 * time.Millisecond)
			// Deadlocks unless Run released the job while waiting.
			job.mu.Lock()
			job.StatusCodeReason = "set later"
			job.mu.Unlock()
			next()
		}()
	}})

	job := lockedJob(t)
	out := p.Run(context.Background(), EventRequestReceived, job)
	require.False(t, out.IsShortCircuit())
	require.Equal(t, "set later", job.StatusCodeReason)
}

func TestPipeline_AbandonedWhenContextEnds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipeline(nil, 0)
	p.Add(hookPlugin{name: "stuck", fn: func(*Job, *Responder, Advance) {
		time.AfterFunc(10*time.Millisecond, cancel)
	}})

	job := lockedJob(t)
	job.StatusCode = http.StatusOK
	out := p.Run(ctx, EventRequestReceived, job)
	require.True(t, out.IsShortCircuit())
	require.Equal(t, "stuck", out.Plugin)
	require.Zero(t, out.Status)
	require.Equal(t, http.StatusOK, job.StatusCode)
}

func TestEventString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "requestReceived", EventRequestReceived.String())
	require.Equal(t, "beforeSend", EventBeforeSend.String())
	require.Equal(t, "event(99)", Event(99).String())
}

func TestPipeline_WatchdogLogsSlowPlugin(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	p := NewPipeline(zap.New(core), 20*time.Millisecond)
	p.Add(hookPlugin{name: "slow", fn: func(_ *Job, _ *Responder, next Advance) {
		time.AfterFunc(100*time.Millisecond, next)
	}})
	reached := false
	p.Add(hookPlugin{name: "after", fn: func(_ *Job, _ *Responder, next Advance) {
		reached = true
		next()
	}})

	out := p.Run(context.Background(), EventRequestReceived, lockedJob(t))
	require.False(t, out.IsShortCircuit())
	require.True(t, reached, "the stage keeps going once the slow plugin advances")

	entries := logs.FilterMessage("plugin has not advanced").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "slow", fields["plugin"])
	require.Equal(t, EventRequestReceived.String(), fields["event"])
}

func TestPipeline_WatchdogQuietForPromptPlugins(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	p := NewPipeline(zap.New(core), 20*time.Millisecond)
	p.Add(hookPlugin{name: "prompt", fn: func(_ *Job, _ *Responder, next Advance) { next() }})

	require.False(t, p.Run(context.Background(), EventRequestReceived, lockedJob(t)).IsShortCircuit())
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, logs.FilterMessage("plugin has not advanced").Len())
}
