package prerender

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func registryJob(id, url string) *Job {
	return newJob(context.Background(), id, "render-"+id, "GET", url, Options{})
}

func TestRegistry_AddBeforeResetIsSkipped(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(zap.NewNop())
	job := registryJob("a", "https://example.com/")

	require.False(t, reg.Ready())
	require.False(t, reg.Add(job))
	require.False(t, reg.Remove(job))
	require.Zero(t, reg.Size())
	require.True(t, reg.IsEmpty())
}

func TestRegistry_AddRemove(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	reg.Reset()
	require.True(t, reg.Ready())

	a := registryJob("a", "https://example.com/a")
	b := registryJob("b", "https://example.com/b")
	require.True(t, reg.Add(a))
	require.True(t, reg.Add(b))
	require.Equal(t, 2, reg.Size())
	require.True(t, reg.Has("a"))

	require.True(t, reg.Remove(a))
	require.False(t, reg.Remove(a), "second remove reports the key as missing")
	require.Equal(t, []string{"b:https://example.com/b"}, reg.Sample(3))
	require.True(t, reg.Remove(b))
	require.True(t, reg.IsEmpty())
}

func TestRegistry_ResetForgetsOrphans(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	reg.Reset()
	require.True(t, reg.Add(registryJob("a", "https://example.com/")))

	reg.Reset()
	require.True(t, reg.Ready())
	require.Zero(t, reg.Size())
}

func TestRegistry_DropRefusesAdmission(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	reg.Reset()
	reg.Drop()
	require.False(t, reg.Ready())
	require.False(t, reg.Add(registryJob("a", "https://example.com/")))
}

func TestRegistry_SampleIsBounded(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	reg.Reset()
	for i := range 10 {
		require.True(t, reg.Add(registryJob(fmt.Sprintf("job-%d", i), "https://example.com/")))
	}
	require.Len(t, reg.Sample(registrySampleSize), registrySampleSize)
	require.Len(t, reg.Sample(20), 10)
}
