package browser_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/prerender/internal/browser"
)

func TestSettler(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := browser.NewSettler(500 * time.Millisecond)
	s.Begin(start)
	require.False(t, s.Settled(start.Add(time.Minute)), "load event not fired yet")

	s.Loaded()
	s.RequestStarted("doc", start)
	s.RequestStarted("doc", start.Add(10*time.Millisecond))
	s.RequestStarted("img", start.Add(20*time.Millisecond))
	require.Equal(t, 2, s.InFlight())
	require.False(t, s.Settled(start.Add(time.Minute)))

	s.RequestDone("doc", start.Add(100*time.Millisecond))
	s.RequestDone("img", start.Add(200*time.Millisecond))
	s.RequestDone("img", start.Add(900*time.Millisecond))
	require.Zero(t, s.InFlight())
	require.False(t, s.Settled(start.Add(600*time.Millisecond)))
	require.True(t, s.Settled(start.Add(700*time.Millisecond)), "quiet period measured from the last finished request")
}

func TestSettler_DefaultQuietPeriod(t *testing.T) {
	t.Parallel()

	start := time.Now()
	s := browser.NewSettler(0)
	s.Begin(start)
	s.Loaded()
	require.False(t, s.Settled(start.Add(400*time.Millisecond)))
	require.True(t, s.Settled(start.Add(browser.DefaultWaitAfterLastRequest)))
}

func TestPageDone(t *testing.T) {
	t.Parallel()

	require.True(t, browser.PageDone(true, ""))
	require.True(t, browser.PageDone(true, "true"))
	require.False(t, browser.PageDone(true, "false"))
	require.False(t, browser.PageDone(false, "true"))
	require.False(t, browser.PageDone(false, ""))
}

func TestLoadTimings(t *testing.T) {
	t.Parallel()

	interval, timeout := browser.LoadTimings(browser.TabOptions{})
	require.Equal(t, browser.DefaultPageDoneCheckInterval, interval)
	require.Equal(t, browser.DefaultPageLoadTimeout, timeout)

	interval, timeout = browser.LoadTimings(browser.TabOptions{PageDoneCheckInterval: time.Second, PageLoadTimeout: time.Minute})
	require.Equal(t, time.Second, interval)
	require.Equal(t, time.Minute, timeout)
}

func TestDocumentScript(t *testing.T) {
	t.Parallel()

	require.True(t, strings.HasSuffix(browser.DocumentScript(true), "})(true)"))
	require.True(t, strings.HasSuffix(browser.DocumentScript(false), "})(false)"))
}
