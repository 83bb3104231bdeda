package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/browser"
	"github.com/JakeFAU/prerender/internal/browser/browsertest"
	"github.com/JakeFAU/prerender/internal/browser/chrome"
	"github.com/JakeFAU/prerender/internal/browser/playwright"
	"github.com/JakeFAU/prerender/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Browser.ConnectPollInterval = 5 * time.Millisecond
	return cfg
}

func TestNewDriver(t *testing.T) {
	t.Parallel()

	d, err := newDriver(config.BrowserConfig{Driver: "chrome"}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &chrome.Driver{}, d)

	d, err = newDriver(config.BrowserConfig{Driver: "playwright"}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &playwright.Driver{}, d)

	_, err = newDriver(config.BrowserConfig{Driver: "firefox"}, zap.NewNop())
	require.Error(t, err)
}

func TestBuild_ServesRenders(t *testing.T) {
	driver := browsertest.New()
	driver.Pages["https://example.com/"] = browsertest.Page{
		Status: http.StatusOK,
		HTML:   `<html><head><script>app()</script></head><body>rendered</body></html>`,
	}
	app, err := build(context.Background(), testConfig(t), "test", zap.NewNop(), driver)
	require.NoError(t, err)
	require.NoError(t, app.render.Start(context.Background()))
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/https://example.com/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "rendered")
	require.NotContains(t, rec.Body.String(), "app()", "script tags are stripped by default")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	driver := browsertest.New()
	app, err := build(context.Background(), testConfig(t), "test", zap.NewNop(), driver)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, app.manager.IsConnected, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, 1, driver.Kills())
	require.Equal(t, browser.StateStopped, app.manager.State())
}

func TestRun_ReturnsFatalError(t *testing.T) {
	driver := browsertest.New()
	driver.SpawnErr = errors.New("no chrome here")
	app, err := build(context.Background(), testConfig(t), "test", zap.NewNop(), driver)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorContains(t, err, "no chrome here")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a fatal start error")
	}
}
