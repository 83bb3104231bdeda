package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/browser"
	"github.com/JakeFAU/prerender/internal/browser/browsertest"
	"github.com/JakeFAU/prerender/internal/config"
	"github.com/JakeFAU/prerender/internal/health"
	"github.com/JakeFAU/prerender/internal/id/uuid"
	"github.com/JakeFAU/prerender/internal/prerender"
)

type testEnv struct {
	api    *Server
	render *prerender.Server
	driver *browsertest.Driver
}

func newTestEnv(t *testing.T, start bool) *testEnv {
	t.Helper()
	driver := browsertest.New()
	mgr := browser.NewManager(driver, browser.Config{})
	srv := prerender.NewServer(prerender.Config{
		Render: config.RenderConfig{
			RequestTimeout:        5 * time.Second,
			RenderErrorStatusCode: http.StatusGatewayTimeout,
		},
		ConnectPollInterval: 5 * time.Millisecond,
		ConnectMaxChecks:    10,
	}, mgr, uuid.New(uuid.V4), func(err error) { t.Errorf("unexpected fatal: %v", err) })
	if start {
		require.NoError(t, srv.Start(context.Background()))
	}
	reporter := health.NewReporter(time.Second, nil, health.NewBrowserCheck(mgr))
	api := NewServer(srv, reporter, config.ServerConfig{HealthCheckPath: "/health"}, zap.NewNop())
	return &testEnv{api: api, render: srv, driver: driver}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health_Connected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var payload healthPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload.Status)
	require.GreaterOrEqual(t, payload.LatencyMs, int64(0))
	require.GreaterOrEqual(t, payload.Uptime, float64(0))
	require.Len(t, payload.Checks, 1)
	require.Equal(t, "browser", payload.Checks[0].Name)
	require.Equal(t, health.StatusOK, payload.Checks[0].Status)
}

func TestServer_Health_Disconnected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "error", payload["status"])
	require.Equal(t, health.CodeBrowserDisconnected, payload["code"])
	require.NotEmpty(t, payload["error"])
}

func TestServer_Render_PathURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/https://example.com/page?x=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html;charset=UTF-8", rec.Header().Get("Content-Type"))
	require.Equal(t, []string{"https://example.com/page?x=1"}, env.driver.Loaded())
	require.Contains(t, rec.Body.String(), "https://example.com/page?x=1")
}

func TestServer_Render_RepairsCollapsedScheme(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/https:/example.com/a", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"https://example.com/a"}, env.driver.Loaded())
}

func TestServer_Render_InvalidURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/not-a-url", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, env.driver.Loaded())
}

func TestServer_Render_NotReady(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/https://example.com/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "Service Unavailable", rec.Body.String())
}

func TestServer_Render_PostJSONAnyContentType(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	body := bytes.NewBufferString(`{"url":"https://example.com/shot","renderType":"png","fullpage":true}`)
	req := httptest.NewRequest(http.MethodPost, "/render", body)
	req.Header.Set("Content-Type", "text/plain")
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "png-image fullpage=true", rec.Body.String())
	require.Equal(t, []string{"https://example.com/shot"}, env.driver.Loaded())
}

func TestServer_Render_PostInvalidJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/render", bytes.NewBufferString("{invalid")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
	require.Empty(t, env.driver.Loaded())
}

func TestServer_Render_QueryOptions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/render?url=https%3A%2F%2Fexample.com%2Fdoc&renderType=pdf", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.Equal(t, []string{"https://example.com/doc"}, env.driver.Loaded())
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	env.do(httptest.NewRequest(http.MethodGet, "/https://example.com/", nil))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "prerender_requests_total")
}

func TestParseRenderRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     *http.Request
		url     string
		opts    prerender.Options
		wantErr bool
	}{
		{
			name: "path with query",
			req:  httptest.NewRequest(http.MethodGet, "/http://example.com/a?b=c", nil),
			url:  "http://example.com/a?b=c",
			opts: prerender.Options{RenderType: prerender.RenderHTML},
		},
		{
			name: "post body options",
			req: httptest.NewRequest(http.MethodPost, "/render", bytes.NewBufferString(
				`{"url":"https://example.com","renderType":"jpg","requestTimeout":1500,"timeoutStatusCode":503,"followRedirects":true,"javascript":"1+1"}`)),
			url: "https://example.com",
			opts: prerender.Options{
				RenderType:        prerender.RenderJPEG,
				RequestTimeout:    1500 * time.Millisecond,
				TimeoutStatusCode: 503,
				FollowRedirects:   ptr(true),
				Javascript:        "1+1",
			},
		},
		{
			name: "post empty body falls back to path",
			req:  httptest.NewRequest(http.MethodPost, "/https://example.com/x", nil),
			url:  "https://example.com/x",
			opts: prerender.Options{RenderType: prerender.RenderHTML},
		},
		{
			name: "render query",
			req:  httptest.NewRequest(http.MethodGet, "/render?url=https://example.com&fullpage=true&followRedirects=false&requestTimeout=250", nil),
			url:  "https://example.com",
			opts: prerender.Options{
				RenderType:      prerender.RenderHTML,
				FullPage:        true,
				FollowRedirects: ptr(false),
				RequestTimeout:  250 * time.Millisecond,
			},
		},
		{
			name:    "render query bad bool",
			req:     httptest.NewRequest(http.MethodGet, "/render?url=https://example.com&fullpage=maybe", nil),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rawURL, opts, err := parseRenderRequest(tt.req)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.url, rawURL)
			require.Equal(t, tt.opts, opts)
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}
