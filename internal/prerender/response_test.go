package prerender

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func finishedJob(renderType RenderType) *Job {
	return newJob(context.Background(), "req-1", "render-1", "GET", "https://example.com/", Options{RenderType: renderType})
}

func TestAssemble_FallsBackToRenderErrorStatus(t *testing.T) {
	t.Parallel()

	resp := Assemble(finishedJob(RenderHTML), 504, nil)
	require.Equal(t, 504, resp.Status)
	require.Empty(t, resp.Body)
	require.Empty(t, resp.Header.Get("Content-Length"))
	require.Equal(t, "text/html;charset=UTF-8", resp.Header.Get("Content-Type"))
}

func TestAssemble_ReplaysPageHeadersForHTML(t *testing.T) {
	t.Parallel()

	job := finishedJob(RenderHTML)
	job.StatusCode = http.StatusOK
	job.Content = []byte("<html></html>")
	job.Headers = http.Header{
		"Set-Cookie":        {"a=1\nb=2"},
		"Transfer-Encoding": {"chunked"},
		"Content-Encoding":  {"gzip"},
		"Content-Length":    {"999"},
		"Bad Header":        {"x"},
		"X-Bad-Value":       {"ok\x00"},
	}
	job.setResponseHeader("X-Plugin", "yes")

	resp := Assemble(job, 504, nil)
	require.Equal(t, []string{"a=1", "b=2"}, resp.Header.Values("Set-Cookie"))
	require.Empty(t, resp.Header.Get("Transfer-Encoding"))
	require.Empty(t, resp.Header.Get("Content-Encoding"))
	require.Equal(t, "13", resp.Header.Get("Content-Length"))
	require.NotContains(t, resp.Header, "Bad Header")
	require.Empty(t, resp.Header.Get("X-Bad-Value"))
	require.Equal(t, "yes", resp.Header.Get("X-Plugin"))
}

func TestAssemble_PageHeadersIgnoredForImages(t *testing.T) {
	t.Parallel()

	job := finishedJob(RenderPNG)
	job.StatusCode = http.StatusOK
	job.Content = []byte("png")
	job.Headers = http.Header{"X-Upstream": {"1"}}

	resp := Assemble(job, 504, nil)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	require.Empty(t, resp.Header.Get("X-Upstream"))
	require.Equal(t, "3", resp.Header.Get("Content-Length"))
}

func TestAssemble_ReasonHeader(t *testing.T) {
	t.Parallel()

	job := finishedJob(RenderHTML)
	job.StatusCode = http.StatusNotFound
	job.StatusCodeReason = "static asset filtered"

	resp := Assemble(job, 504, nil)
	require.Equal(t, http.StatusNotFound, resp.Status)
	require.Equal(t, "static asset filtered", resp.Header.Get(ReasonHeader))
}

func TestAssemble_StructuredBody(t *testing.T) {
	t.Parallel()

	job := finishedJob(RenderHTML)
	job.StatusCode = http.StatusOK
	job.Content = []byte("<p>hi</p>")
	job.PrerenderData = []byte(`{"items":[1,2]}`)

	resp := Assemble(job, 504, nil)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Empty(t, resp.Header.Get("Content-Length"))
	require.JSONEq(t, `{"prerenderData":{"items":[1,2]},"content":"<p>hi</p>"}`, string(resp.Body))
}

func TestAssemble_StructuredBodyQuotesInvalidJSON(t *testing.T) {
	t.Parallel()

	job := finishedJob(RenderHTML)
	job.PrerenderData = []byte("not json")

	resp := Assemble(job, 504, nil)
	require.JSONEq(t, `{"prerenderData":"not json","content":""}`, string(resp.Body))
}

func TestResponse_WriteTo(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	resp := Response{
		Status: http.StatusCreated,
		Header: http.Header{"X-Test": {"1"}},
		Body:   []byte("body"),
	}
	require.NoError(t, resp.WriteTo(rec))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-Test"))
	require.Equal(t, "body", rec.Body.String())
}
