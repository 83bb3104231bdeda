package prerender

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

// ReasonHeader carries the status code reason a plugin or the timeout recorded.
const ReasonHeader = "X-Prerender-504-Reason"

const defaultContentType = "text/html;charset=UTF-8"

var contentTypes = map[RenderType]string{
	RenderJPEG: "image/jpeg",
	RenderPNG:  "image/png",
	RenderPDF:  "application/pdf",
	RenderHAR:  "application/json",
}

// Headers never copied from the rendered page.
var strippedHeaders = []string{"Transfer-Encoding", "Connection", "Content-Encoding", "Content-Length"}

// Response is the outbound status, headers and body for a job.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// WriteTo writes the response to w.
func (r Response) WriteTo(w http.ResponseWriter) error {
	for key, values := range r.Header {
		w.Header()[key] = append([]string(nil), values...)
	}
	w.WriteHeader(r.Status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

type structuredBody struct {
	PrerenderData json.RawMessage `json:"prerenderData"`
	Content       string          `json:"content"`
}

// Assemble maps a finished job to its response.
func Assemble(job *Job, renderErrorStatus int, logger *zap.Logger) Response {
	if logger == nil {
		logger = zap.NewNop()
	}
	status := job.StatusCode
	if status == 0 {
		status = renderErrorStatus
	}

	header := job.ResponseHeaders()
	if header == nil {
		header = http.Header{}
	}
	if job.RenderType == RenderHTML {
		replayPageHeaders(header, job.Headers, logger.With(zap.String("req_id", job.ReqID)))
	}
	for _, key := range strippedHeaders {
		header.Del(key)
	}

	structured := len(job.PrerenderData) > 0
	contentType, ok := contentTypes[job.RenderType]
	switch {
	case ok:
	case structured:
		contentType = "application/json"
	default:
		contentType = defaultContentType
	}
	header.Set("Content-Type", contentType)

	if job.StatusCodeReason != "" {
		header.Set(ReasonHeader, job.StatusCodeReason)
	}

	var body []byte
	switch {
	case structured:
		body = encodeStructured(job, logger)
	case len(job.Content) > 0:
		body = job.Content
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	return Response{Status: status, Header: header, Body: body}
}

func replayPageHeaders(dst, page http.Header, logger *zap.Logger) {
	for key, values := range page {
		if !httpguts.ValidHeaderFieldName(key) {
			logger.Warn("skipping page header with invalid name", zap.String("header", key))
			continue
		}
		var lines []string
		for _, value := range values {
			for _, line := range strings.Split(value, "\n") {
				if !httpguts.ValidHeaderFieldValue(line) {
					logger.Warn("skipping page header with invalid value", zap.String("header", key))
					continue
				}
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		dst.Del(key)
		for _, line := range lines {
			dst.Add(key, line)
		}
	}
}

func encodeStructured(job *Job, logger *zap.Logger) []byte {
	data := json.RawMessage(job.PrerenderData)
	if !json.Valid(data) {
		quoted, err := json.Marshal(string(job.PrerenderData))
		if err != nil {
			logger.Warn("encode prerender data", zap.Error(err))
			quoted = []byte("null")
		}
		data = quoted
	}
	body, err := json.Marshal(structuredBody{PrerenderData: data, Content: string(job.Content)})
	if err != nil {
		logger.Error("encode structured response", zap.String("req_id", job.ReqID), zap.Error(err))
		return nil
	}
	return body
}
