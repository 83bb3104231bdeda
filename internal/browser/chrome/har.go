package chrome

import (
	"encoding/json"
	"net/url"
	"sort"
	"time"

	"github.com/chromedp/cdproto/network"
)

type harLog struct {
	Log harBody `json:"log"`
}

type harBody struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Pages   []harPage  `json:"pages"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harPage struct {
	StartedDateTime string         `json:"startedDateTime"`
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	PageTimings     map[string]any `json:"pageTimings"`
}

type harEntry struct {
	Pageref         string      `json:"pageref"`
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         harTimings  `json:"timings"`
	Comment         string      `json:"comment,omitempty"`
}

type harNameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harRequest struct {
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []harNameValue `json:"headers"`
	QueryString []harNameValue `json:"queryString"`
	Cookies     []harNameValue `json:"cookies"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int            `json:"bodySize"`
}

type harResponse struct {
	Status      int64          `json:"status"`
	StatusText  string         `json:"statusText"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []harNameValue `json:"headers"`
	Cookies     []harNameValue `json:"cookies"`
	Content     harContent     `json:"content"`
	RedirectURL string         `json:"redirectURL"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int64          `json:"bodySize"`
}

type harContent struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type harTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

type harRecord struct {
	seq      int
	started  time.Time
	received time.Time
	finished time.Time
	request  harRequest
	response harResponse
	failure  string
}

// harRecorder accumulates network events for one tab. Callers hold the tab lock.
type harRecorder struct {
	started time.Time
	records map[network.RequestID]*harRecord
	seq     int
}

func newHARRecorder() *harRecorder {
	return &harRecorder{records: map[network.RequestID]*harRecord{}}
}

func (h *harRecorder) request(e *network.EventRequestWillBeSent, now time.Time) {
	if h.started.IsZero() {
		h.started = now
	}
	if prev, ok := h.records[e.RequestID]; ok && e.RedirectResponse != nil {
		// A redirect reuses the request id: close out the hop under a fresh key.
		prev.response = harResponseFrom(e.RedirectResponse)
		prev.received = now
		prev.finished = now
		h.records[e.RequestID+network.RequestID("#"+prev.request.URL)] = prev
	}
	h.seq++
	h.records[e.RequestID] = &harRecord{
		seq:     h.seq,
		started: now,
		request: harRequest{
			Method:      e.Request.Method,
			URL:         e.Request.URL,
			HTTPVersion: "HTTP/1.1",
			Headers:     nameValues(headersFrom(e.Request.Headers)),
			QueryString: queryString(e.Request.URL),
			Cookies:     []harNameValue{},
			HeadersSize: -1,
			BodySize:    -1,
		},
	}
}

func (h *harRecorder) response(e *network.EventResponseReceived, now time.Time) {
	rec, ok := h.records[e.RequestID]
	if !ok {
		return
	}
	rec.received = now
	rec.response = harResponseFrom(e.Response)
}

func (h *harRecorder) finished(id network.RequestID, now time.Time, size float64, failure string) {
	rec, ok := h.records[id]
	if !ok {
		return
	}
	rec.finished = now
	rec.failure = failure
	if size > 0 {
		rec.response.BodySize = int64(size)
		rec.response.Content.Size = int64(size)
	}
}

func (h *harRecorder) marshal(version string) ([]byte, error) {
	const pageID = "page_1"
	started := h.started
	if started.IsZero() {
		started = time.Now()
	}

	records := make([]*harRecord, 0, len(h.records))
	for _, rec := range h.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })

	entries := make([]harEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, rec.entry(pageID))
	}
	doc := harLog{Log: harBody{
		Version: "1.2",
		Creator: harCreator{Name: "prerender", Version: version},
		Pages: []harPage{{
			StartedDateTime: started.UTC().Format(time.RFC3339Nano),
			ID:              pageID,
			PageTimings:     map[string]any{},
		}},
		Entries: entries,
	}}
	return json.Marshal(doc)
}

func (r *harRecord) entry(pageID string) harEntry {
	wait := millis(r.started, r.received)
	receive := millis(r.received, r.finished)
	resp := r.response
	if resp.Headers == nil {
		resp = harResponse{HTTPVersion: "HTTP/1.1", Headers: []harNameValue{}, Cookies: []harNameValue{}, HeadersSize: -1, BodySize: -1}
	}
	return harEntry{
		Pageref:         pageID,
		StartedDateTime: r.started.UTC().Format(time.RFC3339Nano),
		Time:            max(wait, 0) + max(receive, 0),
		Request:         r.request,
		Response:        resp,
		Timings:         harTimings{Wait: wait, Receive: receive},
		Comment:         r.failure,
	}
}

func harResponseFrom(resp *network.Response) harResponse {
	if resp == nil {
		return harResponse{}
	}
	headers := headersFrom(resp.Headers)
	version := resp.Protocol
	if version == "" {
		version = "HTTP/1.1"
	}
	return harResponse{
		Status:      resp.Status,
		StatusText:  resp.StatusText,
		HTTPVersion: version,
		Headers:     nameValues(headers),
		Cookies:     []harNameValue{},
		Content:     harContent{MimeType: resp.MimeType},
		RedirectURL: headers.Get("Location"),
		HeadersSize: -1,
		BodySize:    -1,
	}
}

func nameValues(h map[string][]string) []harNameValue {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]harNameValue, 0, len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, harNameValue{Name: k, Value: v})
		}
	}
	return out
}

func queryString(raw string) []harNameValue {
	u, err := url.Parse(raw)
	if err != nil {
		return []harNameValue{}
	}
	return nameValues(u.Query())
}

func millis(from, to time.Time) float64 {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return -1
	}
	return float64(to.Sub(from).Microseconds()) / 1000
}
