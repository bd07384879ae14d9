package browser

import (
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

type pendingRequest struct {
	url       string
	rawType   string
	started   time.Time
	finished  time.Time
	status    int
	mimeType  string
	fromCache bool
	size      float64
	responded bool
}

// networkRecorder tracks every request in a tab. Events arrive on the chromedp
// event goroutine while the navigator reads snapshots, hence the mutex.
type networkRecorder struct {
	mu       sync.Mutex
	order    []network.RequestID
	requests map[network.RequestID]*pendingRequest
	doc      *monitor.HTTPResponse
}

func newNetworkRecorder() *networkRecorder {
	return &networkRecorder{requests: make(map[network.RequestID]*pendingRequest)}
}

func (r *networkRecorder) entry(id network.RequestID) *pendingRequest {
	req, ok := r.requests[id]
	if !ok {
		req = &pendingRequest{}
		r.requests[id] = req
		r.order = append(r.order, id)
	}
	return req
}

func (r *networkRecorder) requestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil || skipURL(e.Request.URL) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	req := r.entry(e.RequestID)
	req.url = e.Request.URL
	req.rawType = string(e.Type)
	// Redirect hops reuse the request id; timing starts at the first hop.
	if req.started.IsZero() {
		req.started = monotonic(e.Timestamp)
	}
}

func (r *networkRecorder) responseReceived(e *network.EventResponseReceived) {
	if e.Response == nil || skipURL(e.Response.URL) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	req := r.entry(e.RequestID)
	req.responded = true
	req.url = e.Response.URL
	req.status = int(e.Response.Status)
	req.mimeType = e.Response.MimeType
	if req.rawType == "" {
		req.rawType = string(e.Type)
	}
	if e.Response.FromDiskCache || e.Response.FromPrefetchCache || e.Response.FromServiceWorker {
		req.fromCache = true
	}
	if req.size == 0 {
		req.size = e.Response.EncodedDataLength
	}
	if req.started.IsZero() {
		req.started = monotonic(e.Timestamp)
	}
	if e.Type == network.ResourceTypeDocument && r.doc == nil {
		r.doc = &monitor.HTTPResponse{
			StatusCode: req.status,
			StatusText: e.Response.StatusText,
			FinalURL:   e.Response.URL,
		}
	}
}

func (r *networkRecorder) servedFromCache(e *network.EventRequestServedFromCache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.requests[e.RequestID]; ok {
		req.fromCache = true
	}
}

func (r *networkRecorder) loadingFinished(e *network.EventLoadingFinished) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[e.RequestID]
	if !ok {
		return
	}
	req.finished = monotonic(e.Timestamp)
	if e.EncodedDataLength > 0 {
		req.size = e.EncodedDataLength
	}
}

func (r *networkRecorder) loadingFailed(e *network.EventLoadingFailed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.requests[e.RequestID]; ok {
		req.finished = monotonic(e.Timestamp)
	}
}

func (r *networkRecorder) document() (monitor.HTTPResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		return monitor.HTTPResponse{}, false
	}
	return *r.doc, true
}

// records returns one entry per request that received a response, in request order.
func (r *networkRecorder) records() []monitor.ResourceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]monitor.ResourceRecord, 0, len(r.order))
	for _, id := range r.order {
		req := r.requests[id]
		if !req.responded {
			continue
		}
		var loadMs float64
		if !req.started.IsZero() && !req.finished.IsZero() && req.finished.After(req.started) {
			loadMs = float64(req.finished.Sub(req.started).Microseconds()) / 1000
		}
		out = append(out, monitor.ResourceRecord{
			URL:        req.url,
			ByteSize:   int64(req.size),
			LoadTimeMs: loadMs,
			StatusCode: req.status,
			FromCache:  req.fromCache,
			MimeType:   req.mimeType,
			RawType:    req.rawType,
		})
	}
	return out
}

func monotonic(ts *cdp.MonotonicTime) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.Time()
}

func skipURL(u string) bool {
	return strings.HasPrefix(u, "data:") || strings.HasPrefix(u, "blob:")
}
