package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func ts(base time.Time, offset time.Duration) *cdp.MonotonicTime {
	t := cdp.MonotonicTime(base.Add(offset))
	return &t
}

func TestNetworkRecorderBuildsRecords(t *testing.T) {
	t.Parallel()

	base := time.Unix(1000, 0)
	rec := newNetworkRecorder()

	rec.requestWillBeSent(&network.EventRequestWillBeSent{
		RequestID: "doc", Type: network.ResourceTypeDocument, Timestamp: ts(base, 0),
		Request: &network.Request{URL: "https://example.com/"},
	})
	rec.responseReceived(&network.EventResponseReceived{
		RequestID: "doc", Type: network.ResourceTypeDocument, Timestamp: ts(base, 80*time.Millisecond),
		Response: &network.Response{URL: "https://example.com/home", Status: 200, StatusText: "OK", MimeType: "text/html", EncodedDataLength: 300},
	})
	rec.loadingFinished(&network.EventLoadingFinished{RequestID: "doc", Timestamp: ts(base, 120*time.Millisecond), EncodedDataLength: 5120})

	rec.requestWillBeSent(&network.EventRequestWillBeSent{
		RequestID: "img", Type: network.ResourceTypeImage, Timestamp: ts(base, 130*time.Millisecond),
		Request: &network.Request{URL: "https://example.com/logo.png"},
	})
	rec.responseReceived(&network.EventResponseReceived{
		RequestID: "img", Type: network.ResourceTypeImage, Timestamp: ts(base, 131*time.Millisecond),
		Response: &network.Response{URL: "https://example.com/logo.png", Status: 200, MimeType: "image/png"},
	})
	rec.servedFromCache(&network.EventRequestServedFromCache{RequestID: "img"})

	rec.requestWillBeSent(&network.EventRequestWillBeSent{
		RequestID: "inline", Timestamp: ts(base, 0),
		Request: &network.Request{URL: "data:image/png;base64,AAAA"},
	})
	rec.requestWillBeSent(&network.EventRequestWillBeSent{
		RequestID: "pending", Type: network.ResourceTypeScript, Timestamp: ts(base, 0),
		Request: &network.Request{URL: "https://example.com/slow.js"},
	})

	records := rec.records()
	require.Len(t, records, 2)

	doc := records[0]
	require.Equal(t, "https://example.com/home", doc.URL)
	require.Equal(t, int64(5120), doc.ByteSize)
	require.InDelta(t, 120.0, doc.LoadTimeMs, 1e-9)
	require.Equal(t, "Document", doc.RawType)
	require.False(t, doc.FromCache)

	img := records[1]
	require.True(t, img.FromCache)
	require.Equal(t, "image/png", img.MimeType)

	resp, ok := rec.document()
	require.True(t, ok)
	require.Equal(t, monitor.HTTPResponse{StatusCode: 200, StatusText: "OK", FinalURL: "https://example.com/home"}, resp)
}

func TestNetworkRecorderDocumentMissing(t *testing.T) {
	t.Parallel()

	_, ok := newNetworkRecorder().document()
	require.False(t, ok)
}

func TestSessionMilestonesWaitForNavigation(t *testing.T) {
	t.Parallel()

	s := newSession("s1", context.Background(), func() {}, zap.NewNop())

	s.onEvent(&page.EventDomContentEventFired{})
	select {
	case <-s.DOMContentLoaded():
		t.Fatal("milestone from the blank tab must be ignored")
	default:
	}

	s.navigating.Store(true)
	s.onEvent(&page.EventDomContentEventFired{})
	s.onEvent(&page.EventDomContentEventFired{})
	s.onEvent(&page.EventLoadEventFired{})
	<-s.DOMContentLoaded()
	<-s.Loaded()
}

func TestSessionClassifyErrors(t *testing.T) {
	t.Parallel()

	tabCtx, cancelTab := context.WithCancel(context.Background())
	s := newSession("s1", tabCtx, cancelTab, zap.NewNop())
	boom := errors.New("net::ERR_CONNECTION_REFUSED")

	err := s.classify(context.Background(), "navigate", boom)
	require.ErrorIs(t, err, boom)
	require.False(t, errors.Is(err, monitor.ErrSession))

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()
	err = s.classify(expired, "navigate", context.Canceled)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s.onEvent(&inspector.EventTargetCrashed{})
	err = s.classify(context.Background(), "evaluate", boom)
	require.ErrorIs(t, err, monitor.ErrSession)

	other := newSession("s2", tabCtx, cancelTab, zap.NewNop())
	cancelTab()
	err = other.classify(context.Background(), "evaluate", context.Canceled)
	require.ErrorIs(t, err, monitor.ErrSession)
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child context was not cancelled")
	}
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{Headless: true}))
	require.Equal(t, base+2, len(allocatorOptions(Config{Headless: true, NoSandbox: true, ExecPath: "/usr/bin/chromium"})))
}

func TestNoopBrowser(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().NewSession(context.Background(), "s1")
	require.ErrorIs(t, err, monitor.ErrSession)
}
