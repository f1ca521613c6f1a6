package upstream

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/origin-cache/internal/urlutil"
)

var testMTime = time.Unix(1_700_000_000, 0).UTC()

type outcome struct {
	kind string
	code Code
	msg  string
}

type recordingConsumer struct {
	mu    sync.Mutex
	info  *StreamInfo
	data  bytes.Buffer
	done  chan outcome
	calls int
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{done: make(chan outcome, 4)}
}

func (c *recordingConsumer) OnInfo(_ Request, info StreamInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = &info
	c.calls++
}

func (c *recordingConsumer) OnData(_ Request, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Write(data)
	c.calls++
}

func (c *recordingConsumer) StreamDone(Request) {
	c.done <- outcome{kind: "done"}
}

func (c *recordingConsumer) ServerError(_ Request, code Code, msg string) {
	c.done <- outcome{kind: "server_error", code: code, msg: msg}
}

func (c *recordingConsumer) ConditionFail(_ Request, code Code, msg string) {
	c.done <- outcome{kind: "condition_fail", code: code, msg: msg}
}

func (c *recordingConsumer) StreamNotAvailable(_ Request, code Code, msg string) {
	c.done <- outcome{kind: "not_available", code: code, msg: msg}
}

func (c *recordingConsumer) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-c.done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for request outcome")
		return outcome{}
	}
}

func (c *recordingConsumer) body() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.data.Bytes())
}

func serveContent(payload []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "resource.flv", testMTime, bytes.NewReader(payload))
	}
}

func serverOf(t *testing.T, ts *httptest.Server) *Server {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &Server{Hostname: host, IP: host, Port: port, Priority: 1}
}

func retrieveOnce(t *testing.T, handler http.Handler, opts RetrieveOptions) (*recordingConsumer, outcome) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	requester := NewStreamRequester(time.Second, time.Second, nil)
	consumer := newRecordingConsumer()
	requester.Retrieve(consumer, serverOf(t, ts), urlutil.New("origin.test", 80, "/resource.flv"), opts)
	return consumer, consumer.wait(t)
}

func TestRequesterFullResponse(t *testing.T) {
	payload := []byte("hello world\n")
	consumer, out := retrieveOnce(t, serveContent(payload), RetrieveOptions{})

	assert.Equal(t, "done", out.kind)
	require.NotNil(t, consumer.info)
	assert.Equal(t, int64(12), consumer.info.Size)
	assert.Equal(t, int64(12), consumer.info.Length)
	assert.True(t, consumer.info.MTime.Equal(testMTime))
	assert.Equal(t, "video/x-flv", consumer.info.MimeType)
	assert.Equal(t, payload, consumer.body())
}

func TestRequesterSendsHeaders(t *testing.T) {
	var got http.Header
	var host string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		host = r.Host
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNoContent)
	})
	_, out := retrieveOnce(t, handler, RetrieveOptions{
		IfModifiedSince:   testMTime,
		IfUnmodifiedSince: testMTime,
		Start:             10,
		Size:              5,
	})
	assert.Equal(t, "done", out.kind)
	assert.Equal(t, "origin.test", host)
	assert.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "bytes=10-14", got.Get("Range"))
	assert.Equal(t, testMTime.Format(http.TimeFormat), got.Get("If-Modified-Since"))
	assert.Equal(t, testMTime.Format(http.TimeFormat), got.Get("If-Unmodified-Since"))
}

func TestRequesterRange(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	consumer, out := retrieveOnce(t, serveContent(payload), RetrieveOptions{Start: 5, Size: 10})

	assert.Equal(t, "done", out.kind)
	require.NotNil(t, consumer.info)
	assert.Equal(t, int64(5), consumer.info.Start)
	assert.Equal(t, int64(10), consumer.info.Size)
	assert.Equal(t, int64(20), consumer.info.Length)
	assert.Equal(t, []byte("56789abcde"), consumer.body())
}

func TestRequesterRangeIgnoredByOrigin(t *testing.T) {
	payload := []byte("0123456789abcdefghij")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	})
	consumer, out := retrieveOnce(t, handler, RetrieveOptions{Start: 5, Size: 4})
	assert.Equal(t, "done", out.kind)
	assert.Equal(t, []byte("5678"), consumer.body())
}

func TestRequesterStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   string
		code   Code
	}{
		{http.StatusNotModified, "condition_fail", StreamNotModified},
		{http.StatusPreconditionFailed, "condition_fail", StreamModified},
		{http.StatusNotFound, "not_available", StreamNotFound},
		{http.StatusForbidden, "not_available", StreamForbidden},
		{http.StatusRequestedRangeNotSatisfiable, "server_error", RangeNotSatisfiable},
		{http.StatusFound, "server_error", NotImplemented},
		{http.StatusInternalServerError, "server_error", NotImplemented},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.status == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tc.status)
			})
			_, out := retrieveOnce(t, handler, RetrieveOptions{})
			assert.Equal(t, tc.kind, out.kind)
			assert.Equal(t, tc.code, out.code)
		})
	}
}

func TestRequesterRejectsChunked(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("part"))
		w.(http.Flusher).Flush()
		w.Write([]byte("more"))
	})
	consumer, out := retrieveOnce(t, handler, RetrieveOptions{})
	assert.Equal(t, "server_error", out.kind)
	assert.Equal(t, NotImplemented, out.code)
	assert.Nil(t, consumer.info)
}

func TestRequesterIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("12345"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	requester := NewStreamRequester(time.Second, 100*time.Millisecond, nil)
	consumer := newRecordingConsumer()
	requester.Retrieve(consumer, serverOf(t, ts), urlutil.New("origin.test", 80, "/slow"), RetrieveOptions{})
	out := consumer.wait(t)
	assert.Equal(t, "server_error", out.kind)
	assert.Equal(t, ServerTimeout, out.code)
	assert.Equal(t, []byte("12345"), consumer.body())
}

// 最后一次读取之后 IdleTimeout 即超时，不会拖到两个周期。
func TestRequesterIdleTimeoutMeasuredFromLastRead(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	const idle = 400 * time.Millisecond
	requester := NewStreamRequester(time.Second, idle, nil)
	consumer := newRecordingConsumer()
	started := time.Now()
	requester.Retrieve(consumer, serverOf(t, ts), urlutil.New("origin.test", 80, "/stalled"), RetrieveOptions{})
	out := consumer.wait(t)
	elapsed := time.Since(started)

	assert.Equal(t, ServerTimeout, out.code)
	assert.GreaterOrEqual(t, elapsed, idle)
	assert.Less(t, elapsed, idle+idle/2)
}

func TestRequesterPausedStreamDoesNotTimeOut(t *testing.T) {
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("01234"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
			w.Write([]byte("56789"))
		case <-r.Context().Done():
		}
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	requester := NewStreamRequester(time.Second, 100*time.Millisecond, nil)
	consumer := newRecordingConsumer()
	getter := requester.Retrieve(consumer, serverOf(t, ts), urlutil.New("origin.test", 80, "/paused"), RetrieveOptions{})
	getter.Pause()
	time.Sleep(300 * time.Millisecond)
	close(release)
	getter.Resume()

	out := consumer.wait(t)
	assert.Equal(t, "done", out.kind)
	assert.Equal(t, []byte("0123456789"), consumer.body())
}

func TestRequesterDisconnect(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort")
		buf.Flush()
		conn.Close()
	})
	consumer, out := retrieveOnce(t, handler, RetrieveOptions{})
	assert.Equal(t, "server_error", out.kind)
	assert.Equal(t, ServerDisconnected, out.code)
	assert.Equal(t, []byte("short"), consumer.body())
}

func TestRequesterCancelStopsCallbacks(t *testing.T) {
	started := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	requester := NewStreamRequester(time.Second, time.Second, nil)
	consumer := newRecordingConsumer()
	getter := requester.Retrieve(consumer, serverOf(t, ts), urlutil.New("origin.test", 80, "/x"), RetrieveOptions{})
	<-started
	getter.Cancel()

	select {
	case o := <-consumer.done:
		t.Fatalf("no callback expected after cancel, got %+v", o)
	case <-time.After(300 * time.Millisecond):
	}
}

type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]string
	fail    map[string]bool
}

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[host] {
		return nil, errors.New("lookup failed")
	}
	return append([]string(nil), f.answers[host]...), nil
}

func (f *fakeResolver) set(host string, ips ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[host] = ips
}

func ips(servers []*Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.IP
	}
	return out
}

func TestSelectorPriorityOrder(t *testing.T) {
	res := &fakeResolver{answers: map[string][]string{
		"backup":  {"10.0.0.9"},
		"primary": {"10.0.0.1", "10.0.0.2"},
	}}
	sel := NewServerSelector(res, time.Hour, nil)
	require.NoError(t, sel.AddServer(context.Background(), "backup", 3128, 2))
	require.NoError(t, sel.AddServer(context.Background(), "primary", 3128, 1))

	for i := 0; i < 10; i++ {
		got := ips(sel.Servers())
		require.Len(t, got, 3)
		assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, got[:2])
		assert.Equal(t, "10.0.0.9", got[2])
	}
	assert.Equal(t, "10.0.0.9:3128", sel.Servers()[2].Address())
}

func TestSelectorRefreshDiff(t *testing.T) {
	res := &fakeResolver{answers: map[string][]string{"origin": {"10.0.0.1", "10.0.0.2"}}}
	sel := NewServerSelector(res, time.Hour, nil)
	require.NoError(t, sel.AddServer(context.Background(), "origin", 80, 1))

	res.set("origin", "10.0.0.2", "10.0.0.3")
	sel.RefreshServers(context.Background())
	assert.ElementsMatch(t, []string{"10.0.0.2", "10.0.0.3"}, ips(sel.Servers()))
}

func TestSelectorKeepsServersOnDNSFailure(t *testing.T) {
	res := &fakeResolver{answers: map[string][]string{"origin": {"10.0.0.1"}}, fail: map[string]bool{}}
	sel := NewServerSelector(res, time.Hour, nil)
	require.NoError(t, sel.AddServer(context.Background(), "origin", 80, 1))

	res.mu.Lock()
	res.fail["origin"] = true
	res.mu.Unlock()
	sel.RefreshServers(context.Background())
	assert.Equal(t, []string{"10.0.0.1"}, ips(sel.Servers()))
}

func TestSelectorSetupCleanupIdempotent(t *testing.T) {
	res := &fakeResolver{answers: map[string][]string{"origin": {"10.0.0.1"}}}
	sel := NewServerSelector(res, 20*time.Millisecond, nil)
	sel.hosts["origin"] = &hostEntry{port: 80, priority: 1}
	sel.Setup(context.Background())
	sel.Setup(context.Background())
	assert.Len(t, sel.Servers(), 1)

	res.set("origin", "10.0.0.5")
	require.Eventually(t, func() bool {
		got := ips(sel.Servers())
		return len(got) == 1 && got[0] == "10.0.0.5"
	}, time.Second, 10*time.Millisecond)

	sel.Cleanup()
	sel.Cleanup()
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestManagerFallsBackToNextServer(t *testing.T) {
	payload := []byte("fallback payload")
	ts := httptest.NewServer(serveContent(payload))
	defer ts.Close()
	live := serverOf(t, ts)

	res := &fakeResolver{answers: map[string][]string{
		"dead": {"127.0.0.1"},
		"live": {"127.0.0.1"},
	}}
	sel := NewServerSelector(res, time.Hour, nil)
	require.NoError(t, sel.AddServer(context.Background(), "dead", closedPort(t), 1))
	require.NoError(t, sel.AddServer(context.Background(), "live", live.Port, 2))

	mgr := NewRequestManager(sel, NewStreamRequester(time.Second, time.Second, nil), nil)
	consumer := newRecordingConsumer()
	mgr.Retrieve(consumer, urlutil.New("origin.test", 80, "/a.flv"), RetrieveOptions{})
	out := consumer.wait(t)
	assert.Equal(t, "done", out.kind)
	assert.Equal(t, payload, consumer.body())
}

func TestManagerExhaustion(t *testing.T) {
	sel := NewServerSelector(&fakeResolver{answers: map[string][]string{}}, time.Hour, nil)
	mgr := NewRequestManager(sel, NewStreamRequester(time.Second, time.Second, nil), nil)
	consumer := newRecordingConsumer()
	mgr.Retrieve(consumer, urlutil.New("origin.test", 80, "/a.flv"), RetrieveOptions{})
	out := consumer.wait(t)
	assert.Equal(t, "server_error", out.kind)
	assert.Equal(t, ServerUnavailable, out.code)
}

func TestManagerPropagatesNotFound(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	srv := serverOf(t, ts)

	res := &fakeResolver{answers: map[string][]string{"origin": {"127.0.0.1"}}}
	sel := NewServerSelector(res, time.Hour, nil)
	require.NoError(t, sel.AddServer(context.Background(), "origin", srv.Port, 1))
	mgr := NewRequestManager(sel, NewStreamRequester(time.Second, time.Second, nil), nil)
	consumer := newRecordingConsumer()
	mgr.Retrieve(consumer, urlutil.New("origin.test", 80, "/missing"), RetrieveOptions{})
	out := consumer.wait(t)
	assert.Equal(t, "not_available", out.kind)
	assert.Equal(t, StreamNotFound, out.code)
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := parseContentRange("bytes 100-199/1000")
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 199, 1000}, []int64{start, end, total})

	_, _, _, err = parseContentRange("items 1-2/3")
	require.Error(t, err)
	_, _, _, err = parseContentRange("bytes 5-1/3")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid"))
}

func TestParseStreamInfoRequiresLength(t *testing.T) {
	_, err := parseStreamInfo(http.Header{}, -1)
	require.ErrorIs(t, err, errNoLength)
}
