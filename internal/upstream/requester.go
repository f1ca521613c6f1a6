package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/urlutil"
)

const (
	// DefaultUserAgent 为访问源站时的 User-Agent。
	DefaultUserAgent     = "OriginCache/0.1"
	DefaultConnTimeout   = 2 * time.Second
	DefaultIdleTimeout   = 5 * time.Second
	requesterReadBufSize = 64 * 1024
)

// StreamRequester 对单个 endpoint 发起一次 GET。
type StreamRequester struct {
	UserAgent   string
	IdleTimeout time.Duration

	transport http.RoundTripper
	logger    logrus.FieldLogger
}

// NewStreamRequester 构建 requester；超时为 0 时使用默认值。
func NewStreamRequester(connTimeout, idleTimeout time.Duration, logger logrus.FieldLogger) *StreamRequester {
	if connTimeout <= 0 {
		connTimeout = DefaultConnTimeout
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StreamRequester{
		UserAgent:   DefaultUserAgent,
		IdleTimeout: idleTimeout,
		transport:   newOriginTransport(connTimeout),
		logger:      logger,
	}
}

// Retrieve 连接 server 并异步执行请求，立即返回句柄。
func (r *StreamRequester) Retrieve(consumer StreamConsumer, server *Server, u *urlutil.URL, opts RetrieveOptions) *StreamGetter {
	ctx, cancel := context.WithCancel(context.Background())
	g := &StreamGetter{
		id:        uuid.NewString(),
		requester: r,
		consumer:  consumer,
		server:    server,
		url:       u,
		opts:      opts,
		ctx:       ctx,
		cancelCtx: cancel,
	}
	g.logger = r.logger.WithFields(logrus.Fields{
		"request_id": g.id,
		"server":     server.Address(),
		"url":        u.String(),
	})
	go g.run()
	return g
}

// StreamGetter 是一次进行中的 GET。
type StreamGetter struct {
	id        string
	requester *StreamRequester
	consumer  StreamConsumer
	server    *Server
	url       *urlutil.URL
	opts      RetrieveOptions
	logger    logrus.FieldLogger

	ctx       context.Context
	cancelCtx context.CancelFunc
	canceled  atomic.Bool
	timedOut  atomic.Bool

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	finished bool
	idle     *time.Timer
}

// Pause 暂停读取响应体，已读出的少量数据仍可能送达。
func (g *StreamGetter) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resumeCh = make(chan struct{})
		if g.idle != nil {
			g.idle.Stop()
		}
	}
}

func (g *StreamGetter) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumeCh)
		if g.idle != nil {
			g.idle.Reset(g.requester.IdleTimeout)
		}
	}
}

// Cancel 立即关闭连接，之后不再回调。
func (g *StreamGetter) Cancel() {
	if g.canceled.CompareAndSwap(false, true) {
		g.cancelCtx()
	}
}

func (g *StreamGetter) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// waitResumed 在暂停期间阻塞，取消时返回 false。
func (g *StreamGetter) waitResumed() bool {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return true
	}
	ch := g.resumeCh
	g.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-g.ctx.Done():
		return false
	}
}

// deliver 串行执行回调，终止回调之后不再回调。
func (g *StreamGetter) deliver(terminal bool, fn func(StreamConsumer)) {
	if g.canceled.Load() {
		return
	}
	g.mu.Lock()
	if g.finished {
		g.mu.Unlock()
		return
	}
	if terminal {
		g.finished = true
	}
	g.mu.Unlock()
	fn(g.consumer)
}

func (g *StreamGetter) fail(code Code, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	g.logger.WithFields(logrus.Fields{
		"action": "origin_request",
		"code":   code.String(),
	}).Debug(msg)
	g.deliver(true, func(c StreamConsumer) { c.ServerError(g, code, msg) })
}

// watchIdle 启动空闲计时器，每次读取进展都会重新计时，暂停期间不计时。
func (g *StreamGetter) watchIdle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.idle = time.AfterFunc(g.requester.IdleTimeout, g.onIdle)
}

func (g *StreamGetter) onIdle() {
	if g.isPaused() {
		return
	}
	g.timedOut.Store(true)
	g.cancelCtx()
}

func (g *StreamGetter) touch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idle != nil && !g.paused {
		g.idle.Reset(g.requester.IdleTimeout)
	}
}

func (g *StreamGetter) stopIdle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idle != nil {
		g.idle.Stop()
	}
}

func (g *StreamGetter) buildRequest() (*http.Request, error) {
	target := "http://" + g.server.Address() + g.url.Location()
	req, err := http.NewRequestWithContext(g.ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Host = g.url.Host()
	req.Close = true
	req.Header.Set("User-Agent", g.requester.UserAgent)
	if !g.opts.IfModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", g.opts.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if !g.opts.IfUnmodifiedSince.IsZero() {
		req.Header.Set("If-Unmodified-Since", g.opts.IfUnmodifiedSince.UTC().Format(http.TimeFormat))
	}
	if g.opts.HasRange() {
		end := ""
		if g.opts.Size > 0 {
			end = strconv.FormatInt(g.opts.Start+g.opts.Size-1, 10)
		}
		req.Header.Set("Range", "bytes="+strconv.FormatInt(g.opts.Start, 10)+"-"+end)
	}
	return req, nil
}

func (g *StreamGetter) run() {
	defer g.cancelCtx()

	req, err := g.buildRequest()
	if err != nil {
		g.fail(NotImplemented, "cannot build request: %v", err)
		return
	}

	g.watchIdle()
	defer g.stopIdle()

	resp, err := g.requester.transport.RoundTrip(req)
	if err != nil {
		g.transportError(err)
		return
	}
	defer resp.Body.Close()
	g.touch()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent, http.StatusNoContent:
		g.stream(resp)
	case http.StatusNotModified:
		g.deliver(true, func(c StreamConsumer) { c.ConditionFail(g, StreamNotModified, resp.Status) })
	case http.StatusPreconditionFailed:
		g.deliver(true, func(c StreamConsumer) { c.ConditionFail(g, StreamModified, resp.Status) })
	case http.StatusNotFound:
		g.deliver(true, func(c StreamConsumer) { c.StreamNotAvailable(g, StreamNotFound, resp.Status) })
	case http.StatusForbidden:
		g.deliver(true, func(c StreamConsumer) { c.StreamNotAvailable(g, StreamForbidden, resp.Status) })
	case http.StatusRequestedRangeNotSatisfiable:
		g.fail(RangeNotSatisfiable, "%s", resp.Status)
	case http.StatusMovedPermanently, http.StatusFound:
		g.fail(NotImplemented, "redirection not supported: %s", resp.Status)
	default:
		g.fail(NotImplemented, "unsupported response: %s", resp.Status)
	}
}

func (g *StreamGetter) transportError(err error) {
	if g.canceled.Load() {
		return
	}
	if g.timedOut.Load() {
		g.fail(ServerTimeout, "no response from %s within %s", g.server.Address(), g.requester.IdleTimeout)
		return
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		g.fail(ServerUnavailable, "connection to %s failed: %v", g.server.Address(), err)
		return
	}
	g.fail(ServerDisconnected, "connection to %s lost: %v", g.server.Address(), err)
}

func (g *StreamGetter) stream(resp *http.Response) {
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			g.fail(NotImplemented, "chunked transfer encoding not supported")
			return
		}
	}

	info, err := parseStreamInfo(resp.Header, resp.ContentLength)
	if err != nil {
		g.fail(NotImplemented, "invalid response headers: %v", err)
		return
	}

	// 源站忽略 Range 返回完整内容时，跳过请求起点之前的数据。
	skip := int64(0)
	if g.opts.Start > 0 && resp.StatusCode == http.StatusOK {
		skip = g.opts.Start
		info.Start = g.opts.Start
		info.Size -= skip
		if info.Size < 0 {
			info.Size = 0
		}
	}

	remaining := info.Size
	if g.opts.Size > 0 && g.opts.Size < remaining {
		remaining = g.opts.Size
	}

	g.deliver(false, func(c StreamConsumer) { c.OnInfo(g, info) })
	if remaining == 0 {
		g.deliver(true, func(c StreamConsumer) { c.StreamDone(g) })
		return
	}

	buf := make([]byte, requesterReadBufSize)
	for {
		if !g.waitResumed() {
			g.transportError(g.ctx.Err())
			return
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			g.touch()
			chunk := buf[:n]
			if skip > 0 {
				drop := min(skip, int64(len(chunk)))
				chunk = chunk[drop:]
				skip -= drop
			}
			if int64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
			}
			if len(chunk) > 0 {
				data := make([]byte, len(chunk))
				copy(data, chunk)
				remaining -= int64(len(data))
				g.deliver(false, func(c StreamConsumer) { c.OnData(g, data) })
			}
			if remaining == 0 {
				// 多余数据直接丢弃并断开
				g.deliver(true, func(c StreamConsumer) { c.StreamDone(g) })
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				g.fail(ServerDisconnected, "response ended %d bytes early", remaining)
				return
			}
			g.transportError(err)
			return
		}
	}
}
