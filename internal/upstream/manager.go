package upstream

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/urlutil"
)

// RequestManager 在多个 endpoint 之间完成一次逻辑检索。
type RequestManager struct {
	selector  *ServerSelector
	requester *StreamRequester
	logger    logrus.FieldLogger
}

func NewRequestManager(selector *ServerSelector, requester *StreamRequester, logger logrus.FieldLogger) *RequestManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RequestManager{
		selector:  selector,
		requester: requester,
		logger:    logger,
	}
}

// Setup 启动 DNS 刷新。
func (m *RequestManager) Setup(ctx context.Context) {
	m.selector.Setup(ctx)
}

// Cleanup 停止 DNS 刷新。
func (m *RequestManager) Cleanup() {
	m.selector.Cleanup()
}

// Retrieve 按优先级依次尝试 endpoint，结果通过 consumer 回调。
func (m *RequestManager) Retrieve(consumer StreamConsumer, u *urlutil.URL, opts RetrieveOptions) *ManagedRequest {
	r := &ManagedRequest{
		manager:  m,
		consumer: consumer,
		url:      u,
		opts:     opts,
		servers:  m.selector.Servers(),
		logger:   m.logger.WithField("url", u.String()),
	}
	go r.nextServer()
	return r
}

// ManagedRequest 是 RequestManager 返回的句柄，pause/resume/cancel 转发给当前请求。
type ManagedRequest struct {
	manager  *RequestManager
	consumer StreamConsumer
	url      *urlutil.URL
	opts     RetrieveOptions
	servers  []*Server
	logger   logrus.FieldLogger

	mu          sync.Mutex
	next        int
	server      *Server
	current     *StreamGetter
	canceled    bool
	paused      bool
	lastMessage string
}

func (r *ManagedRequest) nextServer() {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return
	}
	if r.next >= len(r.servers) {
		msg := r.lastMessage
		if msg == "" {
			msg = "no origin server available"
		}
		r.current = nil
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"action":  "origin_retrieve",
			"servers": len(r.servers),
		}).Warn("origin_servers_exhausted")
		r.consumer.ServerError(r, ServerUnavailable, msg)
		return
	}
	srv := r.servers[r.next]
	r.next++
	r.server = srv
	r.current = r.manager.requester.Retrieve(r, srv, r.url, r.opts)
	if r.paused {
		r.current.Pause()
	}
	r.mu.Unlock()
}

// accept 判断回调是否来自当前请求。
func (r *ManagedRequest) accept(req Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.canceled && r.current != nil && req == Request(r.current)
}

func (r *ManagedRequest) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	if r.current != nil {
		r.current.Pause()
	}
}

func (r *ManagedRequest) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	if r.current != nil {
		r.current.Resume()
	}
}

func (r *ManagedRequest) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled {
		return
	}
	r.canceled = true
	if r.current != nil {
		r.current.Cancel()
		r.current = nil
	}
}

func (r *ManagedRequest) OnInfo(req Request, info StreamInfo) {
	if r.accept(req) {
		r.consumer.OnInfo(r, info)
	}
}

func (r *ManagedRequest) OnData(req Request, data []byte) {
	if r.accept(req) {
		r.consumer.OnData(r, data)
	}
}

func (r *ManagedRequest) StreamDone(req Request) {
	if r.accept(req) {
		r.consumer.StreamDone(r)
	}
}

// ServerError 对连接级错误换下一个 endpoint，中断类错误与 416 直接上报。
func (r *ManagedRequest) ServerError(req Request, code Code, message string) {
	if !r.accept(req) {
		return
	}
	if code.Recoverable() || code == RangeNotSatisfiable {
		r.consumer.ServerError(r, code, message)
		return
	}

	r.mu.Lock()
	srv := r.server
	r.lastMessage = message
	r.mu.Unlock()

	srv.ReportError(code)
	r.logger.WithFields(logrus.Fields{
		"action": "origin_retrieve",
		"server": srv.Address(),
		"code":   code.String(),
	}).Info("origin_server_failed")
	r.nextServer()
}

func (r *ManagedRequest) ConditionFail(req Request, code Code, message string) {
	if r.accept(req) {
		r.consumer.ConditionFail(r, code, message)
	}
}

func (r *ManagedRequest) StreamNotAvailable(req Request, code Code, message string) {
	if r.accept(req) {
		r.consumer.StreamNotAvailable(r, code, message)
	}
}
