package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/cache"
	"github.com/any-hub/origin-cache/internal/cachestats"
	"github.com/any-hub/origin-cache/internal/fileprovider"
	"github.com/any-hub/origin-cache/internal/upstream"
	"github.com/any-hub/origin-cache/internal/urlutil"
)

// SessionState 的取值有序，比较大小即可判断阶段。
type SessionState int

const (
	StatePipelining SessionState = iota
	StateRequesting
	StateBuffering
	StateCaching
	StateCached
	StateDetached
	StateClosed
	StateCanceled
	StateAborted
	StateError
)

var stateNames = [...]string{
	"pipelining",
	"requesting",
	"buffering",
	"caching",
	"cached",
	"detached",
	"closed",
	"canceled",
	"aborted",
	"error",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// event 只触发一次，err 为 nil 表示成功。
type event struct {
	ch    chan struct{}
	fired bool
	err   error
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

func (e *event) fire(err error) {
	if e.fired {
		return
	}
	e.fired = true
	e.err = err
	close(e.ch)
}

// CachingSession 把一个源站资源下载到临时文件，已写入部分可被多个 RemoteSource 共享读取。
type CachingSession struct {
	id              string
	strategy        *CachingStrategy
	url             *urlutil.URL
	identifier      string
	ifModifiedSince time.Time
	stats           *cachestats.CacheStatistics
	logger          logrus.FieldLogger
	ctx             context.Context
	cancelCtx       context.CancelFunc
	// 过期检查会话在拿到 info 前为 true，strategy 持锁时也可读取
	checkModified   atomic.Bool

	mu          sync.Mutex
	state       SessionState
	refcount    int
	request     upstream.Request
	mimeType    string
	mtime       time.Time
	size        int64
	buffer      []byte
	file        *cache.TempFile
	bytes       int64
	correction  int64
	retry       backoff.BackOff
	resumeTimer *time.Timer
	err         error
	info        *event
	started     *event
	finished    *event
}

// newCachingSession 创建会话，由 strategy.claimSession 登记。
// ifModifiedSince 非零时会话用于过期检查。
func newCachingSession(strategy *CachingStrategy, u *urlutil.URL, ifModifiedSince time.Time) *CachingSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &CachingSession{
		id:              uuid.NewString(),
		strategy:        strategy,
		url:             u,
		identifier:      strategy.cache.Identifier(u.Path),
		ifModifiedSince: ifModifiedSince,
		stats:           strategy.stats,
		ctx:             ctx,
		cancelCtx:       cancel,
		state:           StatePipelining,
		retry:           strategy.resumeBackOff(),
		info:            newEvent(),
		started:         newEvent(),
		finished:        newEvent(),
	}
	s.logger = strategy.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"identifier": s.identifier,
		"url":        u.String(),
	})
	s.checkModified.Store(!ifModifiedSince.IsZero())
	s.logger.WithField("action", "session_create").Debug("session_created")
	return s
}

func (s *CachingSession) Identifier() string { return s.identifier }
func (s *CachingSession) URL() *urlutil.URL  { return s.url }

func (s *CachingSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CachingSession) MimeType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mimeType
}

func (s *CachingSession) ModTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtime
}

func (s *CachingSession) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// CheckModified 表示会话仍在确认缓存文件是否过期。
func (s *CachingSession) CheckModified() bool {
	return s.checkModified.Load()
}

// IsActive 对未关闭或仅中止缓存的会话返回 true。
func (s *CachingSession) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state < StateClosed || s.state == StateAborted
}

// Cache 发起下载，只在 Pipelining 状态生效。
func (s *CachingSession) Cache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePipelining {
		return
	}
	s.state = StateRequesting
	s.logger.WithField("action", "session_cache").Debug("caching_requested")
	s.stats.OnCopyStarted()
	s.firstRetrieveLocked()
}

// WaitInfo 等待拿到资源大小与 mtime。
func (s *CachingSession) WaitInfo(ctx context.Context) error {
	return s.wait(ctx, s.info, func() bool { return s.state < StateBuffering })
}

// WaitStarted 等待源站开始返回数据。
func (s *CachingSession) WaitStarted(ctx context.Context) error {
	return s.wait(ctx, s.started, func() bool { return s.state <= StateRequesting })
}

// WaitFinished 等待文件写完并发布到缓存目录。
func (s *CachingSession) WaitFinished(ctx context.Context) error {
	return s.wait(ctx, s.finished, func() bool { return s.state < StateDetached })
}

func (s *CachingSession) wait(ctx context.Context, ev *event, pending func() bool) error {
	s.mu.Lock()
	if !pending() {
		defer s.mu.Unlock()
		if s.state <= StateClosed {
			return nil
		}
		return s.err
	}
	ch := ev.ch
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		return ev.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read 返回已下载的数据。ok 为 false 表示数据尚不可用，调用方应改为直接向源站请求。
func (s *CachingSession) Read(offset int64, n int) (data []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateCanceled:
		return nil, false, fileprovider.NewError(fileprovider.ErrOutOfDate, "file out of date")
	case s.state == StateAborted:
		return nil, false, nil
	case s.state >= StateClosed:
		return nil, false, fileprovider.NewError(fileprovider.ErrFileClosed, "session closed")
	}
	if s.file == nil && s.buffer == nil {
		return nil, false, nil
	}

	end := min(s.size, offset+int64(n))
	if end > s.bytes {
		return nil, false, nil
	}
	if offset >= end {
		return []byte{}, true, nil
	}

	data = make([]byte, end-offset)
	if s.file == nil {
		copy(data, s.buffer[offset:end])
		return data, true, nil
	}
	read, err := s.file.ReadAt(data, offset)
	if err != nil {
		return nil, false, fileprovider.FromOSError(err, s.file.Path())
	}
	return data[:read], true, nil
}

// takeCorrection 把至多 n 个刚下载的字节计为源站读取。
func (s *CachingSession) takeCorrection(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	diff := min(s.correction, n)
	s.correction -= diff
	return diff
}

// Cancel 使会话失效，等待者与后续读取得到 ErrOutOfDate，临时文件被删除。
func (s *CachingSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Abort 停止缓存但保留会话，之后的读取返回 ok=false。
func (s *CachingSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state < StateRequesting || s.state >= StateCached {
		return
	}
	s.abortLocked()
}

// cancelLocked 对尚未 Cache 的会话同样生效，之后的 Cache 不再发起下载。
func (s *CachingSession) cancelLocked() {
	if s.state >= StateCached {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"action": "session_cancel",
		"bytes":  s.bytes,
		"size":   s.size,
	}).Debug("session_canceled")

	s.strategy.onSessionCanceled(s)
	if s.state >= StateRequesting {
		s.stats.OnCopyCancelled(s.size, s.bytes)
	}
	s.closeLocked()
	s.fireErrorLocked(fileprovider.NewError(fileprovider.ErrOutOfDate, "file out of date"))
	s.dropRequestLocked()
	s.state = StateCanceled
}

// abortLocked 不检查状态，临时文件分配失败时在 Cached 状态也会调用。
func (s *CachingSession) abortLocked() {
	s.logger.WithFields(logrus.Fields{
		"action": "session_abort",
		"bytes":  s.bytes,
		"size":   s.size,
	}).Debug("session_aborted")

	s.strategy.onSessionCanceled(s)
	s.stats.OnCopyCancelled(s.size, s.bytes)
	s.closeLocked()
	s.fireErrorLocked(fileprovider.NewError(fileprovider.ErrFile, "caching aborted"))
	s.dropRequestLocked()
	s.state = StateAborted
}

func (s *CachingSession) AddRef() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refcount++
}

// tryAddRef 仅在会话仍可读取时增加引用。
func (s *CachingSession) tryAddRef() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed, StateCanceled, StateError:
		return false
	}
	s.refcount++
	return true
}

// DelRef 释放引用，已 Detached 的会话在最后一个引用释放时关闭。
func (s *CachingSession) DelRef() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refcount--
	if s.refcount == 0 && s.state == StateDetached {
		s.logger.WithField("action", "session_release").Debug("detached_session_unreferenced")
		s.closeLocked()
	}
}

// OnInfo 实现 upstream.StreamConsumer。
func (s *CachingSession) OnInfo(req upstream.Request, info upstream.StreamInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req != s.request {
		return
	}
	if s.state == StateBuffering {
		// 续传时仍在等待临时文件，不继续积累数据
		s.request.Pause()
		return
	}
	if s.state != StateRequesting {
		return
	}

	if info.Size != info.Length-s.bytes {
		s.logger.WithFields(logrus.Fields{
			"action": "session_info",
			"size":   info.Size,
			"length": info.Length,
			"bytes":  s.bytes,
		}).Warn("unexpected_stream_size")
		s.closeLocked()
		s.errorLocked(fileprovider.NewError(fileprovider.ErrFile, "unexpected resource size: %d", info.Size))
		return
	}

	s.state = StateBuffering
	s.mimeType = fileprovider.MimeTypeOf(s.url.Path)
	if s.mimeType == "" {
		s.mimeType = info.MimeType
	}
	s.mtime = info.MTime
	s.size = info.Size
	s.checkModified.Store(false)
	s.buffer = make([]byte, 0, min(info.Size, sessionBufferHint))

	s.logger.WithFields(logrus.Fields{
		"action":    "session_info",
		"mime_type": s.mimeType,
		"size":      s.size,
		"mtime":     s.mtime,
	}).Debug("session_buffering")

	// pause 之后仍可能收到少量数据，先写入内存缓冲
	s.request.Pause()
	s.info.fire(nil)
	s.started.fire(nil)

	go s.allocateTempFile(s.size, s.mtime)
}

func (s *CachingSession) allocateTempFile(size int64, mtime time.Time) {
	file, err := s.strategy.cache.NewTempFile(s.ctx, s.url.Path, size, mtime)
	s.gotTempFile(file, err)
}

func (s *CachingSession) gotTempFile(file *cache.TempFile, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBuffering && s.state != StateCached {
		if file != nil {
			file.Close()
		}
		return
	}
	if err != nil || file == nil {
		s.logger.WithError(err).WithField("action", "session_tempfile").Warn("temp_file_unavailable")
		s.abortLocked()
		return
	}

	if len(s.buffer) > 0 {
		if _, err := file.WriteAt(s.buffer, 0); err != nil {
			s.logger.WithError(err).WithField("action", "session_tempfile").Warn("temp_file_write_failed")
			file.Close()
			s.abortLocked()
			return
		}
	}
	s.file = file
	s.buffer = nil
	s.logger.WithFields(logrus.Fields{
		"action":    "session_tempfile",
		"temp_file": file.Path(),
	}).Debug("session_caching")

	if s.request != nil {
		s.request.Resume()
	}
	if s.state == StateCached {
		s.realCompleteLocked()
		return
	}
	s.state = StateCaching
}

func (s *CachingSession) OnData(req upstream.Request, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req != s.request {
		return
	}
	if s.state != StateBuffering && s.state != StateCaching {
		return
	}

	if s.file == nil {
		s.buffer = append(s.buffer, data...)
	} else if _, err := s.file.WriteAt(data, s.bytes); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "session_write",
			"bytes":  s.bytes,
			"size":   s.size,
		}).Warn("temp_file_write_failed")
		s.abortLocked()
		return
	}
	s.bytes += int64(len(data))
	s.correction += int64(len(data))
}

func (s *CachingSession) StreamDone(req upstream.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req != s.request {
		return
	}
	if s.state != StateBuffering && s.state != StateCaching {
		return
	}
	s.request = nil

	s.logger.WithFields(logrus.Fields{
		"action": "session_done",
		"size":   s.size,
	}).Debug("session_download_finished")

	previous := s.state
	s.state = StateCached
	if previous != StateBuffering {
		s.realCompleteLocked()
	}
}

// ServerError 对断线与超时续传，次数用尽后以 ErrUnavailable 结束。
func (s *CachingSession) ServerError(req upstream.Request, code upstream.Code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req != s.request {
		return
	}
	s.request = nil

	logger := s.logger.WithFields(logrus.Fields{
		"action": "session_request",
		"code":   code.String(),
		"bytes":  s.bytes,
		"size":   s.size,
	})
	logger.Warn(message)

	if code.Recoverable() {
		if delay := s.retry.NextBackOff(); delay != backoff.Stop {
			logger.WithField("delay", delay).Debug("session_resume_scheduled")
			s.resumeTimer = time.AfterFunc(delay, s.resume)
			return
		}
		logger.Debug("session_resume_exhausted")
	}
	s.closeLocked()
	s.errorLocked(fileprovider.NewError(fileprovider.ErrUnavailable, "%s", message))
}

func (s *CachingSession) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeTimer = nil
	if s.request != nil || s.state < StateRequesting || s.state > StateCaching {
		return
	}
	if s.state > StateRequesting {
		s.resumeRetrieveLocked()
		return
	}
	// 尚未拿到 info，从头开始
	s.firstRetrieveLocked()
}

// ConditionFail 在续传时遇到 412 表示源站资源已变更，取消会话。
func (s *CachingSession) ConditionFail(req upstream.Request, code upstream.Code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req != s.request {
		return
	}
	if code == upstream.StreamModified {
		s.logger.WithField("action", "session_request").Info("modification_detected")
		s.cancelLocked()
		return
	}
	s.logger.WithFields(logrus.Fields{
		"action": "session_request",
		"code":   code.String(),
	}).Debug("condition_failed")
	s.closeLocked()
	s.errorLocked(&ConditionError{Code: code, Msg: message})
}

func (s *CachingSession) StreamNotAvailable(req upstream.Request, code upstream.Code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req != s.request {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"action": "session_request",
		"code":   code.String(),
	}).Debug("stream_not_available")
	s.closeLocked()

	switch code {
	case upstream.StreamNotFound:
		s.errorLocked(fileprovider.NewError(fileprovider.ErrNotFound, "%s", message))
	case upstream.StreamForbidden:
		s.errorLocked(fileprovider.NewError(fileprovider.ErrAccess, "%s", message))
	default:
		s.errorLocked(fileprovider.NewError(fileprovider.ErrFile, "%s", message))
	}
}

func (s *CachingSession) errorLocked(err error) {
	s.logger.WithError(err).WithField("action", "session_error").Debug("session_failed")
	s.state = StateError
	s.strategy.onResourceError(s)
	s.dropRequestLocked()
	s.fireErrorLocked(err)
}

func (s *CachingSession) fireErrorLocked(err error) {
	s.err = err
	s.info.fire(err)
	s.started.fire(err)
	s.finished.fire(err)
}

func (s *CachingSession) dropRequestLocked() {
	if s.request != nil {
		s.request.Cancel()
		s.request = nil
	}
}

func (s *CachingSession) closeLocked() {
	if s.state >= StateClosed {
		return
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.logger.WithError(err).WithField("action", "session_close").Warn("temp_file_close_failed")
		}
		s.file = nil
	}
	s.buffer = nil
	s.cancelCtx()
	s.state = StateClosed
	s.logger.WithField("action", "session_close").Debug("session_closed")
}

func (s *CachingSession) realCompleteLocked() {
	s.state = StateDetached
	if err := s.file.Complete(); err != nil {
		s.logger.WithError(err).WithField("action", "session_complete").Warn("cache_publish_failed")
	}
	s.strategy.onResourceCached(s)

	if s.refcount == 0 {
		s.closeLocked()
	}
	s.stats.OnCopyFinished(s.size)
	s.finished.fire(nil)
	s.logger.WithFields(logrus.Fields{
		"action": "session_complete",
		"size":   s.size,
	}).Debug("session_detached")
}

func (s *CachingSession) firstRetrieveLocked() {
	s.request = s.strategy.requests.Retrieve(s, s.url, upstream.RetrieveOptions{
		IfModifiedSince: s.ifModifiedSince,
	})
}

func (s *CachingSession) resumeRetrieveLocked() {
	s.logger.WithFields(logrus.Fields{
		"action": "session_resume",
		"offset": s.bytes,
		"size":   s.size - s.bytes,
	}).Debug("session_resuming")
	s.request = s.strategy.requests.Retrieve(s, s.url, upstream.RetrieveOptions{
		IfUnmodifiedSince: s.mtime,
		Start:             s.bytes,
		Size:              s.size - s.bytes,
	})
}

var _ upstream.StreamConsumer = (*CachingSession)(nil)
