package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/fileprovider"
	"github.com/any-hub/origin-cache/internal/upstream"
	"github.com/any-hub/origin-cache/internal/urlutil"
)

// BlockRequester 以一次 Range 请求取回一块数据，mtime 变化时失败。
type BlockRequester struct {
	requests *upstream.RequestManager
	url      *urlutil.URL
	mtime    time.Time
	logger   logrus.FieldLogger
	retry    backoff.BackOff

	mu      sync.Mutex
	request upstream.Request
	timer   *time.Timer
	offset  int64
	size    int64
	data    []byte
	result  chan error
	done    bool
}

func newBlockRequester(requests *upstream.RequestManager, u *urlutil.URL, mtime time.Time, retry backoff.BackOff, logger logrus.FieldLogger) *BlockRequester {
	return &BlockRequester{
		requests: requests,
		url:      u,
		mtime:    mtime,
		logger:   logger.WithField("url", u.String()),
		retry:    retry,
		result:   make(chan error, 1),
	}
}

// Retrieve 取回 [offset, offset+size) 的数据；越过文件末尾时返回已取得的部分。
func (b *BlockRequester) Retrieve(ctx context.Context, offset, size int64) ([]byte, error) {
	b.mu.Lock()
	b.offset, b.size = offset, size
	b.data = make([]byte, 0, size)
	b.startLocked()
	b.mu.Unlock()

	select {
	case err := <-b.result:
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.data, nil
	case <-ctx.Done():
		b.mu.Lock()
		b.finishLocked(ctx.Err())
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (b *BlockRequester) startLocked() {
	b.request = b.requests.Retrieve(b, b.url, upstream.RetrieveOptions{
		IfUnmodifiedSince: b.mtime,
		Start:             b.offset,
		Size:              b.size,
	})
}

func (b *BlockRequester) finishLocked(err error) {
	if b.done {
		return
	}
	b.done = true
	if b.request != nil {
		b.request.Cancel()
		b.request = nil
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.result <- err
}

func (b *BlockRequester) resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	if b.done {
		return
	}
	b.startLocked()
}

func (b *BlockRequester) OnInfo(upstream.Request, upstream.StreamInfo) {}

func (b *BlockRequester) OnData(req upstream.Request, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req != b.request || b.done {
		return
	}
	n := int64(len(data))
	b.offset += n
	b.size -= n
	b.data = append(b.data, data...)
}

func (b *BlockRequester) StreamDone(req upstream.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req != b.request {
		return
	}
	b.request = nil
	b.finishLocked(nil)
}

func (b *BlockRequester) ServerError(req upstream.Request, code upstream.Code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req != b.request {
		return
	}
	b.request = nil

	if code == upstream.RangeNotSatisfiable {
		// 视为 EOF
		b.finishLocked(nil)
		return
	}
	logger := b.logger.WithFields(logrus.Fields{
		"action": "block_request",
		"code":   code.String(),
		"offset": b.offset,
		"size":   b.size,
	})
	if code.Recoverable() {
		if delay := b.retry.NextBackOff(); delay != backoff.Stop {
			logger.WithField("delay", delay).Debug("block_resume_scheduled")
			b.timer = time.AfterFunc(delay, b.resume)
			return
		}
		logger.Debug("block_resume_exhausted")
	}
	logger.Warn(message)
	b.finishLocked(fileprovider.NewError(fileprovider.ErrFile, "%s", message))
}

func (b *BlockRequester) ConditionFail(req upstream.Request, code upstream.Code, message string) {
	b.fail(req, code, message)
}

func (b *BlockRequester) StreamNotAvailable(req upstream.Request, code upstream.Code, message string) {
	b.fail(req, code, message)
}

// fail 把条件失败与资源消失都视为资源已变更。
func (b *BlockRequester) fail(req upstream.Request, code upstream.Code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req != b.request {
		return
	}
	b.request = nil
	b.logger.WithFields(logrus.Fields{
		"action": "block_request",
		"code":   code.String(),
	}).Debug("block_out_of_date")
	b.finishLocked(fileprovider.NewError(fileprovider.ErrOutOfDate, "%s", message))
}

var _ upstream.StreamConsumer = (*BlockRequester)(nil)
