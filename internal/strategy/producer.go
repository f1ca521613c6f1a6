package strategy

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/cachestats"
	"github.com/any-hub/origin-cache/internal/resource"
	"github.com/any-hub/origin-cache/internal/upstream"
)

const (
	// ProducingPeriod 限制从会话推送的速率，约 6.5 Mbit/s。
	ProducingPeriod = 80 * time.Millisecond
	// ProducingBlockSize 为每次从会话读取的块大小。
	ProducingBlockSize = 64 * 1024
)

// RemoteProducer 从 offset 开始把会话数据推送给 consumer。
// 会话已下载的部分按块定时读取；尚未下载的部分改为一个长 Range 请求直接转发。
type RemoteProducer struct {
	consumer resource.Consumer
	session  *CachingSession
	requests *upstream.RequestManager
	stats    *cachestats.RequestStatistics
	offset   int64
	logger   logrus.FieldLogger
	retry    backoff.BackOff

	mu         sync.Mutex
	produced   int64
	pipelining bool
	paused     bool
	busy       bool
	terminated bool
	request    upstream.Request
	timer      *time.Timer
}

func newRemoteProducer(consumer resource.Consumer, session *CachingSession, requests *upstream.RequestManager, offset int64, stats *cachestats.RequestStatistics, logger logrus.FieldLogger) *RemoteProducer {
	p := &RemoteProducer{
		consumer: consumer,
		session:  session,
		requests: requests,
		stats:    stats,
		offset:   offset,
		logger: logger.WithFields(logrus.Fields{
			"session_id": session.id,
			"url":        session.URL().String(),
		}),
		retry: session.strategy.resumeBackOff(),
	}
	session.AddRef()
	p.logger.WithFields(logrus.Fields{
		"action": "produce",
		"offset": offset,
	}).Debug("producer_started")

	p.mu.Lock()
	p.timer = time.AfterFunc(0, p.produce)
	p.mu.Unlock()
	return p
}

func (p *RemoteProducer) PauseProducing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return
	}
	p.paused = true
	if p.pipelining && p.request != nil {
		p.request.Pause()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *RemoteProducer) ResumeProducing() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.paused = false
	if p.pipelining {
		if p.request != nil {
			p.request.Resume()
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.pipeline()
		return
	}
	if !p.busy && p.timer == nil {
		p.timer = time.AfterFunc(0, p.produce)
	}
	p.mu.Unlock()
}

func (p *RemoteProducer) StopProducing() {
	p.terminate()
}

// produce 从会话读取一块；会话无法提供时切换为直接请求源站。
func (p *RemoteProducer) produce() {
	p.mu.Lock()
	p.timer = nil
	if p.terminated || p.paused || p.pipelining || p.busy {
		p.mu.Unlock()
		return
	}
	p.busy = true
	offset := p.offset + p.produced
	p.mu.Unlock()

	data, ok, err := p.session.Read(offset, ProducingBlockSize)
	switch {
	case err != nil:
		p.logger.WithError(err).WithField("action", "produce").Debug("session_read_failed")
		p.terminate()
		return
	case !ok:
		p.mu.Lock()
		p.busy = false
		p.pipelining = true
		p.mu.Unlock()
		p.pipeline()
		return
	case len(data) == 0:
		p.logger.WithField("action", "produce").Debug("session_data_served")
		p.terminate()
		return
	}

	n := int64(len(data))
	p.stats.OnBytesRead(0, n, p.session.takeCorrection(n))
	if !p.write(data) {
		return
	}

	p.mu.Lock()
	p.busy = false
	if !p.terminated && !p.paused {
		p.timer = time.AfterFunc(ProducingPeriod, p.produce)
	}
	p.mu.Unlock()
}

func (p *RemoteProducer) write(data []byte) bool {
	if _, err := p.consumer.Write(data); err != nil {
		p.logger.WithError(err).WithField("action", "produce").Debug("consumer_write_failed")
		p.terminate()
		return false
	}
	p.mu.Lock()
	p.produced += int64(len(data))
	p.mu.Unlock()
	return true
}

// pipeline 以 If-Unmodified-Since 请求剩余的全部数据。
func (p *RemoteProducer) pipeline() {
	if !p.session.IsActive() {
		p.logger.WithFields(logrus.Fields{
			"action": "produce",
			"state":  p.session.State().String(),
		}).Debug("session_inactive")
		p.terminate()
		return
	}
	u, total, mtime := p.session.URL(), p.session.Size(), p.session.ModTime()

	p.mu.Lock()
	p.timer = nil
	if p.terminated || p.paused || p.request != nil {
		p.mu.Unlock()
		return
	}
	p.pipelining = true
	offset := p.offset + p.produced
	size := total - offset
	if size <= 0 {
		p.mu.Unlock()
		p.terminate()
		return
	}
	p.logger.WithFields(logrus.Fields{
		"action": "produce",
		"offset": offset,
		"size":   size,
	}).Debug("producer_pipelining")
	p.request = p.requests.Retrieve(p, u, upstream.RetrieveOptions{
		IfUnmodifiedSince: mtime,
		Start:             offset,
		Size:              size,
	})
	p.mu.Unlock()
}

func (p *RemoteProducer) terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	request := p.request
	p.request = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	produced := p.produced
	p.mu.Unlock()

	if request != nil {
		request.Cancel()
	}

	logger := p.logger.WithFields(logrus.Fields{
		"action":   "produce",
		"offset":   p.offset,
		"produced": produced,
	})
	if expected := p.session.Size() - p.offset; produced != expected {
		logger.WithField("expected", expected).Warn("producer_incomplete")
	} else {
		logger.Debug("producer_finished")
	}

	p.consumer.Finish()
	p.session.DelRef()
}

// current 校验回调来源，过期请求的回调直接忽略。
func (p *RemoteProducer) current(req upstream.Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.terminated && req == p.request
}

func (p *RemoteProducer) OnInfo(upstream.Request, upstream.StreamInfo) {}

func (p *RemoteProducer) OnData(req upstream.Request, data []byte) {
	if !p.current(req) {
		return
	}
	p.stats.OnBytesRead(int64(len(data)), 0, 0)
	p.write(data)
}

func (p *RemoteProducer) StreamDone(req upstream.Request) {
	if !p.current(req) {
		return
	}
	p.terminate()
}

func (p *RemoteProducer) ServerError(req upstream.Request, code upstream.Code, message string) {
	p.mu.Lock()
	if p.terminated || req != p.request {
		p.mu.Unlock()
		return
	}
	p.request = nil
	logger := p.logger.WithFields(logrus.Fields{
		"action": "produce",
		"code":   code.String(),
	})
	if code.Recoverable() {
		if delay := p.retry.NextBackOff(); delay != backoff.Stop {
			logger.WithField("delay", delay).Warn(message)
			if !p.paused {
				p.timer = time.AfterFunc(delay, p.pipeline)
			}
			p.mu.Unlock()
			return
		}
		logger.Debug("producer_resume_exhausted")
	}
	p.mu.Unlock()
	p.terminate()
}

func (p *RemoteProducer) ConditionFail(req upstream.Request, code upstream.Code, message string) {
	p.stopOn(req, code, message)
}

func (p *RemoteProducer) StreamNotAvailable(req upstream.Request, code upstream.Code, message string) {
	p.stopOn(req, code, message)
}

func (p *RemoteProducer) stopOn(req upstream.Request, code upstream.Code, message string) {
	if !p.current(req) {
		return
	}
	p.logger.WithFields(logrus.Fields{
		"action": "produce",
		"code":   code.String(),
	}).Warn(message)
	p.terminate()
}

var (
	_ resource.Producer       = (*RemoteProducer)(nil)
	_ upstream.StreamConsumer = (*RemoteProducer)(nil)
)
