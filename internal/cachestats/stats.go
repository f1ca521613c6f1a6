// Package cachestats aggregates origin-cache statistics: per-request cache
// classification and byte accounting, plus process-wide counters pushed to an
// Updater (Prometheus gauges, a JSON snapshot, a periodic log line).
package cachestats

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultUpdatePeriod 为统计推送周期。
const DefaultUpdatePeriod = 10 * time.Second

// CacheStatus 描述一次 get_source 的命中分类。
type CacheStatus int

const (
	CacheMiss CacheStatus = iota
	CacheHit
	TempHit
)

// Updater 接收统计键值；实现不得回调 CacheStatistics。
type Updater interface {
	Update(key string, value any)
}

// UpdaterFunc 将函数适配为 Updater。
type UpdaterFunc func(key string, value any)

func (f UpdaterFunc) Update(key string, value any) { f(key, value) }

// MultiUpdater 依次转发给多个 Updater。
type MultiUpdater []Updater

func (m MultiUpdater) Update(key string, value any) {
	for _, u := range m {
		if u != nil {
			u.Update(key, value)
		}
	}
}

// CacheStatistics 是进程级缓存统计。
type CacheStatistics struct {
	logger logrus.FieldLogger

	mu              sync.Mutex
	updater         Updater
	stop            chan struct{}
	done            chan struct{}
	cacheUsage      int64
	cacheUsageRatio float64
	hitCount        int64
	tempHitCount    int64
	missCount       int64
	outdateCount    int64
	cleanupCount    int64
	lastCleanup     time.Time
	bytesFromSource int64
	bytesFromCache  int64
	totalCopies     int64
	currentCopies   int64
	finishedCopies  int64
	cancelledCopies int64
	bytesCopied     int64
	copyRatios      float64
}

// New 创建统计对象，logger 用于周期统计行。
func New(logger logrus.FieldLogger) *CacheStatistics {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CacheStatistics{logger: logger}
}

// StartUpdates 立即推送全部键值，之后每个 period 推送 cache-read-ratio 并记录统计行。
func (s *CacheStatistics) StartUpdates(updater Updater, period time.Duration) {
	if updater == nil {
		return
	}
	if period <= 0 {
		period = DefaultUpdatePeriod
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updater = updater
	if s.stop != nil {
		return
	}
	s.set("cache-usage-estimation", s.cacheUsage)
	s.set("cache-usage-ratio-estimation", s.cacheUsageRatio)
	s.set("cleanup-count", s.cleanupCount)
	s.set("last-cleanup-time", s.lastCleanup)
	s.set("current-copy-count", s.currentCopies)
	s.set("finished-copy-count", s.finishedCopies)
	s.set("cancelled-copy-count", s.cancelledCopies)
	s.set("mean-copy-ratio", s.meanCopyRatio())
	s.set("mean-bytes-copied", s.meanBytesCopied())
	s.set("cache-hit-count", s.hitCount)
	s.set("temp-hit-count", s.tempHitCount)
	s.set("cache-miss-count", s.missCount)
	s.set("cache-outdate-count", s.outdateCount)
	s.tick()

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(period, s.stop, s.done)
}

// StopUpdates 停止周期推送，可重复调用。
func (s *CacheStatistics) StopUpdates() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.updater = nil
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *CacheStatistics) loop(period time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.tick()
			s.mu.Unlock()
		}
	}
}

func (s *CacheStatistics) tick() {
	s.set("cache-read-ratio", s.cacheReadRatio())
	s.logger.WithFields(logrus.Fields{
		"action": "stats_local_cache",
		"CRR":    s.cacheReadRatio(),
		"CMC":    s.missCount,
		"CHC":    s.hitCount,
		"THC":    s.tempHitCount,
		"COC":    s.outdateCount,
		"CCC":    s.cleanupCount,
		"CCU":    s.cacheUsage,
		"CUR":    s.cacheUsageRatio,
		"PTC":    s.totalCopies,
		"PCC":    s.currentCopies,
		"PAC":    s.cancelledCopies,
		"MCS":    s.meanBytesCopied(),
		"MCR":    s.meanCopyRatio(),
	}).Debug("cache_stats")
}

func (s *CacheStatistics) set(key string, value any) {
	if s.updater != nil {
		s.updater.Update(key, value)
	}
}

func (s *CacheStatistics) cacheReadRatio() float64 {
	total := s.bytesFromSource + s.bytesFromCache
	if total == 0 {
		return 0
	}
	return float64(s.bytesFromCache) / float64(total)
}

func (s *CacheStatistics) meanBytesCopied() int64 {
	if s.finishedCopies == 0 {
		return 0
	}
	return s.bytesCopied / s.finishedCopies
}

func (s *CacheStatistics) meanCopyRatio() float64 {
	if s.finishedCopies == 0 {
		return 0
	}
	return s.copyRatios / float64(s.finishedCopies)
}

// OnEstimateCacheUsage 实现 cache.StatsSink。
func (s *CacheStatistics) OnEstimateCacheUsage(usage, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheUsage = usage
	if size > 0 {
		s.cacheUsageRatio = float64(usage) / float64(size)
	}
	s.set("cache-usage-estimation", s.cacheUsage)
	s.set("cache-usage-ratio-estimation", s.cacheUsageRatio)
}

// OnCleanup 实现 cache.StatsSink。
func (s *CacheStatistics) OnCleanup(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupCount++
	s.lastCleanup = at
	s.set("cleanup-count", s.cleanupCount)
	s.set("last-cleanup-time", at)
}

func (s *CacheStatistics) OnCopyStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentCopies++
	s.totalCopies++
	s.set("current-copy-count", s.currentCopies)
}

// OnCopyCancelled 记录被取消的拷贝，copied 为已写入字节。
func (s *CacheStatistics) OnCopyCancelled(size, copied int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentCopies--
	s.finishedCopies++
	s.cancelledCopies++
	s.bytesCopied += copied
	if size > 0 {
		s.copyRatios += float64(copied) / float64(size)
	}
	s.set("current-copy-count", s.currentCopies)
	s.set("finished-copy-count", s.finishedCopies)
	s.set("cancelled-copy-count", s.cancelledCopies)
	s.set("mean-copy-ratio", s.meanCopyRatio())
	s.set("mean-bytes-copied", s.meanBytesCopied())
}

func (s *CacheStatistics) OnCopyFinished(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentCopies--
	s.finishedCopies++
	s.bytesCopied += size
	s.copyRatios += 1.0
	s.set("current-copy-count", s.currentCopies)
	s.set("finished-copy-count", s.finishedCopies)
	s.set("mean-copy-ratio", s.meanCopyRatio())
	s.set("mean-bytes-copied", s.meanBytesCopied())
}

func (s *CacheStatistics) onStarted(status CacheStatus, outdated bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var label string
	switch status {
	case CacheHit:
		s.hitCount++
		label = "cache-hit"
	case TempHit:
		s.hitCount++
		s.tempHitCount++
		label = "temp-hit"
	default:
		s.missCount++
		label = "cache-miss"
		if outdated {
			label = "cache-outdate"
		}
	}
	s.set("cache-hit-count", s.hitCount)
	s.set("temp-hit-count", s.tempHitCount)
	s.set("cache-miss-count", s.missCount)
	return label
}

func (s *CacheStatistics) onOutdated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outdateCount++
	s.set("cache-outdate-count", s.outdateCount)
}

func (s *CacheStatistics) onBytesRead(fromSource, fromCache int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesFromSource += fromSource
	s.bytesFromCache += fromCache
}

// Snapshot 返回当前统计的拷贝，键名与 Updater 一致。
func (s *CacheStatistics) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"cache-usage-estimation":       s.cacheUsage,
		"cache-usage-ratio-estimation": s.cacheUsageRatio,
		"cleanup-count":                s.cleanupCount,
		"last-cleanup-time":            s.lastCleanup,
		"current-copy-count":           s.currentCopies,
		"finished-copy-count":          s.finishedCopies,
		"cancelled-copy-count":         s.cancelledCopies,
		"mean-copy-ratio":              s.meanCopyRatio(),
		"mean-bytes-copied":            s.meanBytesCopied(),
		"cache-hit-count":              s.hitCount,
		"temp-hit-count":               s.tempHitCount,
		"cache-miss-count":             s.missCount,
		"cache-outdate-count":          s.outdateCount,
		"cache-read-ratio":             s.cacheReadRatio(),
		"bytes-read-from-source":       s.bytesFromSource,
		"bytes-read-from-cache":        s.bytesFromCache,
	}
}
