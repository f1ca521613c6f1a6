package cachestats

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// RequestStatistics 记录单个 Resource 的命中分类与字节来源。
type RequestStatistics struct {
	cache *CacheStatistics

	mu              sync.Mutex
	outdated        bool
	size            int64
	status          string
	bytesFromSource int64
	bytesFromCache  int64
}

func NewRequest(cache *CacheStatistics) *RequestStatistics {
	return &RequestStatistics{cache: cache}
}

// OnStarted 记录命中分类，temp-hit 同时计入 cache-hit。
func (r *RequestStatistics) OnStarted(size int64, status CacheStatus) {
	r.mu.Lock()
	outdated := r.outdated
	r.size = size
	r.mu.Unlock()

	label := r.cache.onStarted(status, outdated)

	r.mu.Lock()
	r.status = label
	r.mu.Unlock()
}

func (r *RequestStatistics) OnCacheOutdated() {
	r.mu.Lock()
	r.outdated = true
	r.mu.Unlock()
	r.cache.onOutdated()
}

// OnBytesRead 计入读取字节；correction 为会话下载后又交给调用方的字节，计为源站读取。
func (r *RequestStatistics) OnBytesRead(fromSource, fromCache, correction int64) {
	src := fromSource + correction
	cached := fromCache - correction
	r.mu.Lock()
	r.bytesFromSource += src
	r.bytesFromCache += cached
	r.mu.Unlock()
	r.cache.onBytesRead(src, cached)
}

func (r *RequestStatistics) OnClosed() {}

func (r *RequestStatistics) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *RequestStatistics) BytesRead() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesFromSource + r.bytesFromCache
}

func (r *RequestStatistics) BytesReadFromSource() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesFromSource
}

func (r *RequestStatistics) BytesReadFromCache() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesFromCache
}

// CacheReadRatio 返回缓存读取占比。
func (r *RequestStatistics) CacheReadRatio() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.bytesFromSource + r.bytesFromCache
	if total == 0 {
		return 0
	}
	return float64(r.bytesFromCache) / float64(total)
}

// LogFields 提供 cache-status 与 cache-read 日志字段。
func (r *RequestStatistics) LogFields() logrus.Fields {
	r.mu.Lock()
	defer r.mu.Unlock()
	return logrus.Fields{
		"cache-status": r.status,
		"cache-read":   r.bytesFromCache,
	}
}
