package cache

import (
	"errors"
	"time"
)

// ErrNotFound 表示缓存文件不存在或不是普通文件。
var ErrNotFound = errors.New("cache entry not found")

// ErrNoSpace 表示无法为临时文件预留足够空间。
var ErrNoSpace = errors.New("not enough cache space")

// Options 描述缓存目录及容量策略。
type Options struct {
	Dir            string
	Realm          string
	Size           int64
	CleanupEnabled bool
	HighWatermark  float64
	LowWatermark   float64
}

// Tag 记录一次空间预留，generation 与用量估算的代数对应。
type Tag struct {
	generation uint64
	Size       int64
}

// StatsSink 接收缓存目录相关的统计事件。
type StatsSink interface {
	OnEstimateCacheUsage(usage, size int64)
	OnCleanup(at time.Time)
}

type nopStats struct{}

func (nopStats) OnEstimateCacheUsage(int64, int64) {}
func (nopStats) OnCleanup(time.Time)               {}
