package resource

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/cachestats"
	"github.com/any-hub/origin-cache/internal/fileprovider"
	"github.com/any-hub/origin-cache/internal/urlutil"
)

// Manager 为 URL 提供 Resource。
type Manager struct {
	sources SourceProvider
	stats   *cachestats.CacheStatistics
	logger  logrus.FieldLogger
}

func NewManager(sources SourceProvider, stats *cachestats.CacheStatistics, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{sources: sources, stats: stats, logger: logger}
}

// GetResource 查找数据源并包装为 Resource，错误已映射为 fileprovider 种类。
func (m *Manager) GetResource(ctx context.Context, u *urlutil.URL) (*Resource, error) {
	m.logger.WithFields(logrus.Fields{
		"action": "resource_open",
		"url":    u.String(),
	}).Debug("resource_requested")

	stats := cachestats.NewRequest(m.stats)
	source, err := m.sources.GetSource(ctx, u, stats)
	if err != nil {
		return nil, fileprovider.FromOSError(err, u.Path)
	}
	return newResource(source, stats), nil
}

// Resource 以文件方式读取数据源，维护读取偏移；同一时刻只允许一个 Read。
type Resource struct {
	stats    *cachestats.RequestStatistics
	mimeType string
	modTime  time.Time
	size     int64
	reading  atomic.Bool

	mu     sync.Mutex
	source DataSource
	offset int64
}

func newResource(source DataSource, stats *cachestats.RequestStatistics) *Resource {
	return &Resource{
		stats:    stats,
		mimeType: source.MimeType(),
		modTime:  source.ModTime(),
		size:     source.Size(),
		source:   source,
	}
}

func (r *Resource) MimeType() string   { return r.mimeType }
func (r *Resource) ModTime() time.Time { return r.modTime }
func (r *Resource) Size() int64        { return r.size }

func (r *Resource) Tell() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Seek 实现 io.Seeker，只修改读取位置，不做 IO。
func (r *Resource) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source == nil {
		return 0, fileprovider.NewError(fileprovider.ErrFileClosed, "file closed")
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.offset
	case io.SeekEnd:
		offset += r.size
	default:
		return 0, fileprovider.NewError(fileprovider.ErrFile, "invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, fileprovider.NewError(fileprovider.ErrFile, "negative offset %d", offset)
	}
	r.offset = offset
	return offset, nil
}

func (r *Resource) Read(ctx context.Context, size int) ([]byte, error) {
	if !r.reading.CompareAndSwap(false, true) {
		return nil, fileprovider.NewError(fileprovider.ErrFile, "simultaneous read not supported")
	}
	defer r.reading.Store(false)

	r.mu.Lock()
	source, offset := r.source, r.offset
	r.mu.Unlock()
	if source == nil {
		return nil, fileprovider.NewError(fileprovider.ErrFileClosed, "file closed")
	}

	data, err := source.Read(ctx, offset, size)
	if err != nil {
		return nil, fileprovider.FromOSError(err, source.URL().Path)
	}

	r.mu.Lock()
	if r.source != nil {
		r.offset = offset + int64(len(data))
	}
	r.mu.Unlock()
	return data, nil
}

// Produce 返回从 offset 开始推送的 Producer，offset<0 时从当前位置开始；数据源不支持时返回 nil。
func (r *Resource) Produce(consumer Consumer, offset int64) (Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source == nil {
		return nil, fileprovider.NewError(fileprovider.ErrFileClosed, "file closed")
	}
	if offset < 0 {
		offset = r.offset
	}
	return r.source.Produce(consumer, offset), nil
}

func (r *Resource) Close() error {
	r.mu.Lock()
	source := r.source
	r.source = nil
	r.mu.Unlock()
	if source == nil {
		return fileprovider.NewError(fileprovider.ErrFileClosed, "file closed")
	}
	return source.Close()
}

// LogFields 返回 cache-status 与 cache-read 字段。
func (r *Resource) LogFields() logrus.Fields {
	return r.stats.LogFields()
}

// Stats 返回本次访问的统计。
func (r *Resource) Stats() *cachestats.RequestStatistics {
	return r.stats
}

var (
	_ fileprovider.File = (*Resource)(nil)
	_ io.Seeker        = (*Resource)(nil)
)
