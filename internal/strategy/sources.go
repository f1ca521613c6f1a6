package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/any-hub/origin-cache/internal/cache"
	"github.com/any-hub/origin-cache/internal/cachestats"
	"github.com/any-hub/origin-cache/internal/fileprovider"
	"github.com/any-hub/origin-cache/internal/resource"
	"github.com/any-hub/origin-cache/internal/urlutil"
)

// CachedSource 直接读取本地缓存文件。
type CachedSource struct {
	identifier string
	url        *urlutil.URL
	file       *cache.CachedFile
	stats      *cachestats.RequestStatistics
	mimeType   string

	closeOnce sync.Once
}

func newCachedSource(identifier string, u *urlutil.URL, file *cache.CachedFile, stats *cachestats.RequestStatistics) *CachedSource {
	return &CachedSource{
		identifier: identifier,
		url:        u,
		file:       file,
		stats:      stats,
		mimeType:   fileprovider.MimeTypeOf(u.Path),
	}
}

func (c *CachedSource) Identifier() string { return c.identifier }
func (c *CachedSource) URL() *urlutil.URL  { return c.url }
func (c *CachedSource) MimeType() string   { return c.mimeType }
func (c *CachedSource) ModTime() time.Time { return c.file.ModTime() }
func (c *CachedSource) Size() int64        { return c.file.Size() }

func (c *CachedSource) Read(_ context.Context, offset int64, size int) ([]byte, error) {
	remaining := c.file.Size() - offset
	if remaining <= 0 {
		return []byte{}, nil
	}
	if int64(size) > remaining {
		size = int(remaining)
	}
	buf := make([]byte, size)
	n, err := c.file.ReadAt(buf, offset)
	if err != nil {
		return nil, fileprovider.FromOSError(err, c.file.Path())
	}
	c.stats.OnBytesRead(0, int64(n), 0)
	return buf[:n], nil
}

// Produce 返回 nil，缓存文件以拉取方式读取更合适。
func (c *CachedSource) Produce(resource.Consumer, int64) resource.Producer {
	return nil
}

func (c *CachedSource) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stats.OnClosed()
		err = c.file.Close()
	})
	return err
}

// RemoteSource 通过会话读取尚未缓存完成的资源，会话无法提供时改用块请求。
type RemoteSource struct {
	strategy   *CachingStrategy
	session    *CachingSession
	stats      *cachestats.RequestStatistics
	identifier string
	url        *urlutil.URL
	mimeType   string
	mtime      time.Time
	size       int64

	closeOnce sync.Once
}

// newRemoteSource 接管调用方已经持有的会话引用。
func newRemoteSource(strategy *CachingStrategy, session *CachingSession, stats *cachestats.RequestStatistics) *RemoteSource {
	return &RemoteSource{
		strategy:   strategy,
		session:    session,
		stats:      stats,
		identifier: session.Identifier(),
		url:        session.URL(),
		mimeType:   session.MimeType(),
		mtime:      session.ModTime(),
		size:       session.Size(),
	}
}

func (r *RemoteSource) Identifier() string { return r.identifier }
func (r *RemoteSource) URL() *urlutil.URL  { return r.url }
func (r *RemoteSource) MimeType() string   { return r.mimeType }
func (r *RemoteSource) ModTime() time.Time { return r.mtime }
func (r *RemoteSource) Size() int64        { return r.size }

// Session 返回共享的缓存会话。
func (r *RemoteSource) Session() *CachingSession { return r.session }

func (r *RemoteSource) Read(ctx context.Context, offset int64, size int) ([]byte, error) {
	if offset >= r.size {
		return []byte{}, nil
	}
	if remaining := r.size - offset; int64(size) > remaining {
		size = int(remaining)
	}

	data, ok, err := r.session.Read(offset, size)
	if err != nil {
		return nil, err
	}
	if ok {
		n := int64(len(data))
		r.stats.OnBytesRead(0, n, r.session.takeCorrection(n))
		return data, nil
	}

	data, err = r.strategy.RequestData(ctx, r.url, offset, int64(size), r.mtime)
	if err != nil {
		if errors.Is(err, fileprovider.ErrOutOfDate) {
			r.session.Cancel()
		}
		return nil, err
	}
	r.stats.OnBytesRead(int64(len(data)), 0, 0)
	return data, nil
}

func (r *RemoteSource) Produce(consumer resource.Consumer, offset int64) resource.Producer {
	return newRemoteProducer(consumer, r.session, r.strategy.requests, offset, r.stats, r.strategy.logger)
}

func (r *RemoteSource) Close() error {
	r.closeOnce.Do(func() {
		r.stats.OnClosed()
		r.session.DelRef()
	})
	return nil
}

var (
	_ resource.DataSource = (*CachedSource)(nil)
	_ resource.DataSource = (*RemoteSource)(nil)
)
