package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/cache"
	"github.com/any-hub/origin-cache/internal/cachestats"
	"github.com/any-hub/origin-cache/internal/fileprovider"
	"github.com/any-hub/origin-cache/internal/resource"
	"github.com/any-hub/origin-cache/internal/upstream"
	"github.com/any-hub/origin-cache/internal/urlutil"
)

const (
	// DefaultTTL 为缓存文件免检查的时长。
	DefaultTTL = 300 * time.Second
	// ExpireCheckTTL 在过期检查失败时使用，避免源站故障时每次都去检查。
	ExpireCheckTTL = 3 * time.Second
	// MaxResumeCount 为断线续传的最大次数。
	MaxResumeCount = 20

	expirationCleanupPeriod = 30 * time.Second
	resumeInitialInterval   = 50 * time.Millisecond
	resumeMaxInterval       = 2 * time.Second
	sessionBufferHint       = 256 * 1024
)

func newResumeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = resumeInitialInterval
	b.MaxInterval = resumeMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, MaxResumeCount)
}

// CachingStrategy 在缓存文件、进行中的会话与新下载之间选择数据源。
// 每次未命中都立即创建会话下载；缓存过期后以 If-Modified-Since 检查源站。
type CachingStrategy struct {
	cache    *cache.Manager
	requests *upstream.RequestManager
	stats    *cachestats.CacheStatistics
	ttl      time.Duration
	logger   logrus.FieldLogger

	// identifier → 过期时间，go-cache 负责周期清理
	expirations *gocache.Cache

	// 会话、块请求与 producer 断线续传的等待策略
	resumeBackOff func() backoff.BackOff

	mu       sync.Mutex
	sessions map[string]*CachingSession
}

func New(cacheMgr *cache.Manager, requests *upstream.RequestManager, stats *cachestats.CacheStatistics, ttl time.Duration, logger logrus.FieldLogger) *CachingStrategy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if stats == nil {
		stats = cachestats.New(logger)
	}
	return &CachingStrategy{
		cache:       cacheMgr,
		requests:    requests,
		stats:       stats,
		ttl:         ttl,
		logger:      logger,
		expirations: gocache.New(ttl, expirationCleanupPeriod),
		sessions:    make(map[string]*CachingSession),

		resumeBackOff: newResumeBackOff,
	}
}

// Setup 启动源站 DNS 刷新。
func (c *CachingStrategy) Setup(ctx context.Context) {
	c.requests.Setup(ctx)
}

// Cleanup 停止 DNS 刷新并取消所有会话。
func (c *CachingStrategy) Cleanup() {
	c.requests.Cleanup()
	for _, session := range c.Sessions() {
		session.Cancel()
	}
}

// Sessions 返回当前登记的会话快照。
func (c *CachingStrategy) Sessions() []*CachingSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessions := make([]*CachingSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// KeepCacheAlive 刷新缓存文件的免检查期限，ttl<=0 时使用默认 TTL。
func (c *CachingStrategy) KeepCacheAlive(identifier string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.expirations.Set(identifier, time.Now().Add(ttl), ttl)
}

func (c *CachingStrategy) isAlive(identifier string) bool {
	_, ok := c.expirations.Get(identifier)
	return ok
}

func (c *CachingStrategy) session(identifier string) *CachingSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[identifier]
}

// GetSource 实现 resource.SourceProvider。
func (c *CachingStrategy) GetSource(ctx context.Context, u *urlutil.URL, stats *cachestats.RequestStatistics) (resource.DataSource, error) {
	identifier := c.cache.Identifier(u.Path)
	logger := c.logger.WithFields(logrus.Fields{
		"action":     "get_source",
		"identifier": identifier,
		"url":        u.String(),
	})

	if session := c.session(identifier); session != nil && !session.CheckModified() {
		source, err := c.sourceFromSession(ctx, session, stats)
		if source != nil || err != nil {
			return source, err
		}
		// 会话刚好结束，按普通查找处理
	}

	cached, err := c.cache.OpenCacheFile(u.Path)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logger.WithError(err).Warn("cache_open_failed")
		}
		logger.Debug("resource_not_cached")
		return c.onCacheMiss(ctx, u, stats)
	}

	session := c.session(identifier)
	if c.isAlive(identifier) || (session != nil && session.CheckModified()) {
		stats.OnStarted(cached.Size(), cachestats.CacheHit)
		return newCachedSource(identifier, u, cached, stats), nil
	}
	logger.Debug("cached_file_may_be_expired")
	return c.onCacheOutdated(ctx, u, identifier, cached, stats)
}

func (c *CachingStrategy) sourceFromSession(ctx context.Context, session *CachingSession, stats *cachestats.RequestStatistics) (resource.DataSource, error) {
	state := session.State()
	if !session.tryAddRef() {
		return nil, nil
	}

	status := cachestats.CacheMiss
	switch state {
	case StateCached, StateDetached:
		status = cachestats.CacheHit
	case StateRequesting, StateBuffering, StateCaching:
		status = cachestats.TempHit
	}

	if err := session.WaitInfo(ctx); err != nil {
		session.DelRef()
		return nil, err
	}
	stats.OnStarted(session.Size(), status)
	return newRemoteSource(c, session, stats), nil
}

func (c *CachingStrategy) onCacheMiss(ctx context.Context, u *urlutil.URL, stats *cachestats.RequestStatistics) (resource.DataSource, error) {
	session, created := c.claimSession(u, time.Time{}, true)
	if !created && !session.CheckModified() {
		// 并发的未命中已经登记了会话
		source, err := c.sourceFromSession(ctx, session, stats)
		if source != nil || err != nil {
			return source, err
		}
	}
	if !created {
		session, _ = c.claimSession(u, time.Time{}, false)
	}
	session.AddRef()
	session.Cache()
	if err := session.WaitStarted(ctx); err != nil {
		session.DelRef()
		var condErr *ConditionError
		if errors.As(err, &condErr) {
			return nil, fileprovider.WrapError(fileprovider.ErrFile, err, "unexpected condition for %s", u)
		}
		return nil, err
	}
	stats.OnStarted(session.Size(), cachestats.CacheMiss)
	return newRemoteSource(c, session, stats), nil
}

func (c *CachingStrategy) onCacheOutdated(ctx context.Context, u *urlutil.URL, identifier string, cached *cache.CachedFile, stats *cachestats.RequestStatistics) (resource.DataSource, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"action":     "expiration_check",
		"identifier": identifier,
		"url":        u.String(),
	})

	session, created := c.claimSession(u, cached.ModTime(), true)
	if !created {
		if session.CheckModified() {
			// 另一个请求正在检查，先使用缓存文件
			stats.OnStarted(cached.Size(), cachestats.CacheHit)
			return newCachedSource(identifier, u, cached, stats), nil
		}
		source, err := c.sourceFromSession(ctx, session, stats)
		if source != nil || err != nil {
			cached.Close()
			return source, err
		}
		session, _ = c.claimSession(u, cached.ModTime(), false)
	}
	session.AddRef()
	session.Cache()
	err := session.WaitStarted(ctx)
	if err == nil {
		logger.Debug("resource_outdated")
		if err := cached.Unlink(); err != nil {
			logger.WithError(err).Warn("cache_unlink_failed")
		}
		cached.Close()
		stats.OnCacheOutdated()
		stats.OnStarted(session.Size(), cachestats.CacheMiss)
		return newRemoteSource(c, session, stats), nil
	}
	session.DelRef()

	var condErr *ConditionError
	switch {
	case errors.As(err, &condErr):
		logger.Debug("resource_not_modified")
		c.KeepCacheAlive(identifier, 0)
		stats.OnStarted(cached.Size(), cachestats.CacheHit)
		return newCachedSource(identifier, u, cached, stats), nil
	case errors.Is(err, fileprovider.ErrNotFound), errors.Is(err, fileprovider.ErrAccess):
		logger.WithError(err).Debug("resource_gone")
		cached.Close()
		return nil, err
	case errors.Is(err, fileprovider.ErrFile):
		logger.WithError(err).Warn("expiration_check_failed")
		c.KeepCacheAlive(identifier, ExpireCheckTTL)
		stats.OnStarted(cached.Size(), cachestats.CacheHit)
		return newCachedSource(identifier, u, cached, stats), nil
	default:
		cached.Close()
		return nil, err
	}
}

// RequestData 以 Range 请求直接从源站读取一块数据，mtime 非零时附带 If-Unmodified-Since。
func (c *CachingStrategy) RequestData(ctx context.Context, u *urlutil.URL, offset, size int64, mtime time.Time) ([]byte, error) {
	return newBlockRequester(c.requests, u, mtime, c.resumeBackOff(), c.logger).Retrieve(ctx, offset, size)
}

// claimSession 在同一临界区内查找并登记会话。attach 为 true 且已有会话时返回该会话，
// 否则新建会话替换旧会话，旧会话被取消。
func (c *CachingStrategy) claimSession(u *urlutil.URL, ifModifiedSince time.Time, attach bool) (*CachingSession, bool) {
	identifier := c.cache.Identifier(u.Path)
	c.mu.Lock()
	old := c.sessions[identifier]
	if attach && old != nil {
		c.mu.Unlock()
		return old, false
	}
	s := newCachingSession(c, u, ifModifiedSince)
	c.sessions[identifier] = s
	c.mu.Unlock()
	if old != nil {
		old.Cancel()
	}
	return s, true
}

func (c *CachingStrategy) onSessionCanceled(s *CachingSession) {
	c.forget(s)
}

func (c *CachingStrategy) onResourceCached(s *CachingSession) {
	c.KeepCacheAlive(s.identifier, 0)
	c.forget(s)
}

func (c *CachingStrategy) onResourceError(s *CachingSession) {
	c.forget(s)
}

func (c *CachingStrategy) forget(s *CachingSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.identifier] == s {
		delete(c.sessions, s.identifier)
	}
}

var _ resource.SourceProvider = (*CachingStrategy)(nil)
