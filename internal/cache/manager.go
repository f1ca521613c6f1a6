package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// identifierMemoLimit 超过后清空 path→identifier 备忘表。
const identifierMemoLimit = 1024

// Manager 管理缓存目录、容量预留与淘汰。
type Manager struct {
	dir            string
	prefix         string
	size           int64
	maxUsage       int64
	minUsage       int64
	cleanupEnabled bool

	stats  StatsSink
	logger logrus.FieldLogger
	now    func() time.Time

	memoMu      sync.Mutex
	identifiers map[string]string

	mu         sync.Mutex
	usage      int64
	estimated  bool
	lastScan   time.Time
	generation uint64
}

// NewManager 以 opts 构造 Manager，stats 可为 nil。
func NewManager(opts Options, stats StatsSink, logger logrus.FieldLogger) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache dir required")
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid cache size: %d", opts.Size)
	}
	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if stats == nil {
		stats = nopStats{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	high, low := opts.HighWatermark, opts.LowWatermark
	if high <= 0 {
		high = 1.0
	}
	if low <= 0 || low > high {
		low = high
	}

	prefix := ""
	if opts.Realm != "" {
		prefix = opts.Realm + ":"
	}

	return &Manager{
		dir:            abs,
		prefix:         prefix,
		size:           opts.Size,
		maxUsage:       int64(float64(opts.Size) * high),
		minUsage:       int64(float64(opts.Size) * low),
		cleanupEnabled: opts.CleanupEnabled,
		stats:          stats,
		logger:         logger.WithField("cache_dir", abs),
		now:            time.Now,
		identifiers:    make(map[string]string),
	}, nil
}

// Setup 创建缓存目录并做首次用量估算。
func (m *Manager) Setup(ctx context.Context) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	usage, err := m.UpdateCacheUsage(ctx)
	if err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"action":     "cache_setup",
		"usage":      usage,
		"cache_size": m.size,
	}).Info("cache_ready")
	return nil
}

// Dir 返回缓存目录的绝对路径。
func (m *Manager) Dir() string {
	return m.dir
}

// Identifier 返回 sha1(realm:path) 的十六进制串。
func (m *Manager) Identifier(path string) string {
	m.memoMu.Lock()
	defer m.memoMu.Unlock()
	if id, ok := m.identifiers[path]; ok {
		return id
	}
	if len(m.identifiers) >= identifierMemoLimit {
		m.identifiers = make(map[string]string)
	}
	sum := sha1.Sum([]byte(m.prefix + path))
	id := hex.EncodeToString(sum[:])
	m.identifiers[path] = id
	return id
}

// CachePath 返回 path 对应的缓存文件路径。
func (m *Manager) CachePath(path string) string {
	return filepath.Join(m.dir, m.Identifier(path))
}

// TempPath 返回 path 对应的临时文件名前缀路径。
func (m *Manager) TempPath(path string) string {
	return m.CachePath(path) + ".tmp"
}

// UpdateCacheUsage 仅在目录 mtime 前进时重新估算用量。
func (m *Manager) UpdateCacheUsage(ctx context.Context) (int64, error) {
	info, err := os.Stat(m.dir)
	if err != nil {
		return 0, fmt.Errorf("stat cache dir: %w", err)
	}
	mtime := info.ModTime()

	m.mu.Lock()
	if m.estimated && !mtime.After(m.lastScan) {
		usage := m.usage
		m.mu.Unlock()
		return usage, nil
	}
	m.mu.Unlock()

	usage, err := estimateUsage(ctx, m.dir)
	if err != nil {
		return 0, fmt.Errorf("estimate cache usage: %w", err)
	}
	m.setUsage(usage, mtime)
	return usage, nil
}

func (m *Manager) setUsage(usage int64, scanned time.Time) {
	m.mu.Lock()
	m.usage = usage
	m.estimated = true
	if scanned.After(m.lastScan) {
		m.lastScan = scanned
	}
	m.generation++
	m.mu.Unlock()
	m.stats.OnEstimateCacheUsage(usage, m.size)
}

// AllocateCacheSpace 预留 size 字节，空间不足时返回 nil Tag。
func (m *Manager) AllocateCacheSpace(ctx context.Context, size int64) (*Tag, error) {
	if _, err := m.UpdateCacheUsage(ctx); err != nil {
		return nil, err
	}
	if tag := m.tryReserve(size); tag != nil {
		return tag, nil
	}
	if !m.cleanupEnabled {
		return nil, nil
	}
	if err := m.cleanUp(ctx); err != nil {
		return nil, err
	}
	return m.tryReserve(size), nil
}

func (m *Manager) tryReserve(size int64) *Tag {
	m.mu.Lock()
	if m.usage+size >= m.maxUsage {
		m.mu.Unlock()
		return nil
	}
	m.usage += size
	usage := m.usage
	tag := &Tag{generation: m.generation, Size: size}
	m.mu.Unlock()
	m.stats.OnEstimateCacheUsage(usage, m.size)
	return tag
}

// ReleaseCacheSpace 只在用量估算未被重新扫描时退回预留。
func (m *Manager) ReleaseCacheSpace(tag *Tag) {
	if tag == nil {
		return
	}
	m.mu.Lock()
	if tag.generation != m.generation {
		m.mu.Unlock()
		return
	}
	m.usage -= tag.Size
	usage := m.usage
	m.mu.Unlock()
	m.stats.OnEstimateCacheUsage(usage, m.size)
}

type cacheEntry struct {
	path  string
	size  int64
	atime time.Time
}

// cleanUp 按 atime 升序删除文件直到总量不超过低水位。
func (m *Manager) cleanUp(ctx context.Context) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("list cache dir: %w", err)
	}

	logger := m.logger.WithField("action", "cache_cleanup")
	files := make([]cacheEntry, 0, len(entries))
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.WithError(err).WithField("file", entry.Name()).Warn("cache_stat_failed")
			}
			continue
		}
		files = append(files, cacheEntry{
			path:  filepath.Join(m.dir, entry.Name()),
			size:  info.Size(),
			atime: accessTime(info),
		})
		total += info.Size()
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].atime.Before(files[j].atime)
	})

	removed := 0
	for _, f := range files {
		if total <= m.minUsage {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.WithError(err).WithField("file", f.path).Warn("cache_remove_failed")
			continue
		}
		total -= f.size
		removed++
	}

	scanned := m.now()
	if info, err := os.Stat(m.dir); err == nil {
		scanned = info.ModTime()
	}
	m.setUsage(total, scanned)
	m.stats.OnCleanup(m.now())
	logger.WithFields(logrus.Fields{
		"removed": removed,
		"usage":   total,
	}).Info("cache_cleanup_done")
	return nil
}

// OpenCacheFile 以只读方式打开已缓存文件，不存在时返回 ErrNotFound。
func (m *Manager) OpenCacheFile(path string) (*CachedFile, error) {
	return openCachedFile(m.CachePath(path))
}

// NewTempFile 预留空间并在缓存目录中创建预先截断到 size 的临时文件。
func (m *Manager) NewTempFile(ctx context.Context, path string, size int64, mtime time.Time) (*TempFile, error) {
	tag, err := m.AllocateCacheSpace(ctx, size)
	if err != nil {
		return nil, err
	}
	if tag == nil {
		return nil, ErrNoSpace
	}

	finalPath := m.CachePath(path)
	f, err := os.CreateTemp(m.dir, filepath.Base(finalPath)+"-*.tmp")
	if err != nil {
		m.ReleaseCacheSpace(tag)
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(f.Name())
		m.ReleaseCacheSpace(tag)
		return nil, fmt.Errorf("truncate temp file: %w", err)
	}

	return &TempFile{
		manager:   m,
		file:      f,
		tempPath:  f.Name(),
		finalPath: finalPath,
		size:      size,
		mtime:     mtime,
		tag:       tag,
		logger:    m.logger.WithField("file", strings.TrimPrefix(finalPath, m.dir+string(filepath.Separator))),
	}, nil
}
