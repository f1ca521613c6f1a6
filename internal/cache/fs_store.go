package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CachedFile 是已发布到缓存目录的只读文件。
type CachedFile struct {
	path string
	file *os.File
	info os.FileInfo
}

func openCachedFile(path string) (*CachedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	// 以打开后的 fd 为准，避免与并发 rename 交错。
	if st, err := f.Stat(); err == nil {
		info = st
	}
	return &CachedFile{path: path, file: f, info: info}, nil
}

// Path 返回缓存文件路径。
func (c *CachedFile) Path() string { return c.path }

// Size 返回打开时的文件大小。
func (c *CachedFile) Size() int64 { return c.info.Size() }

// ModTime 返回打开时的 mtime，即源站 Last-Modified。
func (c *CachedFile) ModTime() time.Time { return c.info.ModTime() }

// ReadAt 从 offset 读取，EOF 时返回已读字节且 err 为 nil。
func (c *CachedFile) ReadAt(p []byte, offset int64) (int, error) {
	n, err := c.file.ReadAt(p, offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// Unlink 删除缓存文件；若磁盘上已是更新版本则保留。
func (c *CachedFile) Unlink() error {
	info, err := os.Stat(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.ModTime().After(c.info.ModTime()) {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *CachedFile) Close() error {
	return c.file.Close()
}

// TempFile 是下载中的预分配文件，完成后 rename 为缓存文件。
type TempFile struct {
	manager   *Manager
	tempPath  string
	finalPath string
	size      int64
	mtime     time.Time
	logger    logrus.FieldLogger

	mu        sync.Mutex
	file      *os.File
	tag       *Tag
	written   int64
	completed bool
	closed    bool
}

// Path 返回临时文件当前路径。
func (t *TempFile) Path() string { return t.tempPath }

// FinalPath 返回完成后的缓存文件路径。
func (t *TempFile) FinalPath() string { return t.finalPath }

// Size 返回声明的文件大小。
func (t *TempFile) Size() int64 { return t.size }

// Written 返回累计写入字节数。
func (t *TempFile) Written() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

// WriteAt 在 offset 写入，越过声明大小时报错。
func (t *TempFile) WriteAt(p []byte, offset int64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, os.ErrClosed
	}
	if offset+int64(len(p)) > t.size {
		return 0, fmt.Errorf("write of %d bytes at %d overruns size %d", len(p), offset, t.size)
	}
	n, err := t.file.WriteAt(p, offset)
	t.written += int64(n)
	return n, err
}

// ReadAt 读取已写入的数据，EOF 时返回已读字节且 err 为 nil。
func (t *TempFile) ReadAt(p []byte, offset int64) (int, error) {
	t.mu.Lock()
	f := t.file
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	n, err := f.ReadAt(p, offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// Complete 设置 mtime 后 rename 到缓存路径；目标已是同版或更新版本时丢弃自身。
func (t *TempFile) Complete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return os.ErrClosed
	}
	if t.completed {
		return nil
	}
	if t.written != t.size {
		return fmt.Errorf("temp file incomplete: %d of %d bytes", t.written, t.size)
	}
	t.completed = true

	if !t.mtime.IsZero() {
		if info, err := os.Stat(t.finalPath); err == nil && !info.ModTime().Before(t.mtime) {
			t.logger.WithFields(logrus.Fields{
				"action": "temp_complete",
				"mtime":  t.mtime,
			}).Debug("cache_file_already_current")
			t.unlinkLocked()
			return nil
		}
		if err := os.Chtimes(t.tempPath, time.Now(), t.mtime); err != nil {
			return t.dropLocked(fmt.Errorf("set temp file mtime: %w", err))
		}
	}

	if err := os.Rename(t.tempPath, t.finalPath); err != nil {
		return t.dropLocked(fmt.Errorf("publish cache file: %w", err))
	}
	t.tempPath = t.finalPath
	return nil
}

// dropLocked 在发布失败时退回预留并清理临时文件。
func (t *TempFile) dropLocked(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		// 临时文件已被淘汰
		t.manager.ReleaseCacheSpace(t.tag)
		t.tag = nil
		t.logger.WithError(err).WithField("action", "temp_complete").Warn("temp_file_vanished")
		return err
	}
	t.unlinkLocked()
	return err
}

func (t *TempFile) unlinkLocked() {
	if err := os.Remove(t.tempPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.logger.WithError(err).WithField("action", "temp_unlink").Warn("temp_unlink_failed")
	}
	t.manager.ReleaseCacheSpace(t.tag)
	t.tag = nil
}

// Close 关闭文件；未完成时删除临时文件并退回预留。
func (t *TempFile) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if !t.completed {
		t.unlinkLocked()
	}
	return t.file.Close()
}
