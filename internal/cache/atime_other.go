//go:build !linux && !darwin

package cache

import (
	"os"
	"time"
)

// 其他平台没有可移植的 atime，退化为 mtime。
func accessTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
