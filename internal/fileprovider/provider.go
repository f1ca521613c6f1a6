package fileprovider

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// FilePath 表示逻辑路径空间中的一个节点。
type FilePath interface {
	MimeType() string
	// Child 返回直接子节点；名字包含路径分隔符时返回 ErrInsecure。
	Child(name string) (FilePath, error)
	Open(ctx context.Context) (File, error)
	String() string
}

// File 是流媒体服务读取的打开文件，由单个 goroutine 顺序使用。
type File interface {
	MimeType() string
	ModTime() time.Time
	Size() int64
	Tell() int64
	// Seek 与 io.Seeker 语义一致，只修改读取位置。
	Seek(offset int64, whence int) (int64, error)
	// Read 返回至多 size 字节，返回空切片表示 EOF。
	Read(ctx context.Context, size int) ([]byte, error)
	Close() error
	LogFields() logrus.Fields
}
