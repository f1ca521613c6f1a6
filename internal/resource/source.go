package resource

import (
	"context"
	"time"

	"github.com/any-hub/origin-cache/internal/cachestats"
	"github.com/any-hub/origin-cache/internal/urlutil"
)

// Consumer 接收 Producer 推送的数据，Finish 在生产结束时恰好调用一次。
type Consumer interface {
	Write(p []byte) (int, error)
	Finish()
}

// Producer 是推送式数据源的流控句柄。
type Producer interface {
	PauseProducing()
	ResumeProducing()
	StopProducing()
}

// DataSource 是 Resource 背后的数据来源：本地缓存文件或下载中的会话。
type DataSource interface {
	Identifier() string
	URL() *urlutil.URL
	MimeType() string
	ModTime() time.Time
	Size() int64
	// Read 读取 offset 起至多 size 字节，返回空切片表示 EOF。
	Read(ctx context.Context, offset int64, size int) ([]byte, error)
	// Produce 返回从 offset 开始推送的 Producer；不适合推送时返回 nil。
	Produce(consumer Consumer, offset int64) Producer
	Close() error
}

// SourceProvider 为 URL 查找或创建数据源，并记录命中分类。
type SourceProvider interface {
	GetSource(ctx context.Context, u *urlutil.URL, stats *cachestats.RequestStatistics) (DataSource, error)
}
