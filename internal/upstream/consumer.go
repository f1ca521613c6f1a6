package upstream

import "time"

// Request 是进行中的请求句柄，方法均不阻塞。
type Request interface {
	Pause()
	Resume()
	Cancel()
}

// StreamConsumer 接收单次检索的结果。req 标识回调来源，便于忽略过期请求。
type StreamConsumer interface {
	OnInfo(req Request, info StreamInfo)
	OnData(req Request, data []byte)
	StreamDone(req Request)
	ServerError(req Request, code Code, message string)
	ConditionFail(req Request, code Code, message string)
	StreamNotAvailable(req Request, code Code, message string)
}

// RetrieveOptions 为条件请求与 Range 请求参数，Start/Size 为 0 表示未指定。
type RetrieveOptions struct {
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
	Start             int64
	Size              int64
}

// HasRange 对应 Range 头是否需要发送。
func (o RetrieveOptions) HasRange() bool {
	return o.Start > 0 || o.Size > 0
}
