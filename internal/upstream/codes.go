package upstream

// Code 是请求失败时交给 StreamConsumer 的原因码。
type Code int

const (
	ServerUnavailable Code = iota + 1
	ServerDisconnected
	ServerTimeout
	NotImplemented
	RangeNotSatisfiable
	StreamNotModified
	StreamModified
	StreamNotFound
	StreamForbidden
)

var codeNames = map[Code]string{
	ServerUnavailable:   "server_unavailable",
	ServerDisconnected:  "server_disconnected",
	ServerTimeout:       "server_timeout",
	NotImplemented:      "not_implemented",
	RangeNotSatisfiable: "range_not_satisfiable",
	StreamNotModified:   "stream_not_modified",
	StreamModified:      "stream_modified",
	StreamNotFound:      "stream_not_found",
	StreamForbidden:     "stream_forbidden",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// Recoverable 表示连接中断类错误，可由会话层续传。
func (c Code) Recoverable() bool {
	return c == ServerDisconnected || c == ServerTimeout
}
