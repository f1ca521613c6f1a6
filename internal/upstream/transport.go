package upstream

import (
	"net"
	"net/http"
	"time"
)

// newOriginTransport 构建访问源站的 Transport：每次请求独立连接，不做压缩协商，不走代理。
func newOriginTransport(connTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:               nil,
		DisableKeepAlives:   true,
		DisableCompression:  true,
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: -1,
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}
