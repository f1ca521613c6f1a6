package upstream

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StreamInfo 描述源站响应的资源信息。
type StreamInfo struct {
	Expires  time.Time
	MTime    time.Time
	MimeType string

	// Length 为资源总长度，Start/Size 为本次响应覆盖的区间。
	Length int64
	Start  int64
	Size   int64
}

var errNoLength = errors.New("response has neither Content-Length nor Content-Range")

func parseStreamInfo(header http.Header, contentLength int64) (StreamInfo, error) {
	var info StreamInfo

	if raw := header.Get("Expires"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			info.Expires = t
		}
	}
	if raw := header.Get("Last-Modified"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			info.MTime = t
		}
	}
	if raw := header.Get("Content-Type"); raw != "" {
		if mt, _, err := mime.ParseMediaType(raw); err == nil {
			info.MimeType = mt
		}
	}

	size := contentLength
	if raw := header.Get("Content-Length"); raw != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			size = n
		}
	}

	if raw := header.Get("Content-Range"); raw != "" {
		start, end, total, err := parseContentRange(raw)
		if err != nil {
			return info, err
		}
		info.Start = start
		info.Length = total
		if size >= 0 {
			info.Size = size
		} else {
			info.Size = end - start + 1
		}
		return info, nil
	}

	if size < 0 {
		return info, errNoLength
	}
	info.Length = size
	info.Size = size
	return info, nil
}

// parseContentRange 解析 "bytes start-end/total"。
func parseContentRange(raw string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(raw), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("unsupported Content-Range %q", raw)
	}
	rng, totalStr, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", raw)
	}
	startStr, endStr, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", raw)
	}
	if start, err = strconv.ParseInt(strings.TrimSpace(startStr), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q: %w", raw, err)
	}
	if end, err = strconv.ParseInt(strings.TrimSpace(endStr), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q: %w", raw, err)
	}
	if total, err = strconv.ParseInt(strings.TrimSpace(totalStr), 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q: %w", raw, err)
	}
	if end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", raw)
	}
	return start, end, total, nil
}
