package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-cache/internal/fileprovider"
	"github.com/any-hub/origin-cache/internal/logging"
)

// streamBlockSize 为每次从文件读取的块大小。
const streamBlockSize = 64 * 1024

var errRangeNotSatisfiable = errors.New("range not satisfiable")

type fileHandler struct {
	files  FileSystem
	logger *logrus.Logger
}

func newFileHandler(files FileSystem, logger *logrus.Logger) *fileHandler {
	return &fileHandler{files: files, logger: logger}
}

// Handle 解析路径、打开文件并以流方式写回，支持单段 Range。
func (h *fileHandler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)
	method := c.Method()
	reqPath := c.Path()

	node, err := h.resolve(reqPath)
	if err != nil {
		return h.writeError(c, requestID, started, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	file, err := node.Open(ctx)
	if err != nil {
		cancel()
		return h.writeError(c, requestID, started, err)
	}

	size := file.Size()
	start, end, partial, err := parseRange(c.Get(fiber.HeaderRange), size)
	if err != nil {
		cancel()
		_ = file.Close()
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", size))
		return h.writeError(c, requestID, started, err)
	}

	c.Set(fiber.HeaderContentType, file.MimeType())
	c.Set(fiber.HeaderLastModified, file.ModTime().UTC().Format(http.TimeFormat))
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	if status, ok := file.LogFields()["cache-status"].(string); ok && status != "" {
		c.Set("X-Cache-Status", status)
	}

	status := fiber.StatusOK
	length := end - start
	if partial {
		status = fiber.StatusPartialContent
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", start, end-1, size))
	}
	c.Status(status)

	if method == http.MethodHead || length == 0 {
		c.Response().Header.SetContentLength(int(length))
		cancel()
		_ = file.Close()
		h.logResult(method, reqPath, requestID, status, started, file.LogFields(), 0, nil)
		return nil
	}

	if start > 0 {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			cancel()
			_ = file.Close()
			return h.writeError(c, requestID, started, err)
		}
	}

	body := &fileBody{
		ctx:       ctx,
		cancel:    cancel,
		file:      file,
		remaining: length,
		onClose: func(sent int64, err error) {
			h.logResult(method, reqPath, requestID, status, started, file.LogFields(), sent, err)
		},
	}
	return c.SendStream(body, int(length))
}

// resolve 把请求路径逐级映射为 FilePath 节点。
func (h *fileHandler) resolve(reqPath string) (fileprovider.FilePath, error) {
	root := h.files.Root()
	prefix := strings.TrimRight(root.String(), "/")
	rel := reqPath
	if prefix != "" {
		if reqPath != prefix && !strings.HasPrefix(reqPath, prefix+"/") {
			return nil, fileprovider.NewError(fileprovider.ErrNotFound, "%s is outside %s", reqPath, prefix)
		}
		rel = strings.TrimPrefix(reqPath, prefix)
	}

	node := root
	for _, segment := range strings.Split(rel, "/") {
		if segment == "" {
			continue
		}
		name, err := url.PathUnescape(segment)
		if err != nil {
			return nil, fileprovider.WrapError(fileprovider.ErrInsecure, err, "invalid path segment %q", segment)
		}
		child, err := node.Child(name)
		if err != nil {
			return nil, err
		}
		node = child
	}
	return node, nil
}

// parseRange 解析单段 bytes Range，返回 [start, end)。
// 无 Range 或格式无法识别时返回整个文件；多段 Range 按整个文件处理。
func parseRange(header string, size int64) (start, end int64, partial bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" || !strings.HasPrefix(header, "bytes=") || strings.Contains(header, ",") {
		return 0, size, false, nil
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, size, false, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// bytes=-N 表示最后 N 字节
		n, convErr := strconv.ParseInt(last, 10, 64)
		if convErr != nil || n <= 0 {
			return 0, size, false, nil
		}
		if size == 0 {
			return 0, 0, false, errRangeNotSatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, size, true, nil
	}

	start, convErr := strconv.ParseInt(first, 10, 64)
	if convErr != nil || start < 0 {
		return 0, size, false, nil
	}
	if start >= size {
		return 0, 0, false, errRangeNotSatisfiable
	}
	end = size
	if last != "" {
		stop, convErr := strconv.ParseInt(last, 10, 64)
		if convErr != nil || stop < start {
			return 0, size, false, nil
		}
		if stop+1 < size {
			end = stop + 1
		}
	}
	return start, end, true, nil
}

func (h *fileHandler) writeError(c fiber.Ctx, requestID string, started time.Time, err error) error {
	status, code := errorStatus(err)
	h.logResult(c.Method(), c.Path(), requestID, status, started, nil, 0, err)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// errorStatus 把 provider 错误种类映射为 HTTP 状态码与错误码。
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errRangeNotSatisfiable):
		return fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable"
	case errors.Is(err, fileprovider.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, fileprovider.ErrInsecure):
		return fiber.StatusForbidden, "insecure_path"
	case errors.Is(err, fileprovider.ErrAccess):
		return fiber.StatusForbidden, "access_denied"
	case errors.Is(err, fileprovider.ErrCannotOpen):
		return fiber.StatusForbidden, "cannot_open"
	case errors.Is(err, fileprovider.ErrOutOfDate):
		return fiber.StatusBadGateway, "out_of_date"
	case errors.Is(err, fileprovider.ErrUnavailable):
		return fiber.StatusServiceUnavailable, "origin_unavailable"
	default:
		return fiber.StatusInternalServerError, "file_error"
	}
}

func (h *fileHandler) logResult(method, path, requestID string, status int, started time.Time, resource logrus.Fields, sent int64, err error) {
	fields := logging.ResourceFields(method, path, status, resource)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["bytes_sent"] = sent
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("serve_failed")
		return
	}
	h.logger.WithFields(fields).Info("serve_complete")
}

// fileBody 把 fileprovider.File 适配为 io.ReadCloser，供 SendStream 写出。
type fileBody struct {
	ctx       context.Context
	cancel    context.CancelFunc
	file      fileprovider.File
	remaining int64
	onClose   func(sent int64, err error)

	pending   []byte
	sent      int64
	err       error
	closeOnce sync.Once
}

func (b *fileBody) Read(p []byte) (int, error) {
	if len(b.pending) == 0 {
		if b.remaining <= 0 {
			return 0, io.EOF
		}
		want := int64(streamBlockSize)
		if want > b.remaining {
			want = b.remaining
		}
		data, err := b.file.Read(b.ctx, int(want))
		if err != nil {
			b.err = err
			return 0, err
		}
		if len(data) == 0 {
			b.err = io.ErrUnexpectedEOF
			return 0, b.err
		}
		b.remaining -= int64(len(data))
		b.pending = data
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	b.sent += int64(n)
	return n, nil
}

func (b *fileBody) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		err = b.file.Close()
		b.onClose(b.sent, b.err)
	})
	return err
}
