package fileprovider

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// 以下哨兵错误均视为 ErrFile 的子类，使用 errors.Is 判断。
var (
	ErrFile        = errors.New("file error")
	ErrInsecure    = errors.New("insecure path")
	ErrNotFound    = errors.New("not found")
	ErrCannotOpen  = errors.New("cannot open")
	ErrAccess      = errors.New("access denied")
	ErrFileClosed  = errors.New("file closed")
	ErrOutOfDate   = errors.New("out of date")
	ErrUnavailable = errors.New("unavailable")
)

// Error 携带错误种类与上下文信息。
type Error struct {
	Kind error
	Msg  string
	Err  error
}

// NewError 创建指定种类的错误，kind 为 nil 时退化为通用 ErrFile。
func NewError(kind error, format string, args ...any) *Error {
	if kind == nil {
		kind = ErrFile
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError 与 NewError 相同，但保留底层错误链。
func WrapError(kind error, err error, format string, args ...any) *Error {
	e := NewError(kind, format, args...)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is 让所有种类同时匹配 ErrFile。
func (e *Error) Is(target error) bool {
	return target == e.Kind || target == ErrFile
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FromOSError 把底层文件系统错误映射为 provider 错误种类。
func FromOSError(err error, path string) error {
	if err == nil {
		return nil
	}
	var provErr *Error
	if errors.As(err, &provErr) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOENT):
		return WrapError(ErrNotFound, err, "file not found %q", path)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES):
		return WrapError(ErrAccess, err, "access denied to %q", path)
	case errors.Is(err, fs.ErrClosed):
		return WrapError(ErrFileClosed, err, "file %q closed", path)
	default:
		return WrapError(ErrFile, err, "error accessing %q", path)
	}
}
