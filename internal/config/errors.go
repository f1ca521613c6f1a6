package config

import (
	"errors"
	"fmt"
)

// ErrInvalid 匹配所有配置校验错误。
var ErrInvalid = errors.New("invalid configuration")

// FieldError 提供字段路径与错误原因，便于 CLI 定位到具体配置项。
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e FieldError) Is(target error) bool { return target == ErrInvalid }
func (e FieldError) Unwrap() error        { return e.Err }

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func wrapFieldError(field, reason string, err error) error {
	return FieldError{Field: field, Reason: reason, Err: err}
}

// serverField 输出 HTTPServer[0].Field 形式的字段路径。
func serverField(idx int, field string) string {
	return fmt.Sprintf("HTTPServer[%d].%s", idx, field)
}
