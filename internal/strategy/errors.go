package strategy

import (
	"fmt"

	"github.com/any-hub/origin-cache/internal/upstream"
)

// ConditionError 表示会话的条件请求未满足，Code 为 StreamNotModified 或 StreamModified。
type ConditionError struct {
	Code upstream.Code
	Msg  string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition failed (%s): %s", e.Code, e.Msg)
}
