// Package errs 定义业务错误分类及其到 HTTP 状态码的映射
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误类别
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindUnauthorized
	KindConflict
	KindNotFound
	KindTimeout
	KindRowCount
)

var kindNames = map[Kind]string{
	KindInternal:        "InternalError",
	KindInvalidArgument: "InvalidArgument",
	KindUnauthorized:    "Unauthorized",
	KindConflict:        "Conflict",
	KindNotFound:        "NotFound",
	KindTimeout:         "Timeout",
	KindRowCount:        "RowCount",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error 带类别的业务错误
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// With 附加诊断信息
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func InvalidArgument(format string, args ...any) *Error {
	return newError(KindInvalidArgument, nil, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newError(KindUnauthorized, nil, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, nil, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return newError(KindTimeout, nil, format, args...)
}

// Internal 包装底层错误为内部错误
func Internal(err error, format string, args ...any) *Error {
	return newError(KindInternal, err, format, args...)
}

// Wrap 以指定类别包装底层错误
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return newError(kind, err, format, args...)
}

// RowCount 受影响行数与预期不符
func RowCount(expected, actual int64, format string, args ...any) *Error {
	e := newError(KindRowCount, nil, format, args...)
	return e.With("expected", expected).With("actual", actual)
}

// KindOf 返回错误链中第一个 *Error 的类别，未分类的错误视为内部错误
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is 判断错误是否属于指定类别
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus 错误类别对应的 HTTP 状态码
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
