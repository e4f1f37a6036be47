package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 是对外暴露的稳定错误码。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeCancelled             Code = "CANCELLED"
	CodeTimeout               Code = "TIMEOUT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
)

// Attributes 是错误码的默认描述，业务包在 init 中通过 Register 登记自己的错误码。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// entry 是目录中的一行：错误码属性与对外的 HTTP 状态码。status 为 0 时按 500 处理。
type entry struct {
	attrs  Attributes
	status int
}

var catalog = struct {
	sync.RWMutex
	codes map[Code]entry
}{codes: map[Code]entry{
	CodeUnknown:               {Attributes{"unknown error", SeverityCritical, false, true}, 0},
	CodeInvalidArgument:       {Attributes{"invalid argument", SeverityInfo, false, false}, http.StatusBadRequest},
	CodeNotFound:              {Attributes{"resource not found", SeverityInfo, false, false}, http.StatusNotFound},
	CodeConflict:              {Attributes{"resource conflict", SeverityWarning, false, false}, http.StatusConflict},
	CodeUnauthorized:          {Attributes{"unauthorized", SeverityInfo, false, false}, http.StatusUnauthorized},
	CodeCancelled:             {Attributes{"request cancelled", SeverityInfo, false, false}, http.StatusServiceUnavailable},
	CodeTimeout:               {Attributes{"operation timed out", SeverityWarning, true, true}, http.StatusGatewayTimeout},
	CodeInitializationFailure: {Attributes{"service not initialized", SeverityWarning, true, true}, http.StatusServiceUnavailable},
	CodeStorageFailure:        {Attributes{"storage failure", SeverityCritical, true, true}, 0},
	CodeQueueFailure:          {Attributes{"event publish failure", SeverityWarning, true, false}, 0},
	CodeExecutorFailure:       {Attributes{"executor failure", SeverityWarning, true, true}, 0},
}}

func lookup(code Code) entry {
	catalog.RLock()
	defer catalog.RUnlock()
	if e, ok := catalog.codes[code]; ok {
		return e
	}
	return catalog.codes[CodeUnknown]
}

// Register 登记错误码属性，已登记的 HTTP 状态码保持不变。
func Register(code Code, attrs Attributes) {
	catalog.Lock()
	defer catalog.Unlock()
	e := catalog.codes[code]
	e.attrs = attrs
	catalog.codes[code] = e
}

// RegisterHTTPStatus 登记错误码对外的 HTTP 状态码。
func RegisterHTTPStatus(code Code, status int) {
	catalog.Lock()
	defer catalog.Unlock()
	e, ok := catalog.codes[code]
	if !ok {
		e.attrs = catalog.codes[CodeUnknown].attrs
	}
	e.status = status
	catalog.codes[code] = e
}

// Error 携带错误码的错误。行为属性全部来自目录，不在实例上覆盖。
type Error struct {
	code    Code
	message string
	cause   error
}

// New 创建错误。message 为空时使用错误码的默认描述。
func New(code Code, message string) *Error {
	if message == "" {
		message = lookup(code).attrs.Message
	}
	return &Error{code: code, message: message}
}

// Wrap 用错误码包裹 cause。
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, New(code, "")) 成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含 cause 的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// From 从错误链中取出 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误码，未携带错误码的错误视为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// IsRetryable 报告错误码是否标记为可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return lookup(CodeOf(err)).attrs.Retryable
}

// ShouldAlert 报告错误是否需要告警。
func ShouldAlert(err error) bool {
	if err == nil {
		return false
	}
	return lookup(CodeOf(err)).attrs.Alert
}

// SeverityOf 返回错误的严重程度。
func SeverityOf(err error) Severity {
	return lookup(CodeOf(err)).attrs.Severity
}

// HTTPStatus 返回错误对应的 HTTP 状态码。未包装的上下文取消与超时分别按 CANCELLED、TIMEOUT 处理。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	code := CodeOf(err)
	if code == CodeUnknown {
		switch {
		case stdErrors.Is(err, context.Canceled):
			code = CodeCancelled
		case stdErrors.Is(err, context.DeadlineExceeded):
			code = CodeTimeout
		}
	}
	if status := lookup(code).status; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}
