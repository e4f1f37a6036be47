package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

// CodeBackendFailure 标记下游服务调用失败。它只作为工具结果的数据出现，不终止对话轮次。
const CodeBackendFailure xerrors.Code = "BACKEND_FAILURE"

func init() {
	xerrors.Register(CodeBackendFailure, xerrors.Attributes{
		Message:   "backend call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.RegisterHTTPStatus(CodeBackendFailure, 502)
}

// 网络故障分类。
const (
	KindTimeout        = "timeout"
	KindRefused        = "connection refused"
	KindCancelled      = "request cancelled"
	KindNetwork        = "network error"
	KindMalformed      = "malformed response"
	KindStatus         = "unexpected status"
	KindMissingToken   = "missing credentials"
	KindDuplicate      = "duplicate payment attempt"
	KindInFlight       = "payment attempt already in progress"
	KindInvalidRequest = "invalid request"
)

// maxExcerpt 限制错误中保留的响应体长度。
const maxExcerpt = 2048

// Error 描述一次下游调用失败。Status 为 0 表示请求没有得到 HTTP 响应。
type Error struct {
	Service string
	Op      string
	Kind    string
	Status  int
	Body    string
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Service)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind)
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	return b.String()
}

// Unwrap 返回底层错误。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is(err, xerrors.New(CodeBackendFailure, "")) 成立。
func (e *Error) Is(target error) bool {
	if coded, ok := xerrors.From(target); ok {
		return coded.Code() == CodeBackendFailure
	}
	return false
}

// Retryable 报告该失败是否可以安全重试：网络故障或 5xx。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindRefused, KindNetwork:
		return true
	case KindStatus:
		return e.Status >= 500
	}
	return false
}

// AsError 提取 *Error。
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// classify 将传输层错误归类为稳定、不泄露内部细节的描述。
func classify(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

func excerpt(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxExcerpt {
		return text[:maxExcerpt] + "..."
	}
	return text
}
