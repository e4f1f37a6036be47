package tool

import (
	"encoding/json"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

// Status 是结果的标签。
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result 是一次工具调用的结果：要么 success{data}，要么 error{message, status, response}。
type Result struct {
	Status     Status
	Data       any
	Message    string
	StatusCode int
	Response   string
	// Code 仅供内部统计，不会序列化给代理。
	Code xerrors.Code
}

// Success 构造成功结果。
func Success(data any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Failure 构造错误结果。
func Failure(code xerrors.Code, message string, statusCode int, response string) Result {
	return Result{Status: StatusError, Code: code, Message: message, StatusCode: statusCode, Response: response}
}

// OK 报告结果是否成功。
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

type wireResult struct {
	Status       Status `json:"status"`
	Data         any    `json:"data,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	Response     string `json:"response,omitempty"`
}

// MarshalJSON 输出交给代理的线格式。
func (r Result) MarshalJSON() ([]byte, error) {
	if r.OK() {
		return json.Marshal(struct {
			Status Status `json:"status"`
			Data   any    `json:"data"`
		}{Status: StatusSuccess, Data: r.Data})
	}
	return json.Marshal(wireResult{
		Status:       StatusError,
		ErrorMessage: r.Message,
		StatusCode:   r.StatusCode,
		Response:     r.Response,
	})
}

// UnmarshalJSON 解析线格式，供 SDK 与测试使用。
func (r *Result) UnmarshalJSON(data []byte) error {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Result{Status: w.Status, Data: w.Data, Message: w.ErrorMessage, StatusCode: w.StatusCode, Response: w.Response}
	return nil
}

// Text 返回结果的 JSON 文本。
func (r Result) Text() string {
	encoded, err := json.Marshal(r)
	if err != nil {
		fallback, _ := json.Marshal(wireResult{Status: StatusError, ErrorMessage: "unencodable tool result"})
		return string(fallback)
	}
	return string(encoded)
}
