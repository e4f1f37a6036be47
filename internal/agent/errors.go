package agent

import (
	"net/http"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

// 轮次级别的基础设施故障码。工具调用失败不属于这里，它们作为数据回传给推理代理。
const (
	CodeToolCeiling     xerrors.Code = "TOOL_CEILING"
	CodeReasonerFailure xerrors.Code = "REASONER_FAILURE"
	CodeSessionFailure  xerrors.Code = "SESSION_FAILURE"
)

func init() {
	xerrors.Register(CodeToolCeiling, xerrors.Attributes{
		Message:  "tool call ceiling reached",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeReasonerFailure, xerrors.Attributes{
		Message:   "reasoning agent unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSessionFailure, xerrors.Attributes{
		Message:   "session unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.RegisterHTTPStatus(CodeToolCeiling, http.StatusBadGateway)
	xerrors.RegisterHTTPStatus(CodeReasonerFailure, http.StatusBadGateway)
	xerrors.RegisterHTTPStatus(CodeSessionFailure, http.StatusInternalServerError)
}
