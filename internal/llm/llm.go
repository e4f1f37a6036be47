package llm

import (
	"context"
	"strings"

	"github.com/ganeshballa0/bank-of-anthos/internal/tool"
)

// Role 标识历史消息的来源。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是会话历史中的一条消息。
type Message struct {
	Role Role `json:"role"`
	// Content 为文本内容。工具消息中为工具结果的线格式。
	Content string `json:"content,omitempty"`
	// ToolCalls 仅出现在助手消息中。
	ToolCalls []tool.Call `json:"tool_calls,omitempty"`
	// ToolCallID 与 Name 仅出现在工具消息中。
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// UserMessage 构造用户消息。
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// ToolResultMessage 构造工具结果消息。
func ToolResultMessage(call tool.Call, result tool.Result) Message {
	return Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Name, Content: result.Text()}
}

// Request 描述一次推理步骤的输入。令牌不会出现在这里。
type Request struct {
	Subject string
	Account string
	History []Message
	Tools   []tool.Spec
}

// EventKind 是推理步骤产出的事件类型。
type EventKind string

const (
	EventToolCalls EventKind = "tool_calls"
	EventFinal     EventKind = "final"
	EventEscalate  EventKind = "escalate"
)

// Event 是推理代理在一步中的决定。
type Event struct {
	Kind EventKind
	// Calls 在 EventToolCalls 时有效，按模型给出的顺序排列。
	Calls []tool.Call
	// Parts 在 EventFinal 时有效。
	Parts []string
	// Reason 在 EventEscalate 时有效。
	Reason string
}

// Text 按顺序拼接最终回答的文本片段。
func (e Event) Text() string {
	return strings.Join(e.Parts, "")
}

// Reasoner 是外部推理代理。它只决定下一步做什么，不直接调用任何后端。
type Reasoner interface {
	Next(ctx context.Context, req Request) (Event, error)
}

// ReasonerFunc 让普通函数满足 Reasoner 接口。
type ReasonerFunc func(ctx context.Context, req Request) (Event, error)

// Next 实现 Reasoner。
func (f ReasonerFunc) Next(ctx context.Context, req Request) (Event, error) {
	return f(ctx, req)
}
