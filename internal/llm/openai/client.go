package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ganeshballa0/bank-of-anthos/internal/llm"
	"github.com/ganeshballa0/bank-of-anthos/internal/tool"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second

	// EscalateTool 是模型请求转人工时调用的伪工具，不会注册到工具表。
	EscalateTool = "escalate_to_human"
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Reasoner 使用 OpenAI 函数调用实现 llm.Reasoner。
type Reasoner struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewReasoner 根据配置创建 OpenAI 推理代理。
func NewReasoner(cfg Config) (*Reasoner, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := openai.NewClient(
		option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"),
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	)
	return &Reasoner{client: client, model: model, logger: logger.Named("openai")}, nil
}

// Next 调用一次 Chat Completions，并把回复转换为工具调用、最终回答或转人工事件。
func (r *Reasoner) Next(ctx context.Context, req llm.Request) (llm.Event, error) {
	params := openai.ChatCompletionNewParams{
		Model:    r.model,
		Messages: buildMessages(req),
		Tools:    buildTools(req.Tools),
	}

	completion, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Event{}, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	if len(completion.Choices) == 0 {
		return llm.Event{}, errors.New("OpenAI 响应中没有有效的 choices")
	}

	message := completion.Choices[0].Message
	if len(message.ToolCalls) == 0 {
		return llm.Event{Kind: llm.EventFinal, Parts: nonEmpty(message.Content)}, nil
	}

	calls := make([]tool.Call, 0, len(message.ToolCalls))
	for _, tc := range message.ToolCalls {
		args := decodeArguments(tc.Function.Arguments)
		if tc.Function.Name == EscalateTool {
			reason, _ := args["reason"].(string)
			return llm.Event{Kind: llm.EventEscalate, Reason: strings.TrimSpace(reason)}, nil
		}
		if args == nil && strings.TrimSpace(tc.Function.Arguments) != "" {
			r.logger.Warn("tool call arguments are not valid JSON", slog.String("tool", tc.Function.Name))
		}
		calls = append(calls, tool.Call{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return llm.Event{Kind: llm.EventToolCalls, Calls: calls}, nil
}

func buildMessages(req llm.Request) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt(req)),
	}
	for _, m := range req.History {
		switch m.Role {
		case llm.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case llm.RoleAssistant:
			msg := openai.AssistantMessage(m.Content)
			for _, call := range m.ToolCalls {
				msg.OfAssistant.ToolCalls = append(msg.OfAssistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Name,
							Arguments: encodeArguments(call.Arguments),
						},
					},
				})
			}
			messages = append(messages, msg)
		case llm.RoleTool:
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return messages
}

func buildTools(specs []tool.Spec) []openai.ChatCompletionToolUnionParam {
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(specs)+1)
	for _, spec := range specs {
		tools = append(tools, functionTool(spec.Name, spec.Description, spec.JSONSchema()))
	}
	tools = append(tools, functionTool(EscalateTool,
		"Hand the conversation to a human banker when the request cannot be handled safely.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]string{"type": "string", "description": "Short explanation for the banker."},
			},
			"required": []string{},
		}))
	return tools
}

func functionTool(name, description string, schema map[string]any) openai.ChatCompletionToolUnionParam {
	return openai.ChatCompletionToolUnionParam{
		OfFunction: &openai.ChatCompletionFunctionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        name,
				Description: openai.String(description),
				Parameters:  openai.FunctionParameters(schema),
			},
		},
	}
}

func systemPrompt(req llm.Request) string {
	var b strings.Builder
	b.WriteString("You are an intelligent banking assistant.\n")
	b.WriteString("- Use 'get_contacts' to fetch the user's contact list.\n")
	b.WriteString("- Use 'add_contact' to add a new contact for the user.\n")
	b.WriteString("- Use 'get_balance' to fetch an account balance. Balances are returned in cents.\n")
	b.WriteString("- Use 'get_history' to fetch transaction history.\n")
	b.WriteString("- Use 'make_payment' to transfer money between accounts. Amounts are in dollars.\n")
	b.WriteString("If a tool returns an error, explain it to the user instead of retrying blindly.\n")
	b.WriteString("If no tool is required, just respond naturally.\n")
	fmt.Fprintf(&b, "\nThe signed-in user is %q and their account number is %q.", req.Subject, req.Account)
	return b.String()
}

func decodeArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var args map[string]any
	if err := decoder.Decode(&args); err != nil {
		return nil
	}
	return args
}

func encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func nonEmpty(content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return []string{content}
}
