package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ganeshballa0/bank-of-anthos/internal/llm"
	"github.com/ganeshballa0/bank-of-anthos/internal/tool"
)

func TestNewReasonerValidation(t *testing.T) {
	if _, err := NewReasoner(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func completion(message map[string]any) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{
			{"index": 0, "finish_reason": "stop", "message": message},
		},
	}
}

func newTestReasoner(t *testing.T, reply map[string]any, captured *map[string]any) *Reasoner {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)

	reasoner, err := NewReasoner(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return reasoner
}

func TestNextReturnsToolCalls(t *testing.T) {
	var body map[string]any
	reasoner := newTestReasoner(t, completion(map[string]any{
		"role":    "assistant",
		"content": nil,
		"tool_calls": []map[string]any{
			{"id": "call_1", "type": "function", "function": map[string]any{"name": "get_balance", "arguments": `{"account_id":"1011226111"}`}},
			{"id": "call_2", "type": "function", "function": map[string]any{"name": "make_payment", "arguments": `{"to_account":"1033623433","amount":12.345}`}},
		},
	}), &body)

	req := llm.Request{
		Subject: "alice",
		Account: "1011226111",
		History: []llm.Message{llm.UserMessage("what is my balance")},
		Tools:   []tool.Spec{{Name: "get_balance", Description: "balance", Params: []tool.Param{{Name: "account_id", Type: tool.TypeString, Required: true}}}},
	}
	event, err := reasoner.Next(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Kind != llm.EventToolCalls || len(event.Calls) != 2 {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Calls[0].ID != "call_1" || event.Calls[0].Arguments["account_id"] != "1011226111" {
		t.Fatalf("unexpected first call: %+v", event.Calls[0])
	}
	if amount, ok := event.Calls[1].Arguments["amount"].(json.Number); !ok || amount.String() != "12.345" {
		t.Fatalf("amount must keep its decimal text, got %#v", event.Calls[1].Arguments["amount"])
	}

	tools, _ := body["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("expected registry tool plus escalation tool, got %d", len(tools))
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
	system, _ := messages[0].(map[string]any)
	if content, _ := system["content"].(string); !strings.Contains(content, `"alice"`) {
		t.Fatalf("system prompt should name the subject: %v", system["content"])
	}
}

func TestNextReturnsFinalAnswer(t *testing.T) {
	reasoner := newTestReasoner(t, completion(map[string]any{
		"role":    "assistant",
		"content": "Your balance is $5.00.",
	}), nil)

	event, err := reasoner.Next(context.Background(), llm.Request{History: []llm.Message{llm.UserMessage("hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Kind != llm.EventFinal || event.Text() != "Your balance is $5.00." {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestNextEscalates(t *testing.T) {
	reasoner := newTestReasoner(t, completion(map[string]any{
		"role": "assistant",
		"tool_calls": []map[string]any{
			{"id": "call_1", "type": "function", "function": map[string]any{"name": EscalateTool, "arguments": `{"reason":"fraud suspected"}`}},
		},
	}), nil)

	event, err := reasoner.Next(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Kind != llm.EventEscalate || event.Reason != "fraud suspected" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestNextReplaysToolHistory(t *testing.T) {
	var body map[string]any
	reasoner := newTestReasoner(t, completion(map[string]any{"role": "assistant", "content": "done"}), &body)

	call := tool.Call{ID: "call_1", Name: "get_balance", Arguments: map[string]any{"account_id": "1"}}
	history := []llm.Message{
		llm.UserMessage("balance?"),
		{Role: llm.RoleAssistant, ToolCalls: []tool.Call{call}},
		llm.ToolResultMessage(call, tool.Success(500)),
	}
	if _, err := reasoner.Next(context.Background(), llm.Request{History: history}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, _ := body["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	assistant, _ := messages[2].(map[string]any)
	calls, _ := assistant["tool_calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("assistant tool calls not replayed: %v", assistant)
	}
	toolMsg, _ := messages[3].(map[string]any)
	if toolMsg["tool_call_id"] != "call_1" || toolMsg["content"] != `{"status":"success","data":500}` {
		t.Fatalf("unexpected tool message: %v", toolMsg)
	}
}

func TestNextReportsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	reasoner, err := NewReasoner(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reasoner.Next(context.Background(), llm.Request{}); err == nil {
		t.Fatalf("expected error")
	}
}
