package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
	"github.com/ganeshballa0/bank-of-anthos/pkg/logger"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	var buf bytes.Buffer
	fanout := NewFanout(ok, &LogNotifier{Logger: slog.New(logger.NewHandler(&buf, "info"))}, nil)

	event := FromError(xerrors.New(xerrors.CodeStorageFailure, "mysql down"), "turn-1", "alice")
	if err := fanout.Notify(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ok.events) != 1 || ok.events[0].TurnID != "turn-1" {
		t.Fatalf("event not delivered: %+v", ok.events)
	}
	if !strings.Contains(buf.String(), `"code":"STORAGE_FAILURE"`) {
		t.Fatalf("log notifier did not record alert: %s", buf.String())
	}
	if event.Metadata["retryable"] != "true" || event.Metadata["http_status"] != "500" {
		t.Fatalf("unexpected metadata: %v", event.Metadata)
	}

	failing := &recordingNotifier{err: stdErrors.New("boom")}
	if err := NewFanout(failing).Notify(context.Background(), event); err == nil {
		t.Fatalf("expected joined error")
	}
}

func TestWebhookNotifierPostsSlackPayload(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, ChannelID: "#ops", HTTPClient: srv.Client()}
	event := Event{Code: "TOOL_CEILING", Severity: xerrors.SeverityWarning, Message: "too many tool calls", TurnID: "turn-9"}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if payload["channel"] != "#ops" || !strings.Contains(payload["text"], "TOOL_CEILING") || !strings.Contains(payload["text"], "turn-9") {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), Event{Code: "X"}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
	if err := (&WebhookNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped, got %v", err)
	}
}
