package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ganeshballa0/bank-of-anthos/internal/agent"
	"github.com/ganeshballa0/bank-of-anthos/internal/auth/authtest"
	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
	"github.com/ganeshballa0/bank-of-anthos/internal/llm"
	"github.com/ganeshballa0/bank-of-anthos/internal/observability/metrics"
	"github.com/ganeshballa0/bank-of-anthos/internal/session"
	"github.com/ganeshballa0/bank-of-anthos/internal/storage/mysql"
	"github.com/ganeshballa0/bank-of-anthos/internal/tool"
)

type stubAsker struct {
	got    agent.AskRequest
	result *agent.TurnResult
	err    error
}

func (s *stubAsker) Ask(_ context.Context, req agent.AskRequest) (*agent.TurnResult, error) {
	s.got = req
	if s.result == nil {
		s.result = &agent.TurnResult{TurnID: "generated", State: agent.StateFailed}
	}
	return s.result, s.err
}

func newTestServer(t *testing.T, asker Asker, turns TurnLister) (http.Handler, authtest.KeyPair) {
	t.Helper()
	keys := authtest.NewKeyPair(t)
	srv := NewServer(Options{
		Agent:    asker,
		Verifier: keys.Verifier(t),
		Turns:    turns,
		Metrics:  metrics.New(),
	})
	return srv.Handler(), keys
}

func post(t *testing.T, h http.Handler, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not json: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestAskEndToEnd(t *testing.T) {
	reasoner := llm.ReasonerFunc(func(_ context.Context, req llm.Request) (llm.Event, error) {
		return llm.Event{Kind: llm.EventFinal, Parts: []string{"Hello ", req.Subject}}, nil
	})
	repo := mysql.NewMemoryTurnRepository(0)
	ag := agent.New(reasoner, tool.NewRegistry(), session.NewStore(), agent.WithTurnRepository(repo))
	h, keys := newTestServer(t, ag, repo)

	rec := post(t, h, keys.UserToken(t, "alice", "1011226111"), `{"prompt":"hi"}`, map[string]string{"Idempotency-Key": "turn-42"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["answer"] != "Hello alice" || body["turn_id"] != "turn-42" || body["outcome"] != "answered" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["session_id"] == "" {
		t.Fatalf("expected generated session id")
	}

	req := httptest.NewRequest(http.MethodGet, "/turns?limit=5", nil)
	req.Header.Set("Authorization", "Bearer "+keys.UserToken(t, "alice", "1011226111"))
	list := httptest.NewRecorder()
	h.ServeHTTP(list, req)
	if list.Code != http.StatusOK {
		t.Fatalf("unexpected list status: %d", list.Code)
	}
	var turns struct {
		Turns []mysql.TurnRecord `json:"turns"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &turns); err != nil {
		t.Fatalf("decode turns: %v", err)
	}
	if len(turns.Turns) != 1 || turns.Turns[0].TurnID != "turn-42" {
		t.Fatalf("unexpected turns: %+v", turns.Turns)
	}
}

func TestAskRequiresBearer(t *testing.T) {
	asker := &stubAsker{}
	h, _ := newTestServer(t, asker, nil)

	rec := post(t, h, "", `{"prompt":"hi"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decode(t, rec); body["error"] != "unauthorized" {
		t.Fatalf("unexpected body: %v", body)
	}

	other := authtest.NewKeyPair(t)
	rec = post(t, h, other.UserToken(t, "mallory", "1"), `{"prompt":"hi"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign key, got %d", rec.Code)
	}
	if asker.got.Prompt != "" {
		t.Fatalf("agent must not run for unauthenticated requests")
	}
}

func TestAskValidatesBody(t *testing.T) {
	h, keys := newTestServer(t, &stubAsker{}, nil)
	token := keys.UserToken(t, "alice", "1011226111")

	for _, body := range []string{`not json`, `{"prompt":"   "}`} {
		if rec := post(t, h, token, body, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, rec.Code)
		}
	}
	long := strings.Repeat("k", maxTurnIDLength+1)
	if rec := post(t, h, token, `{"prompt":"hi"}`, map[string]string{"Idempotency-Key": long}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for long idempotency key, got %d", rec.Code)
	}
}

func TestIdempotencyKeyFitsTurnColumn(t *testing.T) {
	asker := &stubAsker{result: &agent.TurnResult{TurnID: "k", State: agent.StateAnswered, Answer: "ok"}}
	h, keys := newTestServer(t, asker, nil)
	token := keys.UserToken(t, "alice", "1011226111")

	if rec := post(t, h, token, `{"prompt":"hi"}`, map[string]string{"Idempotency-Key": strings.Repeat("k", 64)}); rec.Code != http.StatusOK {
		t.Fatalf("64 character key should be accepted, got %d", rec.Code)
	}
	if rec := post(t, h, token, `{"prompt":"hi"}`, map[string]string{"Idempotency-Key": strings.Repeat("k", 65)}); rec.Code != http.StatusBadRequest {
		t.Fatalf("65 character key must be rejected, got %d", rec.Code)
	}
}

func TestAskHidesInfrastructureErrors(t *testing.T) {
	cases := []struct {
		code xerrors.Code
		want int
	}{
		{agent.CodeToolCeiling, http.StatusBadGateway},
		{agent.CodeReasonerFailure, http.StatusBadGateway},
		{agent.CodeSessionFailure, http.StatusInternalServerError},
		{xerrors.CodeCancelled, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		asker := &stubAsker{
			result: &agent.TurnResult{TurnID: "turn-x", State: agent.StateFailed},
			err:    xerrors.New(tc.code, "secret internal detail"),
		}
		h, keys := newTestServer(t, asker, nil)
		rec := post(t, h, keys.UserToken(t, "alice", "1011226111"), `{"prompt":"hi"}`, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.code, tc.want, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "secret") {
			t.Fatalf("%s: internal detail leaked: %s", tc.code, rec.Body.String())
		}
		if body := decode(t, rec); body["error"] != "internal error" || body["turn_id"] != "turn-x" {
			t.Fatalf("%s: unexpected body %v", tc.code, body)
		}
	}
}

func TestAskPassesIdentityAndTurnID(t *testing.T) {
	asker := &stubAsker{result: &agent.TurnResult{TurnID: "k-1", SessionID: "s", State: agent.StateAnswered, Answer: "ok"}}
	h, keys := newTestServer(t, asker, nil)
	token := keys.UserToken(t, "alice", "1011226111")

	rec := post(t, h, token, `{"prompt":"hi"}`, map[string]string{"Idempotency-Key": " k-1 "})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if asker.got.TurnID != "k-1" || asker.got.Identity == nil || asker.got.Identity.Subject != "alice" {
		t.Fatalf("unexpected request: %+v", asker.got)
	}
	if asker.got.Identity.Token() != token {
		t.Fatalf("token must reach the agent unchanged")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	h, _ := newTestServer(t, &stubAsker{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected healthz response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `airuntime_http_requests_total{code="200",handler="healthz",method="GET"} 1`) {
		t.Fatalf("metrics missing healthz request: %s", rec.Body.String())
	}
}

func TestListTurnsRejectsBadLimit(t *testing.T) {
	h, keys := newTestServer(t, &stubAsker{}, mysql.NewMemoryTurnRepository(0))
	req := httptest.NewRequest(http.MethodGet, "/turns?limit=abc", nil)
	req.Header.Set("Authorization", "Bearer "+keys.UserToken(t, "alice", "1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
