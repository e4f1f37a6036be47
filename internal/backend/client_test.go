package backend

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClients(t *testing.T, handler http.Handler, retries int) (*Clients, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	addr := strings.TrimPrefix(server.URL, "http://")
	clients := New(Options{
		Services: Services{ContactsAddr: addr, BalancesAddr: addr, HistoryAddr: addr, TransactionsAddr: addr},
		Timeout:  time.Second,
		Retries:  retries,
	})
	return clients, server
}

func TestClientPropagatesBearerToken(t *testing.T) {
	var seen []string
	clients, _ := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path+" "+r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}), 0)

	ctx := context.Background()
	const token = "header.payload.signature"
	if _, err := clients.Contacts.List(ctx, token, "alice"); err != nil {
		t.Fatalf("list contacts: %v", err)
	}
	if _, err := clients.Balances.Get(ctx, token, "1011226111"); err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if _, err := clients.History.List(ctx, token, "1011226111"); err != nil {
		t.Fatalf("get history: %v", err)
	}

	want := []string{
		"GET /contacts/alice Bearer " + token,
		"GET /balances/1011226111 Bearer " + token,
		"GET /transactions/1011226111 Bearer " + token,
	}
	if strings.Join(seen, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected requests:\n%s", strings.Join(seen, "\n"))
	}
}

func TestClientRejectsMissingTokenWithoutNetwork(t *testing.T) {
	var calls int32
	clients, _ := newTestClients(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		atomic.AddInt32(&calls, 1)
	}), 0)

	_, err := clients.Balances.Get(context.Background(), "", "1011226111")
	be, ok := AsError(err)
	if !ok || be.Kind != KindMissingToken {
		t.Fatalf("expected missing credentials error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("no request should reach the backend")
	}
}

func TestClientDecodesBodies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/balances/json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `500`)
	})
	mux.HandleFunc("/balances/text", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "transaction submitted")
	})
	mux.HandleFunc("/balances/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"balance":`)
	})
	mux.HandleFunc("/balances/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "account not found", http.StatusNotFound)
	})
	clients, _ := newTestClients(t, mux, 0)
	ctx := context.Background()

	data, err := clients.Balances.Get(ctx, "t", "json")
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if data != json.Number("500") {
		t.Fatalf("expected json number, got %#v", data)
	}

	data, err = clients.Balances.Get(ctx, "t", "text")
	if err != nil || data != "transaction submitted" {
		t.Fatalf("expected text body, got %#v (%v)", data, err)
	}

	_, err = clients.Balances.Get(ctx, "t", "broken")
	if be, ok := AsError(err); !ok || be.Kind != KindMalformed {
		t.Fatalf("expected malformed response, got %v", err)
	}

	_, err = clients.Balances.Get(ctx, "t", "missing")
	be, ok := AsError(err)
	if !ok || be.Status != http.StatusNotFound || !strings.Contains(be.Body, "account not found") {
		t.Fatalf("expected 404 with body excerpt, got %#v", err)
	}
}

func TestClientRetriesIdempotentCalls(t *testing.T) {
	var gets, posts int32
	clients, _ := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if atomic.AddInt32(&gets, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}), 2)

	if _, err := clients.History.List(context.Background(), "t", "1011226111"); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if atomic.LoadInt32(&gets) != 3 {
		t.Fatalf("expected 3 attempts, got %d", gets)
	}

	_, err := clients.Contacts.Add(context.Background(), "t", "alice", Contact{Label: "bob", AccountNum: "1", RoutingNum: "2"})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if atomic.LoadInt32(&posts) != 1 {
		t.Fatalf("adding a contact must not be retried, got %d attempts", posts)
	}
}

func TestClientClassifiesNetworkFaults(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	timeoutClient := NewBalanceClient(NewClient(ClientConfig{Service: "balancereader", BaseURL: slow.URL, Timeout: 50 * time.Millisecond}))
	_, err := timeoutClient.Get(context.Background(), "t", "1")
	if be, ok := AsError(err); !ok || be.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelClient := NewBalanceClient(NewClient(ClientConfig{Service: "balancereader", BaseURL: slow.URL, Timeout: 5 * time.Second}))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = cancelClient.Get(ctx, "t", "1")
	if be, ok := AsError(err); !ok || be.Kind != KindCancelled {
		t.Fatalf("expected cancellation, got %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	refused := NewBalanceClient(NewClient(ClientConfig{Service: "balancereader", BaseURL: "http://" + addr, Timeout: time.Second}))
	_, err = refused.Get(context.Background(), "t", "1")
	if be, ok := AsError(err); !ok || be.Kind != KindRefused {
		t.Fatalf("expected connection refused, got %v", err)
	}
}

func TestContactsAddSendsPayload(t *testing.T) {
	var got map[string]any
	clients, _ := newTestClients(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/contacts/alice" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}), 0)

	_, err := clients.Contacts.Add(context.Background(), "t", "alice", Contact{Label: "Bob", AccountNum: "1033623433", RoutingNum: "883745000"})
	if err != nil {
		t.Fatalf("add contact: %v", err)
	}
	want := map[string]any{"label": "Bob", "account_num": "1033623433", "routing_num": "883745000", "is_external": false}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("field %s = %#v, want %#v", key, got[key], value)
		}
	}
}
