package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/ganeshballa0/bank-of-anthos/sdk/go/airuntime"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/ask", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(airuntime.AskResponse{
			Answer:    "Your balance is $5.00.",
			TurnID:    r.Header.Get("Idempotency-Key"),
			SessionID: "demo-session",
			Outcome:   "answered",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := airuntime.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAccessToken("demo-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Healthz(ctx); err != nil {
		panic(err)
	}
	fmt.Println("runtime is healthy")

	resp, err := client.Ask(ctx, airuntime.AskRequest{Prompt: "What is my balance?", IdempotencyKey: "demo-turn"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("turn %s (%s): %s\n", resp.TurnID, resp.Outcome, resp.Answer)
}
