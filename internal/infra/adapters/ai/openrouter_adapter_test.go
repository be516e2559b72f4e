package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"planforge/internal/domain"
	"planforge/internal/domain/ports/adapter"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
}

func TestOpenRouterStreamingAccumulates(t *testing.T) {
	srv := sseServer(t, []string{
		`: OPENROUTER PROCESSING`,
		`data: {"model":"openai/gpt-4o-mini","choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{}}],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	a, err := NewOpenRouterAdapter("test-key", "openai/gpt-4o-mini", srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	var chunks []string
	resp, err := a.SendStreaming(context.Background(), adapter.Request{Prompt: "hi"},
		func(chunk string, tokens int) { chunks = append(chunks, chunk) })
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("text = %q", resp.Text)
	}
	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Fatalf("chunks = %v", chunks)
	}
	if resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 2 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if resp.Model != "openai/gpt-4o-mini" {
		t.Fatalf("model = %q", resp.Model)
	}
}

func TestOpenRouterSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"openai/gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"pong"}}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer srv.Close()

	a, _ := NewOpenRouterAdapter("test-key", "", srv.URL)
	resp, err := a.Send(context.Background(), adapter.Request{Prompt: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "pong" || resp.Usage.TotalTokens != 4 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestOpenRouterErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   domain.FailureKind
	}{
		{http.StatusTooManyRequests, domain.FailureRateLimited},
		{http.StatusInternalServerError, domain.FailureServerError},
		{http.StatusBadRequest, domain.FailureValidation},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		a, _ := NewOpenRouterAdapter("test-key", "", srv.URL)
		_, err := a.Send(context.Background(), adapter.Request{Prompt: "x"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		var fe *domain.FailureError
		if !errors.As(err, &fe) || fe.Kind != tt.want {
			t.Fatalf("status %d: err = %v, want kind %v", tt.status, err, tt.want)
		}
	}
}

func TestOpenRouterStreamingCanceled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	a, _ := NewOpenRouterAdapter("test-key", "", srv.URL)
	go func() { cancel() }()

	_, err := a.SendStreaming(ctx, adapter.Request{Prompt: "x"}, func(string, int) { cancel() })
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	var fe *domain.FailureError
	if errors.As(err, &fe) && fe.Kind != domain.FailureCanceled && fe.Kind != domain.FailureTimeout {
		t.Fatalf("kind = %v, want canceled", fe.Kind)
	}
}
