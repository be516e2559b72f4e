package ai

import (
	"context"
	"errors"
	"testing"

	"planforge/internal/domain"
	"planforge/internal/domain/ports/adapter"
)

type stubClient struct {
	provider string
	reply    string
}

func (s *stubClient) Provider() string { return s.provider }

func (s *stubClient) Send(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	return &adapter.Response{Text: s.reply, Model: req.Model}, nil
}

func (s *stubClient) SendStreaming(ctx context.Context, req adapter.Request, onChunk adapter.ChunkFunc) (*adapter.Response, error) {
	if onChunk != nil {
		onChunk(s.reply, 1)
	}
	return &adapter.Response{Text: s.reply, Model: req.Model}, nil
}

func (s *stubClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	return len(text), nil
}

func TestRouterResolvesByAPIType(t *testing.T) {
	or := &stubClient{provider: "openrouter"}
	gm := &stubClient{provider: "gemini"}
	r := NewRouter("openrouter", or, gm)

	c, err := r.ClientFor("gemini")
	if err != nil || c != adapter.ModelClient(gm) {
		t.Fatalf("ClientFor(gemini) = %v, %v", c, err)
	}
	c, err = r.ClientFor("OpenRouter")
	if err != nil || c != adapter.ModelClient(or) {
		t.Fatal("api type match must be case-insensitive")
	}
}

func TestRouterFallsBackToDefault(t *testing.T) {
	or := &stubClient{provider: "openrouter"}
	r := NewRouter("openrouter", or)

	c, err := r.ClientFor("anthropic")
	if err != nil || c != adapter.ModelClient(or) {
		t.Fatalf("unknown tag must fall back to default, got %v, %v", c, err)
	}
	c, err = r.ClientFor("")
	if err != nil || c != adapter.ModelClient(or) {
		t.Fatal("empty tag must fall back to default")
	}
}

func TestRouterNoClients(t *testing.T) {
	r := NewRouter("openrouter")
	if _, err := r.ClientFor("gemini"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestEstimateTokensFallbacks(t *testing.T) {
	if n := EstimateTokens("gpt-4o", "hello world"); n < 1 {
		t.Fatalf("gpt-4o estimate = %d", n)
	}
	// Gateway-style model names strip the provider prefix before lookup.
	if n := EstimateTokens("openai/gpt-4o-mini", "hello world"); n < 1 {
		t.Fatalf("prefixed estimate = %d", n)
	}
	if n := EstimateTokens("totally-unknown-model", "hello world"); n < 1 {
		t.Fatalf("unknown model estimate = %d", n)
	}
	if n := EstimateTokens("gpt-4o", ""); n != 0 {
		t.Fatalf("empty text estimate = %d, want 0", n)
	}
}
