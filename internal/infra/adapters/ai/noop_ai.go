package ai

import (
	"context"
	"strings"
	"time"

	"planforge/internal/domain/ports/adapter"
)

var _ adapter.ModelClient = (*NoopClient)(nil)

// NoopClient implements adapter.ModelClient for local/dev runs. It returns a
// scripted reply instead of calling a real provider, streaming it word by
// word with a small delay so streaming consumers behave as in production.
type NoopClient struct {
	Reply      string
	ChunkDelay time.Duration
}

func NewNoopClient() *NoopClient {
	return &NoopClient{
		Reply:      "This is a noop model response.",
		ChunkDelay: 10 * time.Millisecond,
	}
}

func (n *NoopClient) Provider() string { return "noop" }

func (n *NoopClient) Send(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	select {
	case <-time.After(n.ChunkDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &adapter.Response{
		Text:  n.Reply,
		Model: firstNonEmpty(req.Model, "noop-model"),
		Usage: adapter.Usage{
			PromptTokens:     EstimateTokens("", req.Prompt),
			CompletionTokens: EstimateTokens("", n.Reply),
		},
	}, nil
}

func (n *NoopClient) SendStreaming(ctx context.Context, req adapter.Request, onChunk adapter.ChunkFunc) (*adapter.Response, error) {
	words := strings.SplitAfter(n.Reply, " ")
	for _, w := range words {
		select {
		case <-time.After(n.ChunkDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if onChunk != nil {
			onChunk(w, 1)
		}
	}
	return &adapter.Response{
		Text:  n.Reply,
		Model: firstNonEmpty(req.Model, "noop-model"),
		Usage: adapter.Usage{
			PromptTokens:     EstimateTokens("", req.Prompt),
			CompletionTokens: len(words),
			TotalTokens:      EstimateTokens("", req.Prompt) + len(words),
		},
	}, nil
}

func (n *NoopClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	return EstimateTokens(model, text), nil
}
