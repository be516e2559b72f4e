package ai

import (
	"context"

	"planforge/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.ModelClient = (*limitedClient)(nil)

// limitedClient caps in-flight provider calls below whatever the admission
// ceilings allow, protecting per-key provider quotas.
type limitedClient struct {
	inner adapter.ModelClient
	sem   chan struct{}
}

func NewLimitedClient(inner adapter.ModelClient, maxConcurrent int) adapter.ModelClient {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedClient{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedClient) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *limitedClient) Provider() string { return l.inner.Provider() }

func (l *limitedClient) Send(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-l.sem }()
	return l.inner.Send(ctx, req)
}

func (l *limitedClient) SendStreaming(ctx context.Context, req adapter.Request, onChunk adapter.ChunkFunc) (*adapter.Response, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-l.sem }()
	return l.inner.SendStreaming(ctx, req, onChunk)
}

func (l *limitedClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	return l.inner.CountTokens(ctx, model, text)
}
