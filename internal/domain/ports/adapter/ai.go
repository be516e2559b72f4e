package adapter

import "context"

// Request is a provider-neutral model call.
type Request struct {
	Model           string
	SystemPrompt    string
	Prompt          string
	Temperature     float32
	MaxOutputTokens int
}

// Usage for a single model call, as reported by the provider.
// Best-effort estimates are used when the provider reports nothing.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the final outcome of a model call. For streaming calls Text is
// the full accumulated output.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// ChunkFunc receives each streamed fragment together with a best-effort
// token estimate for that fragment. Called from a single goroutine per
// request, in emission order.
type ChunkFunc func(chunk string, tokenEstimate int)

// ModelClient is the port for LLM providers. Cancellation is cooperative
// through ctx: implementations must observe ctx at every network suspension
// point (full-response wait or per-chunk read).
type ModelClient interface {
	// Provider returns the api type tag this client serves ("openrouter",
	// "openai", "gemini", ...).
	Provider() string

	// Send performs one blocking model call.
	Send(ctx context.Context, req Request) (*Response, error)

	// SendStreaming performs one model call, delivering partial output
	// through onChunk as it arrives, and returns the accumulated response.
	SendStreaming(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error)

	// CountTokens returns prompt tokens for the given text
	// (provider-specific counting; best-effort when exact isn't available).
	CountTokens(ctx context.Context, model, text string) (int, error)
}
