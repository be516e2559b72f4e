package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"planforge/internal/domain"
	"planforge/internal/domain/ports/adapter"
	"planforge/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.ModelClient = (*OpenRouterAdapter)(nil)

// OpenRouterAdapter implements adapter.ModelClient against OpenRouter's
// OpenAI-compatible gateway. Base URL defaults to
// https://openrouter.ai/api/v1 (configurable).
// Chat completions path is the same as OpenAI: /chat/completions
// Authorization: Bearer <OPENROUTER_API_KEY>
type OpenRouterAdapter struct {
	apiKey string
	base   string // e.g., https://openrouter.ai/api/v1
	model  string
	client *http.Client
}

func NewOpenRouterAdapter(apiKey, model, base string) (*OpenRouterAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openrouter api key empty")
	}
	if model == "" {
		model = "openai/gpt-4o-mini"
	}
	if base == "" {
		base = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterAdapter{
		apiKey: apiKey,
		base:   strings.TrimRight(base, "/"),
		model:  model,
		// No client timeout: streamed responses stay open for minutes,
		// cancellation comes through the request context.
		client: &http.Client{},
	}, nil
}

func (o *OpenRouterAdapter) Provider() string { return "openrouter" }

type orMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type orRequest struct {
	Model       string          `json:"model"`
	Messages    []orMessage     `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	StreamOpts  *orStreamOption `json:"stream_options,omitempty"`
}

type orStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

type orUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (o *OpenRouterAdapter) buildMessages(req adapter.Request) []orMessage {
	msgs := make([]orMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, orMessage{Role: "system", Content: req.SystemPrompt})
	}
	return append(msgs, orMessage{Role: "user", Content: req.Prompt})
}

func (o *OpenRouterAdapter) newHTTPRequest(ctx context.Context, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	return req, nil
}

func httpStatusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return domain.NewFailure(
		domain.ClassifyHTTPStatus(resp.StatusCode),
		fmt.Sprintf("%s http %d", provider, resp.StatusCode),
		fmt.Errorf("%s", strings.TrimSpace(string(body))),
	)
}

func (o *OpenRouterAdapter) Send(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	httpReq, err := o.newHTTPRequest(ctx, orRequest{
		Model:       model,
		Messages:    o.buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		metrics.ObserveModelCall(o.Provider(), model, 0, 0, int(time.Since(start).Milliseconds()), false)
		return nil, domain.AsFailure(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		metrics.ObserveModelCall(o.Provider(), model, 0, 0, int(time.Since(start).Milliseconds()), false)
		return nil, httpStatusError("openrouter", resp)
	}

	var payload struct {
		Model   string `json:"model"`
		Choices []struct {
			Message orMessage `json:"message"`
		} `json:"choices"`
		Usage orUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, domain.AsFailure(err)
	}

	text := ""
	for _, c := range payload.Choices {
		if c.Message.Content != "" {
			text = c.Message.Content
			break
		}
	}
	if text == "" {
		return nil, domain.NewFailure(domain.FailureServerError, "openrouter returned no choice content", nil)
	}

	usage := normalizeUsage(payload.Usage, model, req.Prompt, text)
	metrics.ObserveModelCall(o.Provider(), model, usage.PromptTokens, usage.CompletionTokens,
		int(time.Since(start).Milliseconds()), true)
	return &adapter.Response{Text: text, Model: firstNonEmpty(payload.Model, model), Usage: usage}, nil
}

func (o *OpenRouterAdapter) SendStreaming(ctx context.Context, req adapter.Request, onChunk adapter.ChunkFunc) (*adapter.Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	httpReq, err := o.newHTTPRequest(ctx, orRequest{
		Model:       model,
		Messages:    o.buildMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      true,
		StreamOpts:  &orStreamOption{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		metrics.ObserveModelCall(o.Provider(), model, 0, 0, int(time.Since(start).Milliseconds()), false)
		return nil, domain.AsFailure(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		metrics.ObserveModelCall(o.Provider(), model, 0, 0, int(time.Since(start).Milliseconds()), false)
		return nil, httpStatusError("openrouter", resp)
	}

	var (
		full      strings.Builder
		usage     orUsage
		gotModel  string
		scanner   = bufio.NewScanner(resp.Body)
		chunkToks int
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, domain.AsFailure(context.Cause(ctx))
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			// OpenRouter interleaves ": OPENROUTER PROCESSING" comments.
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev struct {
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *orUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // malformed keep-alive frame, skip
		}
		if ev.Model != "" {
			gotModel = ev.Model
		}
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		for _, c := range ev.Choices {
			if c.Delta.Content == "" {
				continue
			}
			full.WriteString(c.Delta.Content)
			est := EstimateTokens(model, c.Delta.Content)
			chunkToks += est
			metrics.IncStreamChunk(o.Provider())
			if onChunk != nil {
				onChunk(c.Delta.Content, est)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		metrics.ObserveModelCall(o.Provider(), model, 0, 0, int(time.Since(start).Milliseconds()), false)
		return nil, domain.AsFailure(err)
	}

	text := full.String()
	if text == "" {
		return nil, domain.NewFailure(domain.FailureServerError, "openrouter stream produced no content", nil)
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = chunkToks
	}
	u := normalizeUsage(usage, model, req.Prompt, text)
	metrics.ObserveModelCall(o.Provider(), model, u.PromptTokens, u.CompletionTokens,
		int(time.Since(start).Milliseconds()), true)
	return &adapter.Response{Text: text, Model: firstNonEmpty(gotModel, model), Usage: u}, nil
}

func (o *OpenRouterAdapter) CountTokens(ctx context.Context, model, text string) (int, error) {
	if model == "" {
		model = o.model
	}
	return EstimateTokens(model, text), nil
}

func normalizeUsage(u orUsage, model, prompt, completion string) adapter.Usage {
	out := adapter.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.PromptTokens == 0 {
		out.PromptTokens = EstimateTokens(model, prompt)
	}
	if out.CompletionTokens == 0 {
		out.CompletionTokens = EstimateTokens(model, completion)
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
