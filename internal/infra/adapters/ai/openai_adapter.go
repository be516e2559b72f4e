package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"planforge/internal/domain"
	"planforge/internal/domain/ports/adapter"
	"planforge/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.ModelClient = (*OpenAIAdapter)(nil)

// OpenAIAdapter implements adapter.ModelClient on the official SDK's
// Chat Completions API.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

func NewOpenAIAdapter(apiKey, model string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIAdapter{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (o *OpenAIAdapter) Provider() string { return "openai" }

func (o *OpenAIAdapter) params(req adapter.Request) (openai.ChatCompletionNewParams, string) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		p.Temperature = openai.Float(float64(req.Temperature))
	}
	if req.MaxOutputTokens > 0 {
		p.MaxTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	return p, model
}

func (o *OpenAIAdapter) Send(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	params, model := o.params(req)

	start := time.Now()
	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.ObserveModelCall(o.Provider(), model, 0, 0, int(time.Since(start).Milliseconds()), false)
		return nil, domain.AsFailure(err)
	}

	text := ""
	for _, c := range completion.Choices {
		if c.Message.Content != "" {
			text = c.Message.Content
			break
		}
	}
	if text == "" {
		return nil, domain.NewFailure(domain.FailureServerError, "openai returned no choice content", nil)
	}

	usage := adapter.Usage{
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:      int(completion.Usage.TotalTokens),
	}
	metrics.ObserveModelCall(o.Provider(), model, usage.PromptTokens, usage.CompletionTokens,
		int(time.Since(start).Milliseconds()), true)
	return &adapter.Response{Text: text, Model: firstNonEmpty(completion.Model, model), Usage: usage}, nil
}

func (o *OpenAIAdapter) SendStreaming(ctx context.Context, req adapter.Request, onChunk adapter.ChunkFunc) (*adapter.Response, error) {
	params, model := o.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	start := time.Now()
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		full strings.Builder
		acc  openai.ChatCompletionAccumulator
	)
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			full.WriteString(c.Delta.Content)
			metrics.IncStreamChunk(o.Provider())
			if onChunk != nil {
				onChunk(c.Delta.Content, EstimateTokens(model, c.Delta.Content))
			}
		}
	}
	if err := stream.Err(); err != nil {
		metrics.ObserveModelCall(o.Provider(), model, 0, 0, int(time.Since(start).Milliseconds()), false)
		return nil, domain.AsFailure(err)
	}

	text := full.String()
	if text == "" {
		return nil, domain.NewFailure(domain.FailureServerError, "openai stream produced no content", nil)
	}
	usage := adapter.Usage{
		PromptTokens:     int(acc.Usage.PromptTokens),
		CompletionTokens: int(acc.Usage.CompletionTokens),
		TotalTokens:      int(acc.Usage.TotalTokens),
	}
	if usage.PromptTokens == 0 {
		usage.PromptTokens = EstimateTokens(model, req.Prompt)
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = EstimateTokens(model, text)
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	metrics.ObserveModelCall(o.Provider(), model, usage.PromptTokens, usage.CompletionTokens,
		int(time.Since(start).Milliseconds()), true)
	return &adapter.Response{Text: text, Model: model, Usage: usage}, nil
}

func (o *OpenAIAdapter) CountTokens(ctx context.Context, model, text string) (int, error) {
	if model == "" {
		model = o.model
	}
	return EstimateTokens(model, text), nil
}
