package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"

	"planforge/internal/domain"
	"planforge/internal/domain/ports/adapter"
	"planforge/internal/infra/metrics"
)

var _ adapter.ModelClient = (*GeminiAdapter)(nil)

// GeminiAdapter implements adapter.ModelClient using the official SDK.
type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
}

func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel}, nil
}

func (g *GeminiAdapter) Provider() string { return "gemini" }

func (g *GeminiAdapter) prepare(req adapter.Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := modelOrDefault(req.Model, g.defaultModel)
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}
	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	return model, contents, cfg
}

func (g *GeminiAdapter) Send(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	model, contents, cfg := g.prepare(req)

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		metrics.ObserveModelCall(g.Provider(), model, 0, 0, int(time.Since(start).Milliseconds()), false)
		return nil, domain.AsFailure(err)
	}

	text := extractGeminiText(resp)
	if text == "" {
		return nil, domain.NewFailure(domain.FailureServerError, "gemini returned no candidate content", nil)
	}
	usage := geminiUsage(resp, model, req.Prompt, text)
	metrics.ObserveModelCall(g.Provider(), model, usage.PromptTokens, usage.CompletionTokens,
		int(time.Since(start).Milliseconds()), true)
	return &adapter.Response{Text: text, Model: model, Usage: usage}, nil
}

func (g *GeminiAdapter) SendStreaming(ctx context.Context, req adapter.Request, onChunk adapter.ChunkFunc) (*adapter.Response, error) {
	model, contents, cfg := g.prepare(req)

	start := time.Now()
	var (
		full strings.Builder
		last *genai.GenerateContentResponse
	)
	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			metrics.ObserveModelCall(g.Provider(), model, 0, 0, int(time.Since(start).Milliseconds()), false)
			return nil, domain.AsFailure(err)
		}
		last = resp
		if piece := extractGeminiText(resp); piece != "" {
			full.WriteString(piece)
			metrics.IncStreamChunk(g.Provider())
			if onChunk != nil {
				onChunk(piece, EstimateTokens(model, piece))
			}
		}
	}

	text := full.String()
	if text == "" {
		return nil, domain.NewFailure(domain.FailureServerError, "gemini stream produced no content", nil)
	}
	usage := geminiUsage(last, model, req.Prompt, text)
	metrics.ObserveModelCall(g.Provider(), model, usage.PromptTokens, usage.CompletionTokens,
		int(time.Since(start).Milliseconds()), true)
	return &adapter.Response{Text: text, Model: model, Usage: usage}, nil
}

func (g *GeminiAdapter) CountTokens(ctx context.Context, model, text string) (int, error) {
	model = modelOrDefault(model, g.defaultModel)
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: text}},
	}}
	resp, err := g.client.Models.CountTokens(ctx, model, contents, nil)
	if err != nil {
		// Local estimate keeps billing and progress flowing when the
		// counting endpoint is unreachable.
		return EstimateTokens(model, text), nil
	}
	return int(resp.TotalTokens), nil
}

func extractGeminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func geminiUsage(resp *genai.GenerateContentResponse, model, prompt, completion string) adapter.Usage {
	u := adapter.Usage{}
	if resp != nil && resp.UsageMetadata != nil {
		u.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		u.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if u.PromptTokens == 0 {
		u.PromptTokens = EstimateTokens(model, prompt)
	}
	if u.CompletionTokens == 0 {
		u.CompletionTokens = EstimateTokens(model, completion)
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
