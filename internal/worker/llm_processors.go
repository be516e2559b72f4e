package worker

import (
	"context"
	"errors"
	"strings"

	"planforge/internal/domain"
	"planforge/internal/domain/ports/adapter"
)

// Task type tags. The registry key space is flat strings; a job carries one
// of these in its task_type column.
const (
	TaskLLMStream          = "llm_stream"
	TaskImplementationPlan = "implementation_plan"
	TaskPathFinder         = "path_finder"
	TaskPathCorrection     = "path_correction"
	TaskGuidance           = "guidance"
	TaskTextImprovement    = "text_improvement"
	TaskTaskEnhancement    = "task_enhancement"
)

func validationFailure(msg string) Result {
	return failureResult(msg, domain.NewFailure(domain.FailureValidation, msg, nil))
}

// llmFailure builds the failure result for a provider call, keeping the
// status message short. The full error travels in Result.Err for the logs.
func llmFailure(action string, err error) Result {
	reason := err.Error()
	var fe *domain.FailureError
	if errors.As(err, &fe) {
		reason = fe.Msg
	}
	return failureResult(action+" failed: "+reason, err)
}

func usageInto(res Result, resp *adapter.Response) Result {
	res.ModelUsed = resp.Model
	res.TokensSent = resp.Usage.PromptTokens
	res.TokensReceived = resp.Usage.CompletionTokens
	return res
}

// StreamProcessor is the generic streaming call: the prompt goes out as-is
// and the response is persisted chunk by chunk. Everything task-specific
// lives in other processors.
type StreamProcessor struct {
	runner *LLMRunner
}

func NewStreamProcessor(runner *LLMRunner) *StreamProcessor {
	return &StreamProcessor{runner: runner}
}

func (p *StreamProcessor) Type() string { return TaskLLMStream }

func (p *StreamProcessor) Process(ctx context.Context, pl Payload) Result {
	if strings.TrimSpace(pl.Prompt) == "" {
		return validationFailure("prompt text is empty")
	}
	resp, err := p.runner.Run(ctx, pl, true)
	if err != nil {
		return llmFailure("model call", err)
	}
	return usageInto(successResult("response streamed", nil), resp)
}

// GuidanceProcessor streams task guidance and records a short summary of it
// in the job metadata for list views.
type GuidanceProcessor struct {
	runner *LLMRunner
}

func NewGuidanceProcessor(runner *LLMRunner) *GuidanceProcessor {
	return &GuidanceProcessor{runner: runner}
}

func (p *GuidanceProcessor) Type() string { return TaskGuidance }

const guidanceSystemPrompt = "You are a senior engineer giving focused, actionable guidance " +
	"on the task described by the user. Reference concrete files from the project context " +
	"when they are relevant."

func (p *GuidanceProcessor) Process(ctx context.Context, pl Payload) Result {
	if strings.TrimSpace(pl.Prompt) == "" {
		return validationFailure("guidance request is empty")
	}
	if pl.SystemPrompt == "" {
		pl.SystemPrompt = guidanceSystemPrompt
	}
	if pl.DirectoryTree != "" {
		pl.Prompt = "Project structure:\n" + pl.DirectoryTree + "\n\nTask:\n" + pl.Prompt
	}

	resp, err := p.runner.Run(ctx, pl, true)
	if err != nil {
		return llmFailure("guidance generation", err)
	}
	return usageInto(successResult("guidance generated", map[string]any{
		"summary": summarize(resp.Text, 200),
	}), resp)
}

// summarize returns the first line of text, clipped to max runes.
func summarize(text string, max int) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	runes := []rune(line)
	if len(runes) <= max {
		return line
	}
	return string(runes[:max]) + "…"
}

// TextImprovementProcessor cleans up a raw transcript in one non-streaming
// pass. The improved text becomes the job's response.
type TextImprovementProcessor struct {
	runner *LLMRunner
}

func NewTextImprovementProcessor(runner *LLMRunner) *TextImprovementProcessor {
	return &TextImprovementProcessor{runner: runner}
}

func (p *TextImprovementProcessor) Type() string { return TaskTextImprovement }

const textImprovementSystemPrompt = "Clean up the following transcribed text: fix punctuation, " +
	"casing and obvious transcription mistakes. Preserve the meaning and the wording where it is " +
	"already correct. Reply with the corrected text only."

func (p *TextImprovementProcessor) Process(ctx context.Context, pl Payload) Result {
	if strings.TrimSpace(pl.Prompt) == "" {
		return validationFailure("empty input: nothing to improve")
	}
	if pl.SystemPrompt == "" {
		pl.SystemPrompt = textImprovementSystemPrompt
	}

	resp, err := p.runner.Run(ctx, pl, false)
	if err != nil {
		return llmFailure("text improvement", err)
	}
	if err := p.runner.PersistResponse(ctx, pl.JobID, resp.Text, resp.Usage.CompletionTokens); err != nil {
		return failureResult("persisting improved text failed", err)
	}
	return usageInto(successResult("text improved", map[string]any{
		"improved_chars": len(resp.Text),
	}), resp)
}
