package worker

import (
	"context"
	"fmt"
	"strings"
)

// PathFinderProcessor asks the model which files matter for a task and
// distills its answer into a clean path list through the layered extraction.
type PathFinderProcessor struct {
	runner *LLMRunner
}

func NewPathFinderProcessor(runner *LLMRunner) *PathFinderProcessor {
	return &PathFinderProcessor{runner: runner}
}

func (p *PathFinderProcessor) Type() string { return TaskPathFinder }

const pathFinderSystemPrompt = "Given a project structure and a task, list the files relevant " +
	"to the task. Output one relative path per line inside <path>...</path> tags and nothing else."

func (p *PathFinderProcessor) Process(ctx context.Context, pl Payload) Result {
	if strings.TrimSpace(pl.Prompt) == "" {
		return validationFailure("task description is empty")
	}
	if pl.DirectoryTree == "" {
		return validationFailure("directory tree is missing from the job metadata")
	}
	if pl.SystemPrompt == "" {
		pl.SystemPrompt = pathFinderSystemPrompt
	}
	pl.Prompt = "Project structure:\n" + pl.DirectoryTree + "\n\nTask:\n" + pl.Prompt

	resp, err := p.runner.Run(ctx, pl, false)
	if err != nil {
		return llmFailure("path finding", err)
	}
	if err := p.runner.PersistResponse(ctx, pl.JobID, resp.Text, resp.Usage.CompletionTokens); err != nil {
		return failureResult("persisting path list failed", err)
	}

	paths := ExtractPaths(resp.Text)
	return usageInto(successResult(fmt.Sprintf("found %d candidate paths", len(paths)), map[string]any{
		"paths":      paths,
		"path_count": len(paths),
	}), resp)
}

// PathCorrectionProcessor repairs paths the model previously hallucinated or
// mangled, matching them against the real directory tree.
type PathCorrectionProcessor struct {
	runner *LLMRunner
}

func NewPathCorrectionProcessor(runner *LLMRunner) *PathCorrectionProcessor {
	return &PathCorrectionProcessor{runner: runner}
}

func (p *PathCorrectionProcessor) Type() string { return TaskPathCorrection }

const pathCorrectionSystemPrompt = "You are given a project structure and a list of file paths " +
	"that could not be verified against it. For each one, output the closest real path from the " +
	"structure inside <path>...</path> tags. Omit paths with no plausible match."

func (p *PathCorrectionProcessor) Process(ctx context.Context, pl Payload) Result {
	if len(pl.UnverifiedPaths) == 0 {
		return validationFailure("no unverified paths to correct")
	}
	if pl.DirectoryTree == "" {
		return validationFailure("directory tree is missing from the job metadata")
	}
	if pl.SystemPrompt == "" {
		pl.SystemPrompt = pathCorrectionSystemPrompt
	}
	pl.Prompt = "Project structure:\n" + pl.DirectoryTree +
		"\n\nUnverified paths:\n" + strings.Join(pl.UnverifiedPaths, "\n")

	resp, err := p.runner.Run(ctx, pl, false)
	if err != nil {
		return llmFailure("path correction", err)
	}
	if err := p.runner.PersistResponse(ctx, pl.JobID, resp.Text, resp.Usage.CompletionTokens); err != nil {
		return failureResult("persisting corrected paths failed", err)
	}

	corrected := ExtractPaths(resp.Text)
	return usageInto(successResult(
		fmt.Sprintf("corrected %d of %d paths", len(corrected), len(pl.UnverifiedPaths)),
		map[string]any{
			"corrected_paths": corrected,
			"corrected_count": len(corrected),
		}), resp)
}
