package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"planforge/internal/domain"
)

// PlanProcessor streams an implementation plan and validates its structure
// before accepting it: a plan whose markers never close is model output that
// ran out of tokens or drifted, and shipping it downstream would break every
// consumer that parses steps.
type PlanProcessor struct {
	runner *LLMRunner
}

func NewPlanProcessor(runner *LLMRunner) *PlanProcessor {
	return &PlanProcessor{runner: runner}
}

func (p *PlanProcessor) Type() string { return TaskImplementationPlan }

const planSystemPrompt = "You produce implementation plans for software changes. Wrap the plan " +
	"in <steps>...</steps> with each step inside <step>...</step>. Reference every file a step " +
	"touches with a <path>relative/path.ext</path> tag."

func (p *PlanProcessor) Process(ctx context.Context, pl Payload) Result {
	if strings.TrimSpace(pl.Prompt) == "" {
		return validationFailure("task description is empty")
	}
	if pl.SystemPrompt == "" {
		pl.SystemPrompt = planSystemPrompt
	}
	if pl.DirectoryTree != "" {
		pl.Prompt = "Project structure:\n" + pl.DirectoryTree + "\n\nTask:\n" + pl.Prompt
	}

	resp, err := p.runner.Run(ctx, pl, true)
	if err != nil {
		return llmFailure("plan generation", err)
	}

	if err := validatePlanStructure(resp.Text); err != nil {
		return usageInto(failureResult(
			"implementation plan is incomplete or malformed: "+err.Error(), err), resp)
	}

	return usageInto(successResult("implementation plan generated", map[string]any{
		"step_count": countPlanSteps(resp.Text),
		"plan_paths": ExtractPaths(resp.Text),
	}), resp)
}

// planMarkers are the structural envelopes a plan may use; at least one must
// be present and properly closed.
var planMarkers = []string{"steps", "plan"}

// validatePlanStructure returns a content-validation failure when the plan's
// structural markers are missing or unclosed.
func validatePlanStructure(text string) error {
	closed := false
	for _, m := range planMarkers {
		openTag, closeTag := "<"+m+">", "</"+m+">"
		hasOpen, hasClose := strings.Contains(text, openTag), strings.Contains(text, closeTag)
		if hasOpen && !hasClose {
			return domain.NewFailure(domain.FailureContentValidation,
				fmt.Sprintf("missing closing %s marker", closeTag), nil)
		}
		if hasClose {
			closed = true
		}
	}
	if !closed {
		return domain.NewFailure(domain.FailureContentValidation,
			"no structural plan markers found", nil)
	}
	return nil
}

var numberedStepRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+`)

func countPlanSteps(text string) int {
	if n := strings.Count(text, "<step>"); n > 0 {
		return n
	}
	return len(numberedStepRe.FindAllString(text, -1))
}
