package worker

import (
	"context"
	"regexp"
	"strings"
)

// TaskEnhancementProcessor rewrites a rough task description into a precise,
// actionable one. The model answers in tagged form; when it drifts from that
// form the raw text is still usable, so parse failures degrade instead of
// failing the job.
type TaskEnhancementProcessor struct {
	runner *LLMRunner
}

func NewTaskEnhancementProcessor(runner *LLMRunner) *TaskEnhancementProcessor {
	return &TaskEnhancementProcessor{runner: runner}
}

func (p *TaskEnhancementProcessor) Type() string { return TaskTaskEnhancement }

const taskEnhancementSystemPrompt = "You refine software development task descriptions: clarify " +
	"vague terms, add missing technical detail and keep the original scope. Answer inside " +
	"<task_enhancement> with <enhanced_task>the full enhanced description</enhanced_task>, an " +
	"optional <analysis>, any number of <consideration> tags for edge cases and any number of " +
	"<criterion> tags for acceptance criteria."

func (p *TaskEnhancementProcessor) Process(ctx context.Context, pl Payload) Result {
	if strings.TrimSpace(pl.Prompt) == "" {
		return validationFailure("task description is empty")
	}
	if pl.SystemPrompt == "" {
		pl.SystemPrompt = taskEnhancementSystemPrompt
	}
	if pl.DirectoryTree != "" {
		pl.Prompt = "Task to enhance:\n" + pl.Prompt + "\n\nProject context:\n" + pl.DirectoryTree
	}

	resp, err := p.runner.Run(ctx, pl, false)
	if err != nil {
		return llmFailure("task enhancement", err)
	}

	enhanced, data := parseEnhancement(resp.Text)
	if err := p.runner.PersistResponse(ctx, pl.JobID, enhanced, resp.Usage.CompletionTokens); err != nil {
		return failureResult("persisting enhanced task failed", err)
	}
	data["enhanced_chars"] = len(enhanced)
	return usageInto(successResult("task description enhanced", data), resp)
}

var (
	enhancedTaskRe  = regexp.MustCompile(`(?s)<enhanced_task>(.*?)</enhanced_task>`)
	analysisRe      = regexp.MustCompile(`(?s)<analysis>(.*?)</analysis>`)
	considerationRe = regexp.MustCompile(`(?s)<consideration>(.*?)</consideration>`)
	criterionRe     = regexp.MustCompile(`(?s)<criterion>(.*?)</criterion>`)
)

// parseEnhancement pulls the enhanced description and the analysis extras out
// of the tagged response. Without an <enhanced_task> tag the whole response,
// stripped of code fences, stands in for it.
func parseEnhancement(text string) (string, map[string]any) {
	data := map[string]any{}

	enhanced := stripCodeFences(text)
	if m := enhancedTaskRe.FindStringSubmatch(text); m != nil {
		enhanced = strings.TrimSpace(m[1])
	}

	if m := analysisRe.FindStringSubmatch(text); m != nil {
		data["analysis"] = strings.TrimSpace(m[1])
	}
	if items := collectTagged(considerationRe, text); len(items) > 0 {
		data["considerations"] = items
	}
	if items := collectTagged(criterionRe, text); len(items) > 0 {
		data["acceptance_criteria"] = items
	}
	return enhanced, data
}

func collectTagged(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if v := strings.TrimSpace(m[1]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// stripCodeFences drops markdown fence lines so a fenced answer does not
// carry the ``` markers into the stored response.
func stripCodeFences(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
