// Package worker is the job execution core: the polling scheduler, the
// processor registry, and the task-specific processors that call model
// providers through the admission controller.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"planforge/internal/domain"
	"planforge/internal/domain/model"
)

// Payload is the common input handed to a processor, assembled from the
// durable job record plus its metadata bag.
type Payload struct {
	JobID     string
	SessionID string
	TaskType  string
	APIType   string
	// RequestID is set when the dispatcher already reserved an admission
	// slot for this job; empty means the runner acquires its own.
	RequestID        string
	ProjectDirectory string
	Prompt           string
	SystemPrompt     string
	Model            string
	Temperature      float32
	MaxOutputTokens  int
	DirectoryTree    string
	RelevantFiles    []string
	UnverifiedPaths  []string
}

// PayloadFromJob projects a job row into a processor payload. Task-specific
// extras travel in the metadata bag.
func PayloadFromJob(job *model.Job) Payload {
	p := Payload{
		JobID:            job.ID,
		SessionID:        job.SessionID,
		TaskType:         job.TaskType,
		APIType:          job.APIType,
		Prompt:           job.PromptText,
		Model:            job.ModelUsed,
		MaxOutputTokens:  job.MaxOutputTokens,
		ProjectDirectory: job.MetaString("project_directory"),
		SystemPrompt:     job.MetaString("system_prompt"),
		DirectoryTree:    job.MetaString("directory_tree"),
		RelevantFiles:    job.MetaStrings("relevant_files"),
		UnverifiedPaths:  job.MetaStrings("unverified_paths"),
	}
	if v, ok := job.Metadata["temperature"].(float64); ok {
		p.Temperature = float32(v)
	}
	return p
}

// Result is the uniform outcome of one processor run. ShouldRetry is a
// recommendation only; a processor never resubmits itself.
type Result struct {
	Success        bool
	Message        string
	Data           map[string]any
	Err            error
	ShouldRetry    bool
	ModelUsed      string
	TokensSent     int
	TokensReceived int
}

func successResult(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// failureResult derives the retry recommendation from the error taxonomy.
func failureResult(message string, err error) Result {
	return Result{
		Success:     false,
		Message:     message,
		Err:         err,
		ShouldRetry: domain.Classify(err).Retryable(),
	}
}

// Processor performs the external work for one task type: exactly one
// logical unit of work per call. Cancellation and the job timeout arrive
// through ctx.
type Processor interface {
	Type() string
	Process(ctx context.Context, p Payload) Result
}

// Registry maps task-type tags to processors. Adding a task type means
// adding a registry entry, never touching the scheduler.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

func NewRegistry(procs ...Processor) *Registry {
	r := &Registry{procs: map[string]Processor{}}
	for _, p := range procs {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Type()] = p
}

func (r *Registry) Resolve(taskType string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrNoProcessor, taskType)
	}
	return p, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.procs))
	for t := range r.procs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
