package worker

// Shared in-memory fakes for the package tests. The store fake enforces the
// same transition rules as the real one so scheduler tests exercise claim
// races and terminal no-ops faithfully.

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"planforge/internal/domain"
	"planforge/internal/domain/model"
	"planforge/internal/domain/ports/adapter"
	"planforge/internal/domain/ports/repository"
	"planforge/internal/infra/admission"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

var _ repository.JobStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*model.Job{}}
}

func (s *fakeStore) add(job *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *fakeStore) get(id string) model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeStore) CreateJob(ctx context.Context, tx repository.Tx, job *model.Job) error {
	s.add(job)
	return nil
}

func (s *fakeStore) GetJob(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, tx repository.Tx, upd repository.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[upd.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.IsTerminal() {
		if job.Metadata == nil {
			job.Metadata = map[string]any{}
		}
		for k, v := range upd.Metadata {
			job.Metadata[k] = v
		}
		return nil
	}
	if !job.Status.CanTransition(upd.Status) {
		return fmt.Errorf("%w: job %s cannot transition %s to %s",
			domain.ErrInvalidArgument, upd.ID, job.Status, upd.Status)
	}
	now := time.Now()
	job.Status = upd.Status
	if upd.StatusMessage != "" {
		job.StatusMessage = upd.StatusMessage
	}
	if upd.ModelUsed != "" {
		job.ModelUsed = upd.ModelUsed
	}
	if upd.TokensSent > job.TokensSent {
		job.TokensSent = upd.TokensSent
	}
	if upd.TokensReceived > job.TokensReceived {
		job.TokensReceived = upd.TokensReceived
	}
	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}
	for k, v := range upd.Metadata {
		job.Metadata[k] = v
	}
	if upd.Status == model.JobStatusRunning && job.StartTime == nil {
		job.StartTime = &now
	}
	if upd.Status.IsTerminal() && job.EndTime == nil {
		job.EndTime = &now
	}
	job.LastUpdate = now
	return nil
}

func (s *fakeStore) AppendToResponse(ctx context.Context, id, chunk string, tokenDelta, newLength int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.ResponseText += chunk
	job.TokensReceived += tokenDelta
	if newLength > job.CharsReceived {
		job.CharsReceived = newLength
	}
	job.LastUpdate = time.Now()
	return nil
}

func (s *fakeStore) SetCleared(ctx context.Context, id string, cleared bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.Cleared = cleared
	return nil
}

func (s *fakeStore) ListStartable(ctx context.Context, limit int) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for _, job := range s.jobs {
		if job.Status.Startable() && !job.Cleared {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) CancelQueued(ctx context.Context, sessionID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.SessionID == sessionID && job.Status.Startable() {
			job.Status = model.JobStatusCanceled
			job.StatusMessage = reason
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ReconcileStaleRunning(ctx context.Context, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	n := 0
	for _, job := range s.jobs {
		if (job.Status == model.JobStatusRunning || job.Status == model.JobStatusPreparing) &&
			job.LastUpdate.Before(cutoff) {
			job.Status = model.JobStatusFailed
			job.StatusMessage = "interrupted: no progress for longer than the stale threshold"
			n++
		}
	}
	return n, nil
}

// fakeClient is a scripted model client. With chunks set it streams them in
// order; with gate set it blocks on the gate (or ctx) before responding.
type fakeClient struct {
	provider string
	text     string
	chunks   []string
	err      error
	gate     chan struct{}
}

var _ adapter.ModelClient = (*fakeClient)(nil)

func (f *fakeClient) Provider() string {
	if f.provider == "" {
		return "fake"
	}
	return f.provider
}

func (f *fakeClient) wait(ctx context.Context) error {
	if f.gate == nil {
		return nil
	}
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return domain.AsFailure(context.Cause(ctx))
	}
}

func (f *fakeClient) Send(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &adapter.Response{
		Text:  f.text,
		Model: "fake-model",
		Usage: adapter.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
	}, nil
}

func (f *fakeClient) SendStreaming(ctx context.Context, req adapter.Request, onChunk adapter.ChunkFunc) (*adapter.Response, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	var full strings.Builder
	tokens := 0
	for _, c := range f.chunks {
		if err := ctx.Err(); err != nil {
			return nil, domain.AsFailure(context.Cause(ctx))
		}
		full.WriteString(c)
		tokens += 2
		if onChunk != nil {
			onChunk(c, 2)
		}
	}
	text := full.String()
	if text == "" {
		text = f.text
	}
	return &adapter.Response{
		Text:  text,
		Model: "fake-model",
		Usage: adapter.Usage{PromptTokens: 3, CompletionTokens: tokens, TotalTokens: 3 + tokens},
	}, nil
}

func (f *fakeClient) CountTokens(ctx context.Context, model, text string) (int, error) {
	return len(text) / 4, nil
}

type staticResolver struct{ client adapter.ModelClient }

func (r staticResolver) ClientFor(string) (adapter.ModelClient, error) { return r.client, nil }

type fakeLimiter struct{ allow bool }

func (l fakeLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return l.allow, nil
}

type harness struct {
	store  *fakeStore
	adm    *admission.Controller
	runner *LLMRunner
}

func newHarness(client adapter.ModelClient, limits admission.Limits) *harness {
	log := zerolog.Nop()
	store := newFakeStore()
	adm := admission.NewController(limits, store, &log)
	runner := NewLLMRunner(store, adm, staticResolver{client: client}, nil, 0, &log)
	return &harness{store: store, adm: adm, runner: runner}
}

// queuedJob adds a queued job ready for dispatch and returns it.
func (h *harness) queuedJob(taskType, prompt string, meta map[string]any) *model.Job {
	job := model.NewJob("sess-1", taskType, "fake", prompt)
	for k, v := range meta {
		job.Metadata[k] = v
	}
	h.store.add(job)
	return job
}

// jobForPayload builds a queued job row matching a hand-made payload, for
// tests that call a processor directly.
func jobForPayload(p Payload) *model.Job {
	job := model.NewJob(p.SessionID, p.TaskType, p.APIType, p.Prompt)
	job.ID = p.JobID
	return job
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
