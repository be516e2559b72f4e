package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"planforge/internal/config"
	"planforge/internal/domain/model"
	"planforge/internal/infra/admission"
)

func testSchedCfg() config.SchedulerConfig {
	return config.SchedulerConfig{
		PollInterval:   10 * time.Millisecond,
		JobTimeout:     time.Second,
		StaleThreshold: time.Minute,
		BatchSize:      8,
	}
}

func startScheduler(t *testing.T, h *harness, cfg config.SchedulerConfig, procs ...Processor) *Scheduler {
	t.Helper()
	log := zerolog.Nop()
	pool := NewPool(4, &log)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	sched := NewScheduler(cfg, h.store, h.adm, NewRegistry(procs...), pool, &log)
	sched.Start(context.Background())
	t.Cleanup(func() {
		sched.Stop()
		cancel()
		pool.Stop()
	})
	return sched
}

func TestSchedulerRunsJobToCompletion(t *testing.T) {
	client := &fakeClient{chunks: []string{"hello ", "world"}}
	h := newHarness(client, admission.Limits{})
	job := h.queuedJob(TaskLLMStream, "say hello", nil)

	startScheduler(t, h, testSchedCfg(), NewStreamProcessor(h.runner))

	waitFor(t, 2*time.Second, "job completion", func() bool {
		return h.store.get(job.ID).Status == model.JobStatusCompleted
	})

	got := h.store.get(job.ID)
	if got.ResponseText != "hello world" {
		t.Errorf("ResponseText = %q, want %q", got.ResponseText, "hello world")
	}
	if got.ModelUsed != "fake-model" {
		t.Errorf("ModelUsed = %q, want fake-model", got.ModelUsed)
	}
	if got.TokensReceived == 0 {
		t.Error("TokensReceived not recorded")
	}
	if got.StartTime == nil || got.EndTime == nil {
		t.Error("start/end timestamps not stamped")
	}
}

func TestSchedulerTimeoutFailsJobAndReleasesSlot(t *testing.T) {
	// The client never responds; the wall-clock ceiling has to fire.
	client := &fakeClient{gate: make(chan struct{})}
	h := newHarness(client, admission.Limits{})
	job := h.queuedJob(TaskLLMStream, "hang forever", nil)

	cfg := testSchedCfg()
	cfg.JobTimeout = 50 * time.Millisecond
	startScheduler(t, h, cfg, NewStreamProcessor(h.runner))

	waitFor(t, 2*time.Second, "timeout finalization", func() bool {
		return h.store.get(job.ID).Status == model.JobStatusFailed
	})

	got := h.store.get(job.ID)
	if !strings.Contains(got.StatusMessage, "timed out") {
		t.Errorf("StatusMessage = %q, want a timeout message", got.StatusMessage)
	}
	if retry, _ := got.Metadata["should_retry"].(bool); !retry {
		t.Error("timeout should be recorded as retryable")
	}

	// The admission slot must drain once cancellation reaches the client.
	waitFor(t, 2*time.Second, "admission slot release", func() bool {
		return h.adm.Stats().ActiveGlobal == 0
	})
}

func TestSchedulerHoldsJobsOverCapacity(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeClient{gate: gate, chunks: []string{"ok"}}
	h := newHarness(client, admission.Limits{Global: 1})

	first := model.NewJob("sess-a", TaskLLMStream, "fake", "one")
	second := model.NewJob("sess-b", TaskLLMStream, "fake", "two")
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
	h.store.add(first)
	h.store.add(second)

	startScheduler(t, h, testSchedCfg(), NewStreamProcessor(h.runner))

	waitFor(t, 2*time.Second, "first job admitted", func() bool {
		return h.adm.Stats().ActiveGlobal == 1
	})

	// Give the poll loop a few ticks: the second job must stay startable,
	// not get claimed past the ceiling.
	time.Sleep(50 * time.Millisecond)
	if st := h.store.get(second.ID).Status; st != model.JobStatusQueued {
		t.Fatalf("second job status = %s, want queued while ceiling is full", st)
	}

	close(gate)
	waitFor(t, 2*time.Second, "both jobs completed", func() bool {
		return h.store.get(first.ID).Status == model.JobStatusCompleted &&
			h.store.get(second.ID).Status == model.JobStatusCompleted
	})
}

func TestSchedulerFailsUnknownTaskType(t *testing.T) {
	h := newHarness(&fakeClient{}, admission.Limits{})
	job := h.queuedJob("no_such_task", "prompt", nil)

	startScheduler(t, h, testSchedCfg()) // empty registry

	waitFor(t, 2*time.Second, "unknown-type finalization", func() bool {
		return h.store.get(job.ID).Status == model.JobStatusFailed
	})

	got := h.store.get(job.ID)
	if !strings.Contains(got.StatusMessage, "no processor registered") {
		t.Errorf("StatusMessage = %q", got.StatusMessage)
	}
	if retry, _ := got.Metadata["should_retry"].(bool); retry {
		t.Error("a missing processor must not be retryable")
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	log := zerolog.Nop()
	h := newHarness(&fakeClient{}, admission.Limits{})
	pool := NewPool(1, &log)
	pool.Start(context.Background())
	defer pool.Stop()

	sched := NewScheduler(testSchedCfg(), h.store, h.adm, NewRegistry(), pool, &log)
	sched.Start(context.Background())
	sched.Start(context.Background())
	if !sched.Running() {
		t.Fatal("scheduler not running after Start")
	}
	sched.Stop()
	sched.Stop()
	if sched.Running() {
		t.Fatal("scheduler still running after Stop")
	}
}

func TestSchedulerReconcilesStaleJobsOnStart(t *testing.T) {
	h := newHarness(&fakeClient{}, admission.Limits{})
	stale := model.NewJob("sess-1", TaskLLMStream, "fake", "left behind")
	stale.Status = model.JobStatusRunning
	stale.LastUpdate = time.Now().Add(-time.Hour)
	h.store.add(stale)

	startScheduler(t, h, testSchedCfg(), NewStreamProcessor(h.runner))

	waitFor(t, 2*time.Second, "stale job reconciled", func() bool {
		return h.store.get(stale.ID).Status == model.JobStatusFailed
	})
}

func TestSchedulerSurvivesPanickingProcessor(t *testing.T) {
	h := newHarness(&fakeClient{}, admission.Limits{})
	job := h.queuedJob("boom", "prompt", nil)

	startScheduler(t, h, testSchedCfg(), panicProcessor{})

	waitFor(t, 2*time.Second, "panic finalization", func() bool {
		return h.store.get(job.ID).Status == model.JobStatusFailed
	})
	got := h.store.get(job.ID)
	if !strings.Contains(got.StatusMessage, "internal error") {
		t.Errorf("StatusMessage = %q", got.StatusMessage)
	}
}

type panicProcessor struct{}

func (panicProcessor) Type() string { return "boom" }

func (panicProcessor) Process(context.Context, Payload) Result { panic("kaboom") }
