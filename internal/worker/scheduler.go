package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"planforge/internal/config"
	"planforge/internal/domain"
	"planforge/internal/domain/model"
	"planforge/internal/domain/ports/repository"
	"planforge/internal/infra/admission"
	"planforge/internal/infra/metrics"
)

// finalizeTimeout bounds the store write that records a terminal status.
// Finalization runs on its own context: the job's deadline being the very
// reason for finalizing must not also abort the write.
const finalizeTimeout = 10 * time.Second

// Scheduler polls the job store for startable jobs and dispatches them to the
// worker pool, one dispatch per job. It claims a job by moving it to
// preparing; losing that transition race to a peer means another dispatcher
// already owns the row and the job is skipped.
type Scheduler struct {
	cfg      config.SchedulerConfig
	store    repository.JobStore
	adm      *admission.Controller
	registry *Registry
	pool     *Pool
	log      *zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(cfg config.SchedulerConfig, store repository.JobStore, adm *admission.Controller,
	registry *Registry, pool *Pool, logger *zerolog.Logger) *Scheduler {
	l := logger.With().Str("component", "Scheduler").Logger()
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		adm:      adm,
		registry: registry,
		pool:     pool,
		log:      &l,
	}
}

// Start begins polling. Calling Start on a running scheduler is a no-op.
// Before the first tick it fails jobs stranded in preparing/running by a
// previous process: their request handles died with that process.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	done := s.done
	s.mu.Unlock()

	if n, err := s.store.ReconcileStaleRunning(ctx, s.cfg.StaleThreshold); err != nil {
		s.log.Error().Err(err).Msg("stale job reconciliation failed")
	} else if n > 0 {
		s.log.Warn().Int("count", n).Msg("reconciled stale jobs from a previous run")
	}

	s.log.Info().Dur("poll_interval", s.cfg.PollInterval).Dur("job_timeout", s.cfg.JobTimeout).
		Msg("scheduler started")
	go s.run(loopCtx, done)
}

// Stop halts polling and waits for the poll loop to exit. In-flight jobs keep
// running on the pool; callers drain those with pool.Stop afterwards.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.log.Info().Msg("scheduler stopped")
}

// Running reports whether the poll loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches one batch. Jobs blocked by an admission ceiling stay in the
// store untouched and are picked up again on a later tick.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.store.ListStartable(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("listing startable jobs failed")
		return
	}

	for _, job := range jobs {
		proc, err := s.registry.Resolve(job.TaskType)
		if err != nil {
			// Not transient: no amount of retrying conjures a processor.
			s.finalize(job, failureResult(
				fmt.Sprintf("no processor registered for task type %q", job.TaskType),
				domain.NewFailure(domain.FailureValidation, "unknown task type", err)), time.Now())
			continue
		}

		if ok, limit := s.adm.CapacityCheck(job.SessionID, job.TaskType); !ok {
			metrics.IncCapacityRejection(limit)
			s.log.Debug().Str("job_id", job.ID).Str("limit", limit).Msg("held back by admission ceiling")
			continue
		}

		if err := s.store.UpdateStatus(ctx, nil, repository.StatusUpdate{
			ID:            job.ID,
			Status:        model.JobStatusPreparing,
			StatusMessage: "claimed for dispatch",
		}); err != nil {
			if !errors.Is(err, domain.ErrInvalidArgument) {
				s.log.Error().Err(err).Str("job_id", job.ID).Msg("claim failed")
			}
			continue
		}

		// Reserve the admission slot here, not in the worker goroutine:
		// this loop is the only admitter, so check-then-track from it
		// cannot overshoot a ceiling.
		reqID := admission.NewRequestID()
		reqCtx := s.adm.Track(context.Background(), reqID, job.SessionID, job.TaskType)

		job := job
		if err := s.pool.SubmitWait(ctx, func(context.Context) error {
			s.runJob(reqCtx, reqID, proc, job)
			return nil
		}); err != nil {
			// Shutdown between claim and hand-off. The row stays in
			// preparing and the next start reconciles it.
			s.adm.Untrack(reqID)
			s.log.Warn().Err(err).Str("job_id", job.ID).Msg("dispatch abandoned")
			return
		}
	}
}

// runJob executes one claimed job under the wall-clock timeout and finalizes
// it from the processor's result. The timeout is enforced here even when a
// processor ignores its context; the straggling goroutine's late finalize
// then lands on a terminal row and is ignored by the store. The admission
// slot is released on every exit, timeout included, exactly as if the
// processor had reported the failure itself.
func (s *Scheduler) runJob(reqCtx context.Context, reqID string, proc Processor, job *model.Job) {
	defer s.adm.Untrack(reqID)
	ctx, cancel := context.WithTimeout(reqCtx, s.cfg.JobTimeout)
	defer cancel()
	start := time.Now()

	payload := PayloadFromJob(job)
	payload.RequestID = reqID

	resCh := make(chan Result, 1)
	go func() {
		resCh <- s.invoke(ctx, proc, payload)
	}()

	select {
	case res := <-resCh:
		if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.IncJobTimeout(job.TaskType)
			res = timeoutResult(job, s.cfg.JobTimeout)
		}
		s.finalize(job, res, start)
	case <-ctx.Done():
		if cause := context.Cause(ctx); !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Canceled through the admission controller, not timed out.
			s.finalize(job, failureResult("canceled: "+cause.Error(),
				domain.NewFailure(domain.FailureCanceled, cause.Error(), cause)), start)
			return
		}
		metrics.IncJobTimeout(job.TaskType)
		s.finalize(job, timeoutResult(job, s.cfg.JobTimeout), start)
	}
}

func timeoutResult(job *model.Job, limit time.Duration) Result {
	return Result{
		Success: false,
		Message: fmt.Sprintf("timed out after %s", limit),
		Err: domain.NewFailure(domain.FailureTimeout,
			fmt.Sprintf("job %s exceeded the %s wall-clock limit", job.ID, limit), context.DeadlineExceeded),
		ShouldRetry: true,
	}
}

// invoke shields the scheduler from panicking processors.
func (s *Scheduler) invoke(ctx context.Context, proc Processor, p Payload) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("job_id", p.JobID).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("processor panicked")
			res = failureResult("internal error while processing job",
				domain.NewFailure(domain.FailureInternal, fmt.Sprintf("panic: %v", r), nil))
		}
	}()
	return proc.Process(ctx, p)
}

// finalize writes the terminal status derived from res. Writing a terminal
// status over an already-terminal row is a no-op in the store, which makes a
// duplicate finalize (timeout racing a slow processor) harmless.
func (s *Scheduler) finalize(job *model.Job, res Result, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	status := model.JobStatusFailed
	switch {
	case res.Success:
		status = model.JobStatusCompleted
	case domain.Classify(res.Err) == domain.FailureCanceled:
		status = model.JobStatusCanceled
	}

	meta := make(map[string]any, len(res.Data)+2)
	for k, v := range res.Data {
		meta[k] = v
	}
	if !res.Success {
		meta["should_retry"] = res.ShouldRetry
		if res.Err != nil {
			meta["failure_kind"] = domain.Classify(res.Err).String()
		}
	}

	if err := s.store.UpdateStatus(ctx, nil, repository.StatusUpdate{
		ID:             job.ID,
		Status:         status,
		StatusMessage:  res.Message,
		Metadata:       meta,
		ModelUsed:      res.ModelUsed,
		TokensSent:     res.TokensSent,
		TokensReceived: res.TokensReceived,
	}); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Str("status", string(status)).
			Msg("finalize write failed")
		return
	}

	elapsed := time.Since(start)
	metrics.IncJobProcessed(job.TaskType, string(status))
	metrics.ObserveJobDuration(job.TaskType, elapsed.Seconds())

	evt := s.log.Info()
	if !res.Success {
		evt = s.log.Warn().Err(res.Err)
	}
	evt.Str("job_id", job.ID).Str("task_type", job.TaskType).Str("status", string(status)).
		Dur("elapsed", elapsed).Msg("job finalized")
}
