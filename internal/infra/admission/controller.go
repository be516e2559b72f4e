// Package admission is the in-memory concurrency gatekeeper for active
// provider requests. It owns the three ceiling counters (global, per-session,
// per-task-type), the cancellation handles of dispatched requests, and the
// in-flight accumulators of streaming jobs.
package admission

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"planforge/internal/domain/ports/repository"
	"planforge/internal/infra/metrics"
)

// Limits are the runtime-mutable admission ceilings. PerTaskType falls back
// to PerTaskDefault for types not listed.
type Limits struct {
	Global         int
	PerSession     int
	PerTaskDefault int
	PerTaskType    map[string]int
}

func (l Limits) forType(requestType string) int {
	if n, ok := l.PerTaskType[requestType]; ok {
		return n
	}
	return l.PerTaskDefault
}

// ActiveRequest is the ephemeral record of one admitted request. It is never
// persisted; a process restart forgets all of them.
type ActiveRequest struct {
	ID           string
	SessionID    string
	RequestType  string
	CreatedAt    time.Time
	CancelReason string

	cancel context.CancelCauseFunc
}

// StreamSnapshot is the final state of a streaming accumulator, returned by
// CleanupStreamingJob for the caller to use during job finalization.
type StreamSnapshot struct {
	JobID               string
	AccumulatedResponse string
	TotalTokens         int
}

type streamLink struct {
	jobID         string
	accumulated   strings.Builder
	totalTokens   int
	currentLength int
	lastChunk     time.Time
}

// Stats is a read-only snapshot of the controller state.
type Stats struct {
	ActiveGlobal    int            `json:"activeGlobal"`
	ActiveBySession map[string]int `json:"activeBySession"`
	ActiveByType    map[string]int `json:"activeByType"`
	Limits          Limits         `json:"limits"`
}

// CancelError is the cancellation cause attached to a request's context.
type CancelError struct{ Reason string }

func (e *CancelError) Error() string { return "request canceled: " + e.Reason }

// Unwrap lets errors.Is treat an explicit cancellation like any other
// context cancellation.
func (e *CancelError) Unwrap() error { return context.Canceled }

// Controller holds the only shared mutable state of the subsystem. Every
// mutation runs under mu; there is no internal queue or backoff. Callers
// poll HasCapacity and hold work themselves.
type Controller struct {
	mu        sync.Mutex
	limits    Limits
	active    map[string]*ActiveRequest
	bySession map[string]int
	byType    map[string]int
	streams   map[string]*streamLink

	store repository.JobStore
	log   *zerolog.Logger
}

func NewController(limits Limits, store repository.JobStore, logger *zerolog.Logger) *Controller {
	l := logger.With().Str("component", "AdmissionController").Logger()
	if limits.Global <= 0 {
		limits.Global = 10
	}
	if limits.PerSession <= 0 {
		limits.PerSession = 4
	}
	if limits.PerTaskDefault <= 0 {
		limits.PerTaskDefault = 3
	}
	return &Controller{
		limits:    limits,
		active:    map[string]*ActiveRequest{},
		bySession: map[string]int{},
		byType:    map[string]int{},
		streams:   map[string]*streamLink{},
		store:     store,
		log:       &l,
	}
}

// HasCapacity reports whether a request of this session and type would pass
// all three ceilings right now. Pure read, no side effect.
func (c *Controller) HasCapacity(sessionID, requestType string) bool {
	ok, _ := c.CapacityCheck(sessionID, requestType)
	return ok
}

// CapacityCheck is HasCapacity plus the name of the first ceiling that
// blocks ("global", "session" or "type"), for logging and metrics.
func (c *Controller) CapacityCheck(sessionID, requestType string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.active) >= c.limits.Global {
		return false, "global"
	}
	if c.bySession[sessionID] >= c.limits.PerSession {
		return false, "session"
	}
	if c.byType[requestType] >= c.limits.forType(requestType) {
		return false, "type"
	}
	return true, ""
}

// Track registers an active request and returns a context derived from ctx
// carrying the request's cancellation handle. The caller must pair it with
// Untrack on every exit path; Do does that pairing for you.
func (c *Controller) Track(ctx context.Context, id, sessionID, requestType string) context.Context {
	reqCtx, cancel := context.WithCancelCause(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[id] = &ActiveRequest{
		ID:          id,
		SessionID:   sessionID,
		RequestType: requestType,
		CreatedAt:   time.Now(),
		cancel:      cancel,
	}
	c.bySession[sessionID]++
	c.byType[requestType]++
	metrics.SetAdmissionActive(requestType, c.byType[requestType])
	c.log.Debug().Str("request_id", id).Str("session_id", sessionID).
		Str("type", requestType).Int("active_global", len(c.active)).Msg("request tracked")
	return reqCtx
}

// Untrack removes the request and decrements the counters. Unknown ids are a
// no-op; counters clamp at zero.
func (c *Controller) Untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.untrackLocked(id)
}

func (c *Controller) untrackLocked(id string) {
	req, ok := c.active[id]
	if !ok {
		return
	}
	delete(c.active, id)
	if n := c.bySession[req.SessionID] - 1; n > 0 {
		c.bySession[req.SessionID] = n
	} else {
		delete(c.bySession, req.SessionID)
	}
	if n := c.byType[req.RequestType] - 1; n > 0 {
		c.byType[req.RequestType] = n
	} else {
		delete(c.byType, req.RequestType)
	}
	metrics.SetAdmissionActive(req.RequestType, c.byType[req.RequestType])
}

// Do runs fn under a tracked, cancellable context: the scoped form of
// Track/Untrack with the release guaranteed on every exit path, including
// error, panic and cancellation.
func (c *Controller) Do(ctx context.Context, id, sessionID, requestType string, fn func(ctx context.Context) error) error {
	reqCtx := c.Track(ctx, id, sessionID, requestType)
	defer c.Untrack(id)
	return fn(reqCtx)
}

// CancelRequest fires the request's cancellation handle and removes it.
// Returns whether an active request existed; unknown ids change nothing.
func (c *Controller) CancelRequest(id, reason string) bool {
	c.mu.Lock()
	req, ok := c.active[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	req.CancelReason = reason
	req.cancel(&CancelError{Reason: reason})
	c.untrackLocked(id)
	c.mu.Unlock()

	metrics.AddCancellations("request", 1)
	c.log.Info().Str("request_id", id).Str("reason", reason).Msg("request canceled")
	return true
}

// CancelJob cancels the active request streaming into jobID, if any. A job
// whose request holds no streaming link (or that never got dispatched) is
// not known here; the caller cancels those in the job store.
func (c *Controller) CancelJob(jobID, reason string) bool {
	c.mu.Lock()
	var target string
	for reqID, link := range c.streams {
		if link.jobID == jobID {
			target = reqID
			break
		}
	}
	c.mu.Unlock()
	if target == "" {
		return false
	}
	return c.CancelRequest(target, reason)
}

// CancelSessionRequests cancels exactly the active requests tagged with
// sessionID and returns how many were canceled. Other sessions are untouched.
// Queued-but-undispatched jobs are not known here; the caller marks those
// canceled in the job store.
func (c *Controller) CancelSessionRequests(sessionID, reason string) int {
	c.mu.Lock()
	var ids []string
	for id, req := range c.active {
		if req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		req := c.active[id]
		req.CancelReason = reason
		req.cancel(&CancelError{Reason: reason})
		c.untrackLocked(id)
	}
	c.mu.Unlock()

	if len(ids) > 0 {
		metrics.AddCancellations("session", len(ids))
		c.log.Info().Str("session_id", sessionID).Int("count", len(ids)).
			Str("reason", reason).Msg("session requests canceled")
	}
	return len(ids)
}

// CancelAll cancels every active request and returns the count.
func (c *Controller) CancelAll(reason string) int {
	c.mu.Lock()
	n := len(c.active)
	for id, req := range c.active {
		req.CancelReason = reason
		req.cancel(&CancelError{Reason: reason})
		delete(c.active, id)
	}
	c.bySession = map[string]int{}
	for t := range c.byType {
		metrics.SetAdmissionActive(t, 0)
	}
	c.byType = map[string]int{}
	c.mu.Unlock()

	if n > 0 {
		metrics.AddCancellations("all", n)
		c.log.Warn().Int("count", n).Str("reason", reason).Msg("all requests canceled")
	}
	return n
}

// RegisterStreamingJob links an ephemeral request id to a durable job so
// stream chunks can be accumulated and persisted. Overwriting an existing
// link for the same request id is suspicious but tolerated.
func (c *Controller) RegisterStreamingJob(requestID, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.streams[requestID]; ok {
		c.log.Warn().Str("request_id", requestID).Str("old_job_id", old.jobID).
			Str("new_job_id", jobID).Msg("overwriting existing streaming link")
	}
	c.streams[requestID] = &streamLink{jobID: jobID}
}

// HandleStreamChunk appends chunk to the in-memory accumulator and forwards
// a durable append to the job store. Returns false, with no error, when no
// link exists: the job was finalized elsewhere and the chunk is dropped.
func (c *Controller) HandleStreamChunk(ctx context.Context, requestID, chunk string, tokenEstimate int) bool {
	c.mu.Lock()
	link, ok := c.streams[requestID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	link.accumulated.WriteString(chunk)
	link.totalTokens += tokenEstimate
	link.currentLength += len(chunk)
	link.lastChunk = time.Now()
	jobID, newLength := link.jobID, link.currentLength
	c.mu.Unlock()

	// Forwarded outside the lock: appends for one job stay ordered because
	// each job has a single producing processor.
	if err := c.store.AppendToResponse(ctx, jobID, chunk, tokenEstimate, newLength); err != nil {
		c.log.Error().Err(err).Str("job_id", jobID).Msg("failed to persist stream chunk")
	}
	return true
}

// CleanupStreamingJob removes the link and returns its final snapshot, or
// nil when no link exists.
func (c *Controller) CleanupStreamingJob(requestID string) *StreamSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	link, ok := c.streams[requestID]
	if !ok {
		return nil
	}
	delete(c.streams, requestID)
	return &StreamSnapshot{
		JobID:               link.jobID,
		AccumulatedResponse: link.accumulated.String(),
		TotalTokens:         link.totalTokens,
	}
}

// Stats returns a copy of the counters and limits. Never blocks on anything
// but the state mutex, never mutates.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		ActiveGlobal:    len(c.active),
		ActiveBySession: make(map[string]int, len(c.bySession)),
		ActiveByType:    make(map[string]int, len(c.byType)),
		Limits:          c.limits,
	}
	for k, v := range c.bySession {
		s.ActiveBySession[k] = v
	}
	for k, v := range c.byType {
		s.ActiveByType[k] = v
	}
	if c.limits.PerTaskType != nil {
		s.Limits.PerTaskType = make(map[string]int, len(c.limits.PerTaskType))
		for k, v := range c.limits.PerTaskType {
			s.Limits.PerTaskType[k] = v
		}
	}
	return s
}

// UpdateLimits overrides ceilings at runtime. Only positive values are
// accepted; zero or negative arguments leave the current value in place.
func (c *Controller) UpdateLimits(global, perSession int, perType map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if global > 0 {
		c.limits.Global = global
	}
	if perSession > 0 {
		c.limits.PerSession = perSession
	}
	for t, n := range perType {
		if n <= 0 {
			continue
		}
		if c.limits.PerTaskType == nil {
			c.limits.PerTaskType = map[string]int{}
		}
		c.limits.PerTaskType[t] = n
	}
	c.log.Info().Int("global", c.limits.Global).Int("per_session", c.limits.PerSession).
		Msg("admission limits updated")
}

// NewRequestID builds an ephemeral request id. Request ids are never
// persisted, so uniqueness within the process lifetime is all that matters.
func NewRequestID() string {
	return "req-" + uuid.NewString()
}
