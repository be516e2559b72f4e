package repository

import (
	"context"
	"time"

	"planforge/internal/domain/model"
)

// StatusUpdate carries a status change for one job. Metadata, when present,
// is merged into the job's metadata bag (augmentation, not replacement).
type StatusUpdate struct {
	ID             string
	Status         model.JobStatus
	StatusMessage  string
	Metadata       map[string]any
	ModelUsed      string
	TokensSent     int
	TokensReceived int
}

// JobStore is the durable record of jobs and their streamed output.
//
// Guarantees required from implementations:
//   - non-append fields are last-write-wins;
//   - AppendToResponse calls for a single job are applied in emission order
//     (a single writer per job at any time) and never lost or reordered;
//   - UpdateStatus to a terminal status is deterministic: a later GetJob
//     returns the terminal state;
//   - finalizing an already-terminal job is a no-op, not an error, except
//     that metadata in the update is still merged (augmentation stays legal
//     after finalization);
//   - a status transition the model's graph forbids, including repeating the
//     current status, fails with ErrInvalidArgument so racing claimants can
//     detect a lost claim.
type JobStore interface {
	CreateJob(ctx context.Context, tx Tx, job *model.Job) error
	GetJob(ctx context.Context, tx Tx, id string) (*model.Job, error)
	UpdateStatus(ctx context.Context, tx Tx, upd StatusUpdate) error
	// AppendToResponse appends a streamed chunk to the job's response text,
	// adds tokenDelta to the received-token count and records newLength as
	// the cumulative character count.
	AppendToResponse(ctx context.Context, id string, chunk string, tokenDelta, newLength int) error
	SetCleared(ctx context.Context, id string, cleared bool) error
	// ListStartable returns jobs the scheduler may dispatch, ordered by
	// creation time, at most limit rows.
	ListStartable(ctx context.Context, limit int) ([]*model.Job, error)
	// CancelQueued marks every still-startable job of the session canceled
	// and returns how many were affected. Running jobs are untouched; those
	// are the admission controller's to cancel.
	CancelQueued(ctx context.Context, sessionID, reason string) (int, error)
	// ReconcileStaleRunning fails jobs left preparing/running longer than
	// threshold. Used at startup: the in-memory request map is gone after a
	// crash, so such jobs can never finish.
	ReconcileStaleRunning(ctx context.Context, threshold time.Duration) (int, error)
}
