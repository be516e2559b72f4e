package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"planforge/internal/domain"
	"planforge/internal/domain/model"
	"planforge/internal/domain/ports/repository"
)

var _ repository.JobStore = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *jobRepo {
	return &jobRepo{pool: pool, tm: tm}
}

const jobColumns = `id, session_id, task_type, api_type, status, prompt_text, response_text,
tokens_sent, tokens_received, chars_received, model_used, max_output_tokens,
status_message, metadata, cleared, created_at, start_time, end_time, last_update`

func (r *jobRepo) CreateJob(ctx context.Context, tx repository.Tx, job *model.Job) error {
	job.LastUpdate = time.Now()
	meta, err := json.Marshal(orEmptyMeta(job.Metadata))
	if err != nil {
		return fmt.Errorf("%w: metadata not serializable: %v", domain.ErrInvalidArgument, err)
	}

	const q = `
INSERT INTO background_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  status_message = EXCLUDED.status_message,
  metadata = EXCLUDED.metadata,
  model_used = EXCLUDED.model_used,
  max_output_tokens = EXCLUDED.max_output_tokens,
  cleared = EXCLUDED.cleared,
  last_update = EXCLUDED.last_update;`

	_, err = execSQL(ctx, r.pool, tx, q,
		job.ID, job.SessionID, job.TaskType, job.APIType, string(job.Status),
		job.PromptText, job.ResponseText, job.TokensSent, job.TokensReceived,
		job.CharsReceived, job.ModelUsed, job.MaxOutputTokens, job.StatusMessage,
		meta, job.Cleared, job.CreatedAt, job.StartTime, job.EndTime, job.LastUpdate)
	return err
}

func (r *jobRepo) GetJob(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

// UpdateStatus applies a transition-guarded status change under a row lock.
// A terminal job keeps everything except its metadata, which is still merged
// (augmentation stays legal after finalization). Any other illegal move,
// including a repeated claim of the same status, is an error so callers
// racing for one job detect the lost claim.
func (r *jobRepo) UpdateStatus(ctx context.Context, tx repository.Tx, upd repository.StatusUpdate) error {
	apply := func(ctx context.Context, tx repository.Tx) error {
		row, err := pickRow(ctx, r.pool, tx,
			`SELECT status, start_time FROM background_jobs WHERE id = $1 FOR UPDATE;`, upd.ID)
		if err != nil {
			return err
		}
		var cur string
		var startTime *time.Time
		if err := row.Scan(&cur, &startTime); err != nil {
			return translateScanErr(err)
		}

		current := model.JobStatus(cur)
		if current.IsTerminal() {
			return r.mergeMetadata(ctx, tx, upd.ID, upd.Metadata)
		}
		if !current.CanTransition(upd.Status) {
			return fmt.Errorf("%w: job %s cannot transition %s to %s",
				domain.ErrInvalidArgument, upd.ID, current, upd.Status)
		}

		now := time.Now()
		if upd.Status == model.JobStatusRunning && startTime == nil {
			startTime = &now
		}
		var endTime *time.Time
		if upd.Status.IsTerminal() {
			endTime = &now
		}

		meta, err := json.Marshal(orEmptyMeta(upd.Metadata))
		if err != nil {
			return fmt.Errorf("%w: metadata not serializable: %v", domain.ErrInvalidArgument, err)
		}

		const q = `
UPDATE background_jobs SET
  status = $2,
  status_message = CASE WHEN $3 <> '' THEN $3 ELSE status_message END,
  metadata = metadata || $4::jsonb,
  model_used = CASE WHEN $5 <> '' THEN $5 ELSE model_used END,
  tokens_sent = GREATEST(tokens_sent, $6),
  tokens_received = GREATEST(tokens_received, $7),
  start_time = $8,
  end_time = COALESCE($9, end_time),
  last_update = $10
WHERE id = $1;`
		_, err = execSQL(ctx, r.pool, tx, q,
			upd.ID, string(upd.Status), upd.StatusMessage, meta, upd.ModelUsed,
			upd.TokensSent, upd.TokensReceived, startTime, endTime, now)
		return err
	}

	if tx != nil {
		return apply(ctx, tx)
	}
	return r.tm.WithTx(ctx, pgx.TxOptions{}, apply)
}

func (r *jobRepo) mergeMetadata(ctx context.Context, tx repository.Tx, id string, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata not serializable: %v", domain.ErrInvalidArgument, err)
	}
	_, err = execSQL(ctx, r.pool, tx,
		`UPDATE background_jobs SET metadata = metadata || $2::jsonb, last_update = now() WHERE id = $1;`,
		id, meta)
	return err
}

func (r *jobRepo) AppendToResponse(ctx context.Context, id, chunk string, tokenDelta, newLength int) error {
	const q = `
UPDATE background_jobs SET
  response_text = response_text || $2,
  tokens_received = tokens_received + $3,
  chars_received = GREATEST(chars_received, $4),
  last_update = now()
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'canceled');`
	_, err := execSQL(ctx, r.pool, nil, q, id, chunk, tokenDelta, newLength)
	return err
}

func (r *jobRepo) SetCleared(ctx context.Context, id string, cleared bool) error {
	cmd, err := execSQL(ctx, r.pool, nil,
		`UPDATE background_jobs SET cleared = $2, last_update = now() WHERE id = $1;`, id, cleared)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *jobRepo) ListStartable(ctx context.Context, limit int) ([]*model.Job, error) {
	const q = `
SELECT ` + jobColumns + `
FROM background_jobs
WHERE status IN ('idle', 'queued') AND NOT cleared
ORDER BY created_at
LIMIT $1;`
	rows, err := pickRows(ctx, r.pool, nil, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *jobRepo) CancelQueued(ctx context.Context, sessionID, reason string) (int, error) {
	const q = `
UPDATE background_jobs SET
  status = 'canceled',
  status_message = $2,
  end_time = now(),
  last_update = now()
WHERE session_id = $1
  AND status IN ('idle', 'queued');`
	cmd, err := execSQL(ctx, r.pool, nil, q, sessionID, reason)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *jobRepo) ReconcileStaleRunning(ctx context.Context, threshold time.Duration) (int, error) {
	const q = `
UPDATE background_jobs SET
  status = 'failed',
  status_message = 'interrupted: no progress for longer than the stale threshold',
  end_time = now(),
  last_update = now()
WHERE status IN ('preparing', 'running')
  AND last_update < now() - ($1 * interval '1 second');`
	cmd, err := execSQL(ctx, r.pool, nil, q, threshold.Seconds())
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j      model.Job
		status string
		meta   []byte
	)
	err := row.Scan(
		&j.ID, &j.SessionID, &j.TaskType, &j.APIType, &status, &j.PromptText,
		&j.ResponseText, &j.TokensSent, &j.TokensReceived, &j.CharsReceived,
		&j.ModelUsed, &j.MaxOutputTokens, &j.StatusMessage, &meta, &j.Cleared,
		&j.CreatedAt, &j.StartTime, &j.EndTime, &j.LastUpdate,
	)
	if err != nil {
		return nil, translateScanErr(err)
	}
	j.Status = model.JobStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
	}
	return &j, nil
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
