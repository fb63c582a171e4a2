package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/CryptoLens/lensgate/internal/pkg/apperrors"
	"github.com/jmoiron/sqlx"
)

// PostgresStore 跨实例共享的任务表。fingerprint 上的部分唯一索引
// 保证"同一指纹最多一个非终态任务"在数据库层面成立。
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	store := &PostgresStore{db: db}
	_ = store.ensureSchema(context.Background())
	return store
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS analysis_jobs (
			analysis_id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			principal_id TEXT NOT NULL DEFAULT '',
			request JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			progress INTEGER NOT NULL DEFAULT 0,
			current_stage TEXT NOT NULL DEFAULT '',
			stage_progress JSONB NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			result JSONB,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS analysis_jobs_active_fp
		ON analysis_jobs (fingerprint)
		WHERE status IN ('queued', 'processing')
	`)
	return err
}

type jobRow struct {
	AnalysisID    string         `db:"analysis_id"`
	Fingerprint   string         `db:"fingerprint"`
	PrincipalID   string         `db:"principal_id"`
	Request       []byte         `db:"request"`
	Status        string         `db:"status"`
	Progress      int            `db:"progress"`
	CurrentStage  string         `db:"current_stage"`
	StageProgress []byte         `db:"stage_progress"`
	Attempts      int            `db:"attempts"`
	Result        []byte         `db:"result"`
	Error         string         `db:"error"`
	CreatedAt     time.Time      `db:"created_at"`
	StartedAt     sql.NullTime   `db:"started_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
}

func (r *jobRow) toModel() (*model.AnalysisJob, error) {
	job := &model.AnalysisJob{
		AnalysisID:   r.AnalysisID,
		Fingerprint:  r.Fingerprint,
		PrincipalID:  r.PrincipalID,
		Status:       model.JobStatus(r.Status),
		Progress:     r.Progress,
		CurrentStage: r.CurrentStage,
		Attempts:     r.Attempts,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
	}
	if err := json.Unmarshal(r.Request, &job.Request); err != nil {
		return nil, err
	}
	if len(r.StageProgress) > 0 {
		_ = json.Unmarshal(r.StageProgress, &job.StageProgress)
	}
	if len(r.Result) > 0 {
		job.Result = &model.AnalysisResult{}
		_ = json.Unmarshal(r.Result, job.Result)
	}
	if r.StartedAt.Valid {
		ts := r.StartedAt.Time
		job.StartedAt = &ts
	}
	if r.CompletedAt.Valid {
		ts := r.CompletedAt.Time
		job.CompletedAt = &ts
	}
	return job, nil
}

const jobColumns = `analysis_id, fingerprint, principal_id, request, status, progress,
	current_stage, stage_progress, attempts, result, error, created_at, started_at, completed_at`

func (s *PostgresStore) CreateOrAttach(ctx context.Context, job *model.AnalysisJob) (*model.AnalysisJob, bool, error) {
	reqJSON, err := json.Marshal(job.Request)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_jobs (analysis_id, fingerprint, principal_id, request, status, created_at)
		VALUES ($1, $2, $3, $4, 'queued', $5)
		ON CONFLICT (fingerprint) WHERE status IN ('queued', 'processing') DO NOTHING
	`, job.AnalysisID, job.Fingerprint, job.PrincipalID, reqJSON, job.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		created, err := s.Get(ctx, job.AnalysisID)
		return created, false, err
	}

	// Lost the race or attached to a prior request: fetch the active job.
	var row jobRow
	err = s.db.QueryRowxContext(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs
		WHERE fingerprint = $1 AND status IN ('queued', 'processing')
	`, job.Fingerprint).StructScan(&row)
	if err != nil {
		return nil, false, err
	}
	existing, err := row.toModel()
	return existing, true, err
}

func (s *PostgresStore) Get(ctx context.Context, analysisID string) (*model.AnalysisJob, error) {
	var row jobRow
	err := s.db.QueryRowxContext(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs WHERE analysis_id = $1
	`, analysisID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("unknown analysis id")
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *PostgresStore) ActiveByFingerprint(ctx context.Context, fingerprint string) (*model.AnalysisJob, error) {
	var row jobRow
	err := s.db.QueryRowxContext(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs
		WHERE fingerprint = $1 AND status IN ('queued', 'processing')
	`, fingerprint).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *PostgresStore) Transition(ctx context.Context, analysisID string, to model.JobStatus) error {
	var query string
	switch to {
	case model.JobProcessing:
		query = `UPDATE analysis_jobs SET status = 'processing', started_at = now()
			WHERE analysis_id = $1 AND status = 'queued'`
	case model.JobCancelled:
		query = `UPDATE analysis_jobs SET status = 'cancelled', completed_at = now()
			WHERE analysis_id = $1 AND status IN ('queued', 'processing')`
	case model.JobFailed:
		query = `UPDATE analysis_jobs SET status = 'failed', completed_at = now()
			WHERE analysis_id = $1 AND status IN ('queued', 'processing')`
	default:
		return apperrors.NewInvalidRequest("unsupported transition to " + string(to))
	}
	res, err := s.db.ExecContext(ctx, query, analysisID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, analysisID); getErr != nil {
			return getErr
		}
		return apperrors.NewInvalidRequest("job not in a transitionable state")
	}
	return nil
}

func (s *PostgresStore) UpdateStage(ctx context.Context, analysisID, stage string, sp *model.StageProgress, progress int) error {
	spJSON, err := json.Marshal(sp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET current_stage = $2,
		    stage_progress = jsonb_set(stage_progress, ARRAY[$2], $3::jsonb, true),
		    progress = GREATEST(progress, $4)
		WHERE analysis_id = $1 AND status IN ('queued', 'processing')
	`, analysisID, stage, spJSON, progress)
	return err
}

func (s *PostgresStore) IncrementAttempts(ctx context.Context, analysisID string) (int, error) {
	var attempts int
	err := s.db.QueryRowxContext(ctx, `
		UPDATE analysis_jobs SET attempts = attempts + 1
		WHERE analysis_id = $1
		RETURNING attempts
	`, analysisID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperrors.NewNotFound("unknown analysis id")
	}
	return attempts, err
}

func (s *PostgresStore) Complete(ctx context.Context, analysisID string, result *model.AnalysisResult) error {
	resJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	// guarded by status so a result landing after a cancel is discarded
	_, err = s.db.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET status = 'completed', result = $2, progress = 100, current_stage = '', completed_at = now()
		WHERE analysis_id = $1 AND status = 'processing'
	`, analysisID, resJSON)
	return err
}

func (s *PostgresStore) Fail(ctx context.Context, analysisID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET status = 'failed', error = $2, completed_at = now()
		WHERE analysis_id = $1 AND status IN ('queued', 'processing')
	`, analysisID, errMsg)
	return err
}

func (s *PostgresStore) Pending(ctx context.Context) ([]*model.AnalysisJob, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+jobColumns+` FROM analysis_jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AnalysisJob
	for rows.Next() {
		var row jobRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		job, err := row.toModel()
		if err != nil {
			continue // skip corrupt rows rather than wedge the pool
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CleanupTerminal deletes terminal jobs older than the retention window.
func (s *PostgresStore) CleanupTerminal(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
	`, cutoff)
	return err
}
