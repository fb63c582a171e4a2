package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type PostgresHistoryRepo struct {
	db *sqlx.DB
}

func NewPostgresHistoryRepo(db *sqlx.DB) *PostgresHistoryRepo {
	repo := &PostgresHistoryRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresHistoryRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS analysis_history (
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL,
			analysis_type TEXT NOT NULL,
			overall_score DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			risk_level TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS analysis_history_principal ON analysis_history (principal_id, created_at DESC)`)
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS analysis_history_project ON analysis_history (project_id)`)
	return nil
}

func (r *PostgresHistoryRepo) Record(ctx context.Context, principalID string, result *model.AnalysisResult) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO analysis_history (id, principal_id, project_id, analysis_type, overall_score, confidence, risk_level, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, uuid.New().String(), principalID, result.ProjectID, string(result.AnalysisType),
		result.OverallScore, result.Confidence, string(result.RiskLevel), result.Timestamp)
	return err
}

func (r *PostgresHistoryRepo) List(ctx context.Context, principalID, projectID string, limit, offset int) ([]*model.AnalysisRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, principal_id, project_id, analysis_type, overall_score, confidence, risk_level, created_at FROM analysis_history`
	clauses := []string{}
	args := []interface{}{}
	idx := 1

	if principalID != "" {
		clauses = append(clauses, fmt.Sprintf("principal_id = $%d", idx))
		args = append(args, principalID)
		idx++
	}
	if projectID != "" {
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", idx))
		args = append(args, projectID)
		idx++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	var out []*model.AnalysisRecord
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresHistoryRepo) Popular(ctx context.Context, limit int) ([]*model.ProjectPopularity, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var out []*model.ProjectPopularity
	err := r.db.SelectContext(ctx, &out, `
		SELECT project_id,
		       COUNT(*) AS analysis_count,
		       AVG(overall_score) AS avg_score,
		       MAX(created_at) AS last_analyzed_at
		FROM analysis_history
		GROUP BY project_id
		ORDER BY analysis_count DESC, project_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cleanup drops history rows older than the retention window.
func (r *PostgresHistoryRepo) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM analysis_history WHERE created_at < $1`, time.Now().Add(-olderThan))
	return err
}
