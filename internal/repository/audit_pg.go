package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CryptoLens/lensgate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresAuditRepo struct {
	db *sqlx.DB
}

func NewPostgresAuditRepo(db *sqlx.DB) *PostgresAuditRepo {
	repo := &PostgresAuditRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresAuditRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			request_body TEXT NOT NULL DEFAULT '',
			request_header TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			context JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS audit_logs_principal ON audit_logs (principal_id, created_at DESC)`)
	return nil
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, entry *model.AuditLog) error {
	if entry == nil {
		return nil
	}
	contextJSON, _ := json.Marshal(entry.Context)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, principal_id, tier, method, path, ip, user_agent,
			request_body, request_header, status_code, response_body,
			latency_ms, context, created_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,
			$8,$9,$10,$11,
			$12,$13,$14
		)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.PrincipalID, entry.Tier, entry.Method, entry.Path, entry.IP, entry.UserAgent,
		entry.RequestBody, entry.RequestHeader, entry.StatusCode, entry.ResponseBody,
		entry.LatencyMs, contextJSON, entry.CreatedAt)
	return err
}

func (r *PostgresAuditRepo) List(ctx context.Context, principalID string, limit int, from, to *time.Time) ([]*model.AuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, principal_id, tier, method, path, ip, user_agent, request_body, request_header, status_code, response_body, latency_ms, context, created_at FROM audit_logs`
	clauses := []string{}
	args := []interface{}{}
	idx := 1

	if principalID != "" {
		clauses = append(clauses, fmt.Sprintf("principal_id = $%d", idx))
		args = append(args, principalID)
		idx++
	}
	if from != nil {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, *from)
		idx++
	}
	if to != nil {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, *to)
		idx++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AuditLog
	for rows.Next() {
		var (
			entry       model.AuditLog
			contextJSON []byte
		)
		if err := rows.Scan(&entry.ID, &entry.PrincipalID, &entry.Tier, &entry.Method, &entry.Path,
			&entry.IP, &entry.UserAgent, &entry.RequestBody, &entry.RequestHeader,
			&entry.StatusCode, &entry.ResponseBody, &entry.LatencyMs, &contextJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &entry.Context)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}
