package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/onnwee/autocash/internal/db"
)

// chainLockKey serializes appends so that each entry links to the true tail.
const chainLockKey = 7_305_001

// PostgresRepository is a PostgreSQL-backed Repository.
// Append must run inside a transaction: the chain lock is transaction scoped.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository creates a repository over a *sql.DB or *sql.Tx.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

const auditColumns = `id, seq, action, user_hash, details, ip_hash, created_at, previous_hash, entry_hash`

// Append records a new entry at the end of the chain.
func (r *PostgresRepository) Append(ctx context.Context, entry Entry) (*AuditLog, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	if _, err := r.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("failed to lock audit chain: %w", err)
	}

	log := newLog(entry)
	var prevSeq int64
	err := r.q.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM audit_logs ORDER BY seq DESC LIMIT 1`,
	).Scan(&prevSeq, &log.PreviousHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read audit chain tail: %w", err)
	}
	log.Seq = prevSeq + 1

	if err := seal(log); err != nil {
		return nil, err
	}
	details, err := json.Marshal(log.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.Seq, log.Action, log.UserHash, details, log.IPHash,
		log.CreatedAt, log.PreviousHash, log.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit log: %w", err)
	}
	return cloneLog(log), nil
}

// QueryByUser retrieves entries for a user hash, newest first.
func (r *PostgresRepository) QueryByUser(ctx context.Context, userHash string, limit int) ([]*AuditLog, error) {
	return r.Query(ctx, Filter{UserHash: userHash, Limit: limit})
}

// Query retrieves entries matching filter, newest first.
func (r *PostgresRepository) Query(ctx context.Context, filter Filter) ([]*AuditLog, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.UserHash != "" {
		add("user_hash = $%d", filter.UserHash)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return r.scan(ctx, query, args...)
}

// Chain returns every entry oldest first.
func (r *PostgresRepository) Chain(ctx context.Context) ([]*AuditLog, error) {
	return r.scan(ctx, `SELECT `+auditColumns+` FROM audit_logs ORDER BY seq ASC`)
}

// Count returns the total number of entries.
func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) scan(ctx context.Context, query string, args ...any) ([]*AuditLog, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		var l AuditLog
		var details []byte
		if err := rows.Scan(&l.ID, &l.Seq, &l.Action, &l.UserHash, &details, &l.IPHash,
			&l.CreatedAt, &l.PreviousHash, &l.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if err := json.Unmarshal(details, &l.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}
