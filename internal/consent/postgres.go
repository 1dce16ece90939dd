package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/autocash/internal/db"
)

// PostgresRepository implements Repository and RequestRepository using PostgreSQL.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository creates a repository over a *sql.DB or *sql.Tx.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

// Insert appends a consent record.
func (r *PostgresRepository) Insert(ctx context.Context, rec *Record) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO consents (id, user_hash, consent_type, status, granted_at, expires_at, ip_hash, user_agent_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.UserHash, string(rec.Type), string(rec.Status), rec.GrantedAt, rec.ExpiresAt,
		nullIfEmpty(rec.IPHash), nullIfEmpty(rec.UserAgentHash),
	)
	if err != nil {
		return fmt.Errorf("failed to insert consent: %w", err)
	}
	return nil
}

// ListByUser returns every record for a user, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userHash string) ([]*Record, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, user_hash, consent_type, status, granted_at, expires_at, ip_hash, user_agent_hash
		FROM consents
		WHERE user_hash = $1
		ORDER BY granted_at DESC, seq DESC`,
		userHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			rec            Record
			consentType    string
			status         string
			expiresAt      sql.NullTime
			ipHash, uaHash sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.UserHash, &consentType, &status, &rec.GrantedAt,
			&expiresAt, &ipHash, &uaHash); err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		rec.Type = Type(consentType)
		rec.Status = Status(status)
		rec.GrantedAt = rec.GrantedAt.UTC()
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			rec.ExpiresAt = &t
		}
		rec.IPHash = ipHash.String
		rec.UserAgentHash = uaHash.String
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consents: %w", err)
	}
	return records, nil
}

// CountByUser returns the number of records for a user.
func (r *PostgresRepository) CountByUser(ctx context.Context, userHash string) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM consents WHERE user_hash = $1`, userHash).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count consents: %w", err)
	}
	return n, nil
}

// DeleteByUser removes every record for a user.
func (r *PostgresRepository) DeleteByUser(ctx context.Context, userHash string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM consents WHERE user_hash = $1`, userHash)
	if err != nil {
		return 0, fmt.Errorf("failed to delete consents: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired removes records whose expiry is at or before now.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM consents WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired consents: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the total number of records.
func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM consents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count consents: %w", err)
	}
	return n, nil
}

const requestColumns = `id, masked_email, user_hash, request_type, status, verification_token,
	verified_at, processed_at, export_url, failure_reason, expires_at, ip_hash, created_at, claimed_at`

// CreateRequest stores a new request.
func (r *PostgresRepository) CreateRequest(ctx context.Context, req *Request) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO dsar_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		req.ID, req.MaskedEmail, req.UserHash, string(req.Type), string(req.Status),
		req.VerificationToken, req.VerifiedAt, req.ProcessedAt, nullIfEmpty(req.ExportURL),
		nullIfEmpty(req.FailureReason), req.ExpiresAt, nullIfEmpty(req.IPHash), req.CreatedAt,
		req.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create data request: %w", err)
	}
	return nil
}

// GetRequest returns a request by ID.
func (r *PostgresRepository) GetRequest(ctx context.Context, id string) (*Request, error) {
	return r.getRequest(ctx, `WHERE id = $1`, id)
}

// GetRequestByToken returns a request by its verification token.
func (r *PostgresRepository) GetRequestByToken(ctx context.Context, token string) (*Request, error) {
	return r.getRequest(ctx, `WHERE verification_token = $1`, token)
}

func (r *PostgresRepository) getRequest(ctx context.Context, where string, arg any) (*Request, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM dsar_requests `+where, arg)
	req, err := scanRequest(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data request: %w", err)
	}
	return req, nil
}

// UpdateRequest replaces the mutable fields of a stored request.
func (r *PostgresRepository) UpdateRequest(ctx context.Context, req *Request) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE dsar_requests
		SET status = $2, verified_at = $3, processed_at = $4, export_url = $5, failure_reason = $6,
			claimed_at = $7
		WHERE id = $1`,
		req.ID, string(req.Status), req.VerifiedAt, req.ProcessedAt,
		nullIfEmpty(req.ExportURL), nullIfEmpty(req.FailureReason), req.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update data request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// ListRequestsByUser returns a user's requests, newest first.
func (r *PostgresRepository) ListRequestsByUser(ctx context.Context, userHash string) ([]*Request, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM dsar_requests WHERE user_hash = $1 ORDER BY created_at DESC`,
		userHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list data requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan data request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating data requests: %w", err)
	}
	return out, nil
}

// CountRequests counts requests in a status; an empty status counts all.
func (r *PostgresRepository) CountRequests(ctx context.Context, status RequestStatus) (int64, error) {
	var n int64
	var err error
	if status == "" {
		err = r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM dsar_requests`).Scan(&n)
	} else {
		err = r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM dsar_requests WHERE status = $1`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count data requests: %w", err)
	}
	return n, nil
}

func scanRequest(scan func(dest ...any) error) (*Request, error) {
	var (
		req                      Request
		reqType, status          string
		verifiedAt, processedAt  sql.NullTime
		claimedAt                sql.NullTime
		exportURL, failureReason sql.NullString
		ipHash                   sql.NullString
	)
	err := scan(&req.ID, &req.MaskedEmail, &req.UserHash, &reqType, &status, &req.VerificationToken,
		&verifiedAt, &processedAt, &exportURL, &failureReason, &req.ExpiresAt, &ipHash, &req.CreatedAt,
		&claimedAt)
	if err != nil {
		return nil, err
	}
	req.Type = RequestType(reqType)
	req.Status = RequestStatus(status)
	if verifiedAt.Valid {
		t := verifiedAt.Time.UTC()
		req.VerifiedAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		req.ClaimedAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		req.ProcessedAt = &t
	}
	req.ExportURL = exportURL.String
	req.FailureReason = failureReason.String
	req.IPHash = ipHash.String
	req.ExpiresAt = req.ExpiresAt.UTC()
	req.CreatedAt = req.CreatedAt.UTC()
	return &req, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
