package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/autocash/internal/db"
	"github.com/onnwee/autocash/internal/money"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository creates a repository over a *sql.DB or *sql.Tx.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

const eventColumns = `id, event_type, article_id, link_id, session_hash, ip_hash, ua_hash,
	utm_source, utm_medium, utm_campaign, revenue_cents, created_at`

// Insert stores a new event.
func (r *PostgresRepository) Insert(ctx context.Context, e *Event) error {
	var revenue sql.NullInt64
	if e.Revenue != nil {
		revenue = sql.NullInt64{Int64: int64(*e.Revenue), Valid: true}
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO tracking_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, string(e.Type), e.ArticleID, e.LinkID, e.SessionHash,
		nullIfEmpty(e.IPHash), nullIfEmpty(e.UAHash),
		e.UTM.Source, e.UTM.Medium, e.UTM.Campaign, revenue, e.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert tracking event: %w", err)
	}
	return nil
}

// ListBySession returns all events for a session hash, oldest first.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionHash string) ([]*Event, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM tracking_events WHERE session_hash = $1 ORDER BY created_at ASC, id ASC`,
		sessionHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracking events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		e                        Event
		eventType                string
		articleID, linkID        sql.NullString
		ipHash, uaHash           sql.NullString
		source, medium, campaign sql.NullString
		revenue                  sql.NullInt64
	)
	err := rows.Scan(&e.ID, &eventType, &articleID, &linkID, &e.SessionHash, &ipHash, &uaHash,
		&source, &medium, &campaign, &revenue, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tracking event: %w", err)
	}
	e.Type = EventType(eventType)
	e.ArticleID = fromNull(articleID)
	e.LinkID = fromNull(linkID)
	e.IPHash = ipHash.String
	e.UAHash = uaHash.String
	e.UTM = UTM{Source: fromNull(source), Medium: fromNull(medium), Campaign: fromNull(campaign)}
	if revenue.Valid {
		c := money.Cents(revenue.Int64)
		e.Revenue = &c
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// CountBySession returns the number of events for a session hash.
func (r *PostgresRepository) CountBySession(ctx context.Context, sessionHash string) (int64, error) {
	var n int64
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracking_events WHERE session_hash = $1`, sessionHash,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tracking events: %w", err)
	}
	return n, nil
}

// DeleteBySession removes all events for a session hash.
func (r *PostgresRepository) DeleteBySession(ctx context.Context, sessionHash string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM tracking_events WHERE session_hash = $1`, sessionHash)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tracking events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan removes events created before cutoff.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM tracking_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tracking events: %w", err)
	}
	return res.RowsAffected()
}

// Totals aggregates events matching filter.
func (r *PostgresRepository) Totals(ctx context.Context, filter Filter) (Totals, error) {
	where, args := filterClause(filter)
	query := `
		SELECT
			COUNT(*) FILTER (WHERE event_type = 'view'),
			COUNT(*) FILTER (WHERE event_type = 'click'),
			COUNT(*) FILTER (WHERE event_type = 'conversion'),
			COALESCE(SUM(revenue_cents), 0)
		FROM tracking_events` + where

	var t Totals
	var revenue int64
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&t.Views, &t.Clicks, &t.Conversions, &revenue); err != nil {
		return Totals{}, fmt.Errorf("failed to aggregate tracking events: %w", err)
	}
	t.Revenue = money.Cents(revenue)
	return t, nil
}

// BySource groups events in [from, to] with a non-null utm_source.
func (r *PostgresRepository) BySource(ctx context.Context, from, to time.Time) ([]SourceTotals, error) {
	where, args := filterClause(Filter{From: from, To: to})
	if where == "" {
		where = ` WHERE utm_source IS NOT NULL`
	} else {
		where += ` AND utm_source IS NOT NULL`
	}
	query := `
		SELECT utm_source,
			COUNT(*) FILTER (WHERE event_type = 'click'),
			COALESCE(SUM(revenue_cents), 0) AS revenue
		FROM tracking_events` + where + `
		GROUP BY utm_source
		ORDER BY revenue DESC, utm_source ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to group tracking events by source: %w", err)
	}
	defer rows.Close()

	var out []SourceTotals
	for rows.Next() {
		var s SourceTotals
		var revenue int64
		if err := rows.Scan(&s.Source, &s.Clicks, &revenue); err != nil {
			return nil, fmt.Errorf("failed to scan source totals: %w", err)
		}
		s.Revenue = money.Cents(revenue)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source totals: %w", err)
	}
	// Re-sort so tie order does not depend on the database collation.
	SortSources(out)
	return out, nil
}

// Count returns the total number of stored events.
func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracking_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tracking events: %w", err)
	}
	return n, nil
}

func filterClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	if f.ArticleID != "" {
		add("article_id = $%d", f.ArticleID)
	}
	if f.LinkID != "" {
		add("link_id = $%d", f.LinkID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
