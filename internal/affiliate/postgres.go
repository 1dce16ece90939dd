package affiliate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/autocash/internal/db"
	"github.com/onnwee/autocash/internal/money"
)

// PostgresRepository implements Repository using PostgreSQL. Counter updates
// are single UPDATE statements, so concurrent clicks and conversions on the
// same link are serialized by the row lock and never lose increments.
type PostgresRepository struct {
	q db.Querier
}

// NewPostgresRepository creates a repository over a *sql.DB or *sql.Tx.
func NewPostgresRepository(q db.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

const linkColumns = `link_id, name, destination_url, affiliate_program, commission_rate, commission_type,
	clicks, conversions, revenue_cents, is_active, article_id, created_at, updated_at, last_click_at`

// Create stores a new link.
func (r *PostgresRepository) Create(ctx context.Context, link *Link) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO affiliate_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		link.LinkID, link.Name, link.DestinationURL, link.AffiliateProgram, link.CommissionRate,
		string(link.CommissionType), link.Clicks, link.Conversions, int64(link.Revenue),
		link.IsActive, link.ArticleID, link.CreatedAt, link.UpdatedAt, link.LastClickAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrLinkExists
		}
		return fmt.Errorf("failed to create affiliate link: %w", err)
	}
	return nil
}

// Get returns a link by ID.
func (r *PostgresRepository) Get(ctx context.Context, linkID string) (*Link, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM affiliate_links WHERE link_id = $1`, linkID)
	l, err := scanLink(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	return l, err
}

// Update replaces the editable fields of a link.
func (r *PostgresRepository) Update(ctx context.Context, link *Link) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE affiliate_links
		SET name = $2, destination_url = $3, affiliate_program = $4, commission_rate = $5,
		    commission_type = $6, is_active = $7, article_id = $8, updated_at = $9
		WHERE link_id = $1`,
		link.LinkID, link.Name, link.DestinationURL, link.AffiliateProgram, link.CommissionRate,
		string(link.CommissionType), link.IsActive, link.ArticleID, link.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update affiliate link: %w", err)
	}
	return expectOneRow(res)
}

// List returns links ordered by link ID.
func (r *PostgresRepository) List(ctx context.Context, activeOnly bool) ([]*Link, error) {
	query := `SELECT ` + linkColumns + ` FROM affiliate_links`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY link_id ASC`
	return r.query(ctx, query)
}

// RecordClick atomically increments clicks and sets last_click_at.
func (r *PostgresRepository) RecordClick(ctx context.Context, linkID string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE affiliate_links SET clicks = clicks + 1, last_click_at = $2 WHERE link_id = $1`,
		linkID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record click: %w", err)
	}
	return expectOneRow(res)
}

// codeNumericOutOfRange is raised when revenue_cents would exceed bigint.
const codeNumericOutOfRange = "22003"

// RecordConversion atomically increments conversions and adds revenue.
func (r *PostgresRepository) RecordConversion(ctx context.Context, linkID string, revenue money.Cents) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE affiliate_links SET conversions = conversions + 1, revenue_cents = revenue_cents + $2 WHERE link_id = $1`,
		linkID, int64(revenue),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == codeNumericOutOfRange {
			return fmt.Errorf("failed to record conversion: %w", money.ErrOverflow)
		}
		return fmt.Errorf("failed to record conversion: %w", err)
	}
	return expectOneRow(res)
}

// Top returns up to limit active links ordered by a stored counter.
func (r *PostgresRepository) Top(ctx context.Context, order Order, limit int) ([]*Link, error) {
	column := map[Order]string{
		OrderRevenue:     "revenue_cents",
		OrderClicks:      "clicks",
		OrderConversions: "conversions",
	}[order]
	if column == "" {
		return nil, fmt.Errorf("unsupported order %q", order)
	}
	query := `SELECT ` + linkColumns + ` FROM affiliate_links WHERE is_active ORDER BY ` +
		column + ` DESC, link_id ASC`
	if limit > 0 {
		return r.query(ctx, query+` LIMIT $1`, limit)
	}
	return r.query(ctx, query)
}

// Count returns the total number of links.
func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM affiliate_links`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count affiliate links: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*Link, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query affiliate links: %w", err)
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		l, err := scanLink(rows.Scan)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating affiliate links: %w", err)
	}
	return links, nil
}

func scanLink(scan func(dest ...any) error) (*Link, error) {
	var (
		l              Link
		commissionType string
		revenue        int64
		articleID      sql.NullString
		lastClick      sql.NullTime
	)
	err := scan(&l.LinkID, &l.Name, &l.DestinationURL, &l.AffiliateProgram, &l.CommissionRate,
		&commissionType, &l.Clicks, &l.Conversions, &revenue, &l.IsActive, &articleID,
		&l.CreatedAt, &l.UpdatedAt, &lastClick)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan affiliate link: %w", err)
	}
	l.CommissionType = CommissionType(commissionType)
	l.Revenue = money.Cents(revenue)
	if articleID.Valid {
		a := articleID.String
		l.ArticleID = &a
	}
	if lastClick.Valid {
		t := lastClick.Time.UTC()
		l.LastClickAt = &t
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrLinkNotFound
	}
	return nil
}
