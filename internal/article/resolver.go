// Package article resolves article slugs to the identifiers stored on
// tracking events and affiliate links. Articles themselves are produced by
// the content pipeline; this package only reads them.
package article

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/onnwee/autocash/internal/db"
)

// ErrArticleNotFound is returned when a slug has no article.
var ErrArticleNotFound = errors.New("article not found")

// Article is the minimal view of a published article.
type Article struct {
	ID    string
	Slug  string
	Title string
}

// Resolver looks articles up by slug.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (*Article, error)
}

// InMemoryDirectory is an in-memory Resolver. Thread-safe via RWMutex.
type InMemoryDirectory struct {
	mu     sync.RWMutex
	bySlug map[string]Article
}

// NewInMemoryDirectory creates an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{bySlug: make(map[string]Article)}
}

// Add registers or replaces an article.
func (d *InMemoryDirectory) Add(a Article) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bySlug[a.Slug] = a
}

// Resolve looks an article up by slug.
func (d *InMemoryDirectory) Resolve(ctx context.Context, slug string) (*Article, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.bySlug[slug]
	if !ok {
		return nil, ErrArticleNotFound
	}
	return &a, nil
}

// PostgresDirectory resolves slugs against the articles table.
type PostgresDirectory struct {
	q db.Querier
}

// NewPostgresDirectory creates a directory over a *sql.DB or *sql.Tx.
func NewPostgresDirectory(q db.Querier) *PostgresDirectory {
	return &PostgresDirectory{q: q}
}

// Resolve looks an article up by slug.
func (d *PostgresDirectory) Resolve(ctx context.Context, slug string) (*Article, error) {
	var a Article
	err := d.q.QueryRowContext(ctx, `SELECT id, slug, title FROM articles WHERE slug = $1`, slug).
		Scan(&a.ID, &a.Slug, &a.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArticleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve article: %w", err)
	}
	return &a, nil
}
