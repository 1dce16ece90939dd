package attribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/autocash/internal/affiliate"
	"github.com/onnwee/autocash/internal/article"
	"github.com/onnwee/autocash/internal/money"
	"github.com/onnwee/autocash/internal/store"
	"github.com/onnwee/autocash/internal/tracing"
	"github.com/onnwee/autocash/internal/tracking"
)

// Query limits.
const (
	MaxDays         = 3650
	DefaultTopLimit = 10
	MaxTopLimit     = 100
)

var (
	// ErrInvalidPeriod is returned when a window is not between 1 and MaxDays days.
	ErrInvalidPeriod = errors.New("days must be between 1 and 3650")
	// ErrInvalidOrder is returned for an unknown top-links ordering.
	ErrInvalidOrder = errors.New("order must be revenue, clicks, conversions or epc")
)

// OrderEPC ranks links by earnings per click. It is derived, not stored.
const OrderEPC affiliate.Order = "epc"

// PeriodStats summarises a time window.
type PeriodStats struct {
	Days            int         `json:"period_days"`
	Clicks          int64       `json:"clicks"`
	Conversions     int64       `json:"conversions"`
	Revenue         money.Cents `json:"revenue"`
	EPC             float64     `json:"epc"`
	ConversionRate  float64     `json:"conversion_rate"`
	AvgDailyRevenue float64     `json:"avg_daily_revenue"`
}

// LinkStats is an affiliate link with its derived ratios.
type LinkStats struct {
	LinkID           string      `json:"link_id"`
	Name             string      `json:"name"`
	DestinationURL   string      `json:"destination_url"`
	AffiliateProgram string      `json:"affiliate_program"`
	CommissionRate   float64     `json:"commission_rate"`
	CommissionType   string      `json:"commission_type"`
	ArticleID        *string     `json:"article_id,omitempty"`
	IsActive         bool        `json:"is_active"`
	Clicks           int64       `json:"clicks"`
	Conversions      int64       `json:"conversions"`
	Revenue          money.Cents `json:"revenue"`
	EPC              float64     `json:"epc"`
	ConversionRate   float64     `json:"conversion_rate"`
	LastClickAt      *time.Time  `json:"last_click_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// SourceStats is revenue grouped by utm_source.
type SourceStats struct {
	Source  string      `json:"source"`
	Clicks  int64       `json:"clicks"`
	Revenue money.Cents `json:"revenue"`
	EPC     float64     `json:"epc"`
}

// ArticleStats summarises every event attributed to one article.
type ArticleStats struct {
	ArticleID      string      `json:"article_id"`
	Slug           string      `json:"slug"`
	Views          int64       `json:"views"`
	Clicks         int64       `json:"clicks"`
	Conversions    int64       `json:"conversions"`
	Revenue        money.Cents `json:"revenue"`
	CTR            float64     `json:"ctr"`
	ConversionRate float64     `json:"conversion_rate"`
	EPC            float64     `json:"epc"`
}

// Summary is the all-time business overview.
type Summary struct {
	Views          int64       `json:"total_views"`
	Clicks         int64       `json:"total_clicks"`
	Conversions    int64       `json:"total_conversions"`
	Revenue        money.Cents `json:"total_revenue"`
	CTR            float64     `json:"ctr"`
	ConversionRate float64     `json:"conversion_rate"`
	EPC            float64     `json:"epc"`
	ActiveLinks    int         `json:"active_links"`
}

// Config configures the engine.
type Config struct {
	Store    store.Store
	Articles article.Resolver
	Now      func() time.Time
}

// Engine answers metric queries against a read-only view of the store.
type Engine struct {
	store    store.Store
	articles article.Resolver
	now      func() time.Time
}

// NewEngine creates an attribution engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Articles == nil {
		cfg.Articles = article.NewInMemoryDirectory()
	}
	return &Engine{store: cfg.Store, articles: cfg.Articles, now: cfg.Now}
}

// RevenueByPeriod aggregates events in [now-days, now]. When articleSlug is
// set only events attributed to that article count.
func (e *Engine) RevenueByPeriod(ctx context.Context, days int, articleSlug string) (_ *PeriodStats, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "attribution.revenue_by_period")
	defer func() { endSpan(err) }()

	if days < 1 || days > MaxDays {
		return nil, ErrInvalidPeriod
	}

	now := e.now().UTC()
	filter := tracking.Filter{From: now.AddDate(0, 0, -days), To: now}
	if articleSlug != "" {
		a, err := e.articles.Resolve(ctx, articleSlug)
		if err != nil {
			return nil, err
		}
		filter.ArticleID = a.ID
	}

	var t tracking.Totals
	err = e.store.View(ctx, func(tx store.Tx) error {
		var err error
		t, err = tx.Events().Totals(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate revenue: %w", err)
	}

	return &PeriodStats{
		Days:            days,
		Clicks:          t.Clicks,
		Conversions:     t.Conversions,
		Revenue:         t.Revenue,
		EPC:             EPC(t.Revenue, t.Clicks),
		ConversionRate:  ConversionRate(t.Conversions, t.Clicks),
		AvgDailyRevenue: money.Round2(t.Revenue.Float() / float64(days)),
	}, nil
}

// TopLinks returns up to limit active links ordered descending. Stored
// counters are ordered by the store; EPC is computed here, ties broken by
// link ID ascending.
func (e *Engine) TopLinks(ctx context.Context, limit int, order affiliate.Order) (_ []LinkStats, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "attribution.top_links")
	defer func() { endSpan(err) }()

	if limit <= 0 {
		limit = DefaultTopLimit
	}
	if limit > MaxTopLimit {
		limit = MaxTopLimit
	}
	if order == "" {
		order = affiliate.OrderRevenue
	}
	if order != OrderEPC && !order.Valid() {
		return nil, ErrInvalidOrder
	}

	var links []*affiliate.Link
	err = e.store.View(ctx, func(tx store.Tx) error {
		var err error
		if order == OrderEPC {
			links, err = tx.Links().List(ctx, true)
		} else {
			links, err = tx.Links().Top(ctx, order, limit)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load links: %w", err)
	}

	out := make([]LinkStats, 0, len(links))
	for _, l := range links {
		out = append(out, statsFor(l))
	}
	if order == OrderEPC {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].EPC != out[j].EPC {
				return out[i].EPC > out[j].EPC
			}
			return out[i].LinkID < out[j].LinkID
		})
		if len(out) > limit {
			out = out[:limit]
		}
	}
	return out, nil
}

// Link returns one link with its derived ratios.
func (e *Engine) Link(ctx context.Context, linkID string) (*LinkStats, error) {
	var link *affiliate.Link
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		link, err = tx.Links().Get(ctx, linkID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s := statsFor(link)
	return &s, nil
}

// RevenueBySource groups the last days of events by utm_source, ordered by
// revenue descending then source ascending.
func (e *Engine) RevenueBySource(ctx context.Context, days int) (_ []SourceStats, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "attribution.revenue_by_source")
	defer func() { endSpan(err) }()

	if days < 1 || days > MaxDays {
		return nil, ErrInvalidPeriod
	}

	now := e.now().UTC()
	var groups []tracking.SourceTotals
	err = e.store.View(ctx, func(tx store.Tx) error {
		var err error
		groups, err = tx.Events().BySource(ctx, now.AddDate(0, 0, -days), now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sources: %w", err)
	}

	tracking.SortSources(groups)
	out := make([]SourceStats, 0, len(groups))
	for _, g := range groups {
		out = append(out, SourceStats{
			Source:  g.Source,
			Clicks:  g.Clicks,
			Revenue: g.Revenue,
			EPC:     EPC(g.Revenue, g.Clicks),
		})
	}
	return out, nil
}

// ArticleStats returns all-time metrics for the article with the given slug.
func (e *Engine) ArticleStats(ctx context.Context, slug string) (*ArticleStats, error) {
	a, err := e.articles.Resolve(ctx, slug)
	if err != nil {
		return nil, err
	}

	var t tracking.Totals
	err = e.store.View(ctx, func(tx store.Tx) error {
		var err error
		t, err = tx.Events().Totals(ctx, tracking.Filter{ArticleID: a.ID})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate article %s: %w", slug, err)
	}

	return &ArticleStats{
		ArticleID:      a.ID,
		Slug:           a.Slug,
		Views:          t.Views,
		Clicks:         t.Clicks,
		Conversions:    t.Conversions,
		Revenue:        t.Revenue,
		CTR:            CTR(t.Clicks, t.Views),
		ConversionRate: ConversionRate(t.Conversions, t.Clicks),
		EPC:            EPC(t.Revenue, t.Clicks),
	}, nil
}

// Summary returns all-time totals across every event.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	var (
		t      tracking.Totals
		active []*affiliate.Link
	)
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		if t, err = tx.Events().Totals(ctx, tracking.Filter{}); err != nil {
			return err
		}
		active, err = tx.Links().List(ctx, true)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build summary: %w", err)
	}

	return &Summary{
		Views:          t.Views,
		Clicks:         t.Clicks,
		Conversions:    t.Conversions,
		Revenue:        t.Revenue,
		CTR:            CTR(t.Clicks, t.Views),
		ConversionRate: ConversionRate(t.Conversions, t.Clicks),
		EPC:            EPC(t.Revenue, t.Clicks),
		ActiveLinks:    len(active),
	}, nil
}

func statsFor(l *affiliate.Link) LinkStats {
	return LinkStats{
		LinkID:           l.LinkID,
		Name:             l.Name,
		DestinationURL:   l.DestinationURL,
		AffiliateProgram: l.AffiliateProgram,
		CommissionRate:   l.CommissionRate,
		CommissionType:   string(l.CommissionType),
		ArticleID:        l.ArticleID,
		IsActive:         l.IsActive,
		Clicks:           l.Clicks,
		Conversions:      l.Conversions,
		Revenue:          l.Revenue,
		EPC:              EPC(l.Revenue, l.Clicks),
		ConversionRate:   ConversionRate(l.Conversions, l.Clicks),
		LastClickAt:      l.LastClickAt,
		CreatedAt:        l.CreatedAt,
		UpdatedAt:        l.UpdatedAt,
	}
}
