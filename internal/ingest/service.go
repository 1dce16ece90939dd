// Package ingest records tracking events and maintains affiliate link
// counters. It is the only writer of tracking events and link counters.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/autocash/internal/affiliate"
	"github.com/onnwee/autocash/internal/article"
	"github.com/onnwee/autocash/internal/money"
	"github.com/onnwee/autocash/internal/privacy"
	"github.com/onnwee/autocash/internal/store"
	"github.com/onnwee/autocash/internal/tracing"
	"github.com/onnwee/autocash/internal/tracking"
)

// Validation errors. All of them wrap ErrValidation and are returned before
// anything is written.
var (
	ErrValidation       = errors.New("validation error")
	ErrInvalidEventType = fmt.Errorf("%w: event type must be view, click or conversion", ErrValidation)
	ErrNegativeRevenue  = fmt.Errorf("%w: revenue must not be negative", ErrValidation)
	ErrRevenueTooLarge  = fmt.Errorf("%w: revenue must not exceed %s", ErrValidation, money.MaxAmount)
	ErrMissingHash      = fmt.Errorf("%w: session hash must be a 64-character hex digest", ErrValidation)
	ErrInvalidHash      = fmt.Errorf("%w: ip and user agent hashes must be 64-character hex digests", ErrValidation)
	ErrMissingLinkID    = fmt.Errorf("%w: link id is required", ErrValidation)
)

// EventInput describes an interaction to record. Identifiers must already be
// hashed; references that do not resolve are stored as null.
type EventInput struct {
	Type        tracking.EventType
	ArticleSlug string
	LinkID      string
	SessionHash string
	IPHash      string
	UAHash      string
	UTM         tracking.UTM
	Revenue     *money.Cents
}

// ClickInput describes an affiliate link click.
type ClickInput struct {
	LinkID      string
	ArticleSlug string
	SessionHash string
	IPHash      string
	UAHash      string
	UTM         tracking.UTM
}

// ConversionInput describes a conversion reported by an affiliate program.
type ConversionInput struct {
	LinkID      string
	Revenue     money.Cents
	ArticleSlug string
	SessionHash string // optional; derived from the link when empty
}

// Config configures the ingestion service.
type Config struct {
	Store    store.Store
	Articles article.Resolver
	Metrics  *Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service records events.
type Service struct {
	store    store.Store
	articles article.Resolver
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an ingestion service.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Articles == nil {
		cfg.Articles = article.NewInMemoryDirectory()
	}
	return &Service{
		store:    cfg.Store,
		articles: cfg.Articles,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

func validate(in EventInput) error {
	if !in.Type.Valid() {
		return ErrInvalidEventType
	}
	if in.Revenue != nil {
		if err := checkRevenue(*in.Revenue); err != nil {
			return err
		}
	}
	if !privacy.IsDigest(in.SessionHash) {
		return ErrMissingHash
	}
	if (in.IPHash != "" && !privacy.IsDigest(in.IPHash)) || (in.UAHash != "" && !privacy.IsDigest(in.UAHash)) {
		return ErrInvalidHash
	}
	return nil
}

func checkRevenue(r money.Cents) error {
	switch {
	case r < 0:
		return ErrNegativeRevenue
	case r > money.MaxAmount:
		return ErrRevenueTooLarge
	}
	return nil
}

// RecordEvent stores one event. A conversion tied to an existing link also
// bumps the link's conversion and revenue counters in the same transaction.
func (s *Service) RecordEvent(ctx context.Context, in EventInput) (*tracking.Event, error) {
	return s.record(ctx, in, nil)
}

// record stores an event; fallbackArticle is used when the slug does not resolve.
func (s *Service) record(ctx context.Context, in EventInput, fallbackArticle *string) (_ *tracking.Event, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ingest.record_event")
	defer func() { endSpan(err) }()

	if err := validate(in); err != nil {
		s.metrics.incFailed("validation")
		return nil, err
	}

	articleID := s.resolveArticle(ctx, in.ArticleSlug)
	if articleID == nil {
		articleID = fallbackArticle
	}
	event := &tracking.Event{
		ID:          uuid.New().String(),
		Type:        in.Type,
		ArticleID:   articleID,
		SessionHash: in.SessionHash,
		IPHash:      in.IPHash,
		UAHash:      in.UAHash,
		UTM:         in.UTM,
		Revenue:     in.Revenue,
		CreatedAt:   s.now().UTC(),
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		event.LinkID = nil
		if in.LinkID != "" {
			if _, err := tx.Links().Get(ctx, in.LinkID); err == nil {
				id := in.LinkID
				event.LinkID = &id
			} else if !errors.Is(err, affiliate.ErrLinkNotFound) {
				return err
			}
		}

		if err := tx.Events().Insert(ctx, event); err != nil {
			return err
		}

		if event.Type == tracking.EventConversion && event.LinkID != nil {
			var revenue money.Cents
			if event.Revenue != nil {
				revenue = *event.Revenue
			}
			return tx.Links().RecordConversion(ctx, *event.LinkID, revenue)
		}
		return nil
	})
	if err != nil {
		s.metrics.incFailed("store")
		return nil, fmt.Errorf("failed to record %s event: %w", in.Type, err)
	}

	s.metrics.incRecorded(string(event.Type))
	if event.Type == tracking.EventConversion && event.Revenue != nil {
		s.metrics.addRevenue(int64(*event.Revenue))
	}
	return event, nil
}

// RecordClickAndRedirect returns the destination of an active link and
// records the click. The click counter and click event are written in one
// transaction before returning; if that write fails the failure is logged
// and counted, and the destination is still returned so the visitor is
// never stranded.
func (s *Service) RecordClickAndRedirect(ctx context.Context, in ClickInput) (_ string, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ingest.record_click")
	defer func() { endSpan(err) }()

	if in.LinkID == "" {
		return "", ErrMissingLinkID
	}

	var link *affiliate.Link
	err = s.store.View(ctx, func(tx store.Tx) error {
		var err error
		link, err = tx.Links().Get(ctx, in.LinkID)
		return err
	})
	if err != nil {
		if errors.Is(err, affiliate.ErrLinkNotFound) {
			s.metrics.incRedirect(RedirectNotFound)
		}
		return "", err
	}
	if !link.IsActive {
		s.metrics.incRedirect(RedirectNotFound)
		return "", affiliate.ErrLinkInactive
	}

	if recErr := s.recordClick(ctx, link, in); recErr != nil {
		s.logger.Warn("click not recorded, redirecting anyway",
			"link_id", link.LinkID,
			"error", recErr,
		)
		s.metrics.incFailed("click_store")
		s.metrics.incRedirect(RedirectUnrecorded)
		return link.DestinationURL, nil
	}

	s.metrics.incRecorded(string(tracking.EventClick))
	s.metrics.incRedirect(RedirectRecorded)
	return link.DestinationURL, nil
}

func (s *Service) recordClick(ctx context.Context, link *affiliate.Link, in ClickInput) error {
	if !privacy.IsDigest(in.SessionHash) {
		return ErrMissingHash
	}

	articleID := s.resolveArticle(ctx, in.ArticleSlug)
	if articleID == nil && link.ArticleID != nil {
		a := *link.ArticleID
		articleID = &a
	}
	linkID := link.LinkID
	now := s.now().UTC()
	event := &tracking.Event{
		ID:          uuid.New().String(),
		Type:        tracking.EventClick,
		ArticleID:   articleID,
		LinkID:      &linkID,
		SessionHash: in.SessionHash,
		IPHash:      in.IPHash,
		UAHash:      in.UAHash,
		UTM:         in.UTM,
		CreatedAt:   now,
	}

	return s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Links().RecordClick(ctx, linkID, now); err != nil {
			return err
		}
		return tx.Events().Insert(ctx, event)
	})
}

// ReportConversion records revenue attributed to a link. The link must exist.
// Without a caller-supplied session hash the event is keyed by a digest of
// the link ID, since affiliate programs do not report visitor identity.
func (s *Service) ReportConversion(ctx context.Context, in ConversionInput) (*tracking.Event, error) {
	if in.LinkID == "" {
		return nil, ErrMissingLinkID
	}
	if err := checkRevenue(in.Revenue); err != nil {
		return nil, err
	}

	var link *affiliate.Link
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		link, err = tx.Links().Get(ctx, in.LinkID)
		return err
	})
	if err != nil {
		return nil, err
	}

	session := in.SessionHash
	if session == "" {
		session = privacy.HashIdentifier("conversion:"+link.LinkID, "")
	}
	revenue := in.Revenue

	return s.record(ctx, EventInput{
		Type:        tracking.EventConversion,
		ArticleSlug: in.ArticleSlug,
		LinkID:      link.LinkID,
		SessionHash: session,
		Revenue:     &revenue,
	}, link.ArticleID)
}

func (s *Service) resolveArticle(ctx context.Context, slug string) *string {
	if slug == "" {
		return nil
	}
	a, err := s.articles.Resolve(ctx, slug)
	if err != nil {
		if !errors.Is(err, article.ErrArticleNotFound) {
			s.logger.Warn("article lookup failed, recording without reference", "slug", slug, "error", err)
		}
		return nil
	}
	id := a.ID
	return &id
}
