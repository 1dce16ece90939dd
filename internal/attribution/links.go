package attribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/autocash/internal/affiliate"
	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/store"
	"github.com/onnwee/autocash/internal/tracing"
	"github.com/onnwee/autocash/internal/validate"
)

// ErrInvalidLink is wrapped by every link validation failure.
var ErrInvalidLink = errors.New("invalid affiliate link")

// MaxPercentageRate caps percentage commissions.
const MaxPercentageRate = 100

// LinkInput describes a new affiliate link.
type LinkInput struct {
	LinkID           string
	Name             string
	DestinationURL   string
	AffiliateProgram string
	CommissionRate   float64
	CommissionType   affiliate.CommissionType // defaults to percentage
	ArticleSlug      string
}

// LinkUpdate holds the editable fields of a link. Nil fields are unchanged.
// Counters are never editable.
type LinkUpdate struct {
	Name             *string
	DestinationURL   *string
	AffiliateProgram *string
	CommissionRate   *float64
	CommissionType   *affiliate.CommissionType
	IsActive         *bool
	ArticleSlug      *string // empty string clears the article
}

func invalidLink(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidLink, err)
}

func checkCommission(rate float64, typ affiliate.CommissionType) error {
	switch typ {
	case affiliate.CommissionPercentage:
		if rate < 0 || rate > MaxPercentageRate {
			return fmt.Errorf("%w: percentage commission must be between 0 and %d", ErrInvalidLink, MaxPercentageRate)
		}
	case affiliate.CommissionFixed:
		if rate < 0 {
			return fmt.Errorf("%w: fixed commission must not be negative", ErrInvalidLink)
		}
	default:
		return fmt.Errorf("%w: commission type must be percentage or fixed", ErrInvalidLink)
	}
	return nil
}

// articleRef resolves an optional slug. Unknown slugs become a null
// reference, matching how events treat dangling articles.
func (e *Engine) articleRef(ctx context.Context, slug string) (*string, error) {
	if slug == "" {
		return nil, nil
	}
	if _, err := validate.Slug(slug); err != nil {
		return nil, invalidLink(err)
	}
	a, err := e.articles.Resolve(ctx, slug)
	if err != nil {
		return nil, nil
	}
	id := a.ID
	return &id, nil
}

// CreateLink validates and stores a new active link with zeroed counters.
// Returns affiliate.ErrLinkExists when the ID is taken.
func (e *Engine) CreateLink(ctx context.Context, in LinkInput, actor string) (_ *LinkStats, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "attribution.create_link")
	defer func() { endSpan(err) }()

	link := &affiliate.Link{
		CommissionRate: in.CommissionRate,
		CommissionType: in.CommissionType,
		IsActive:       true,
	}
	if link.CommissionType == "" {
		link.CommissionType = affiliate.CommissionPercentage
	}
	if link.LinkID, err = validate.Identifier(in.LinkID); err != nil {
		return nil, invalidLink(fmt.Errorf("link_id: %w", err))
	}
	if link.Name, err = validate.Label(in.Name, false); err != nil {
		return nil, invalidLink(fmt.Errorf("name: %w", err))
	}
	if link.DestinationURL, err = validate.DestinationURL(in.DestinationURL); err != nil {
		return nil, invalidLink(fmt.Errorf("destination_url: %w", err))
	}
	if link.AffiliateProgram, err = validate.Label(in.AffiliateProgram, true); err != nil {
		return nil, invalidLink(fmt.Errorf("affiliate_program: %w", err))
	}
	if err = checkCommission(link.CommissionRate, link.CommissionType); err != nil {
		return nil, err
	}
	if link.ArticleID, err = e.articleRef(ctx, in.ArticleSlug); err != nil {
		return nil, err
	}

	link.CreatedAt = e.now().UTC()
	link.UpdatedAt = link.CreatedAt

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Links().Create(ctx, link); err != nil {
			return err
		}
		_, err := tx.Audit().Append(ctx, audit.Entry{
			Action:  audit.ActionLinkCreated,
			Details: map[string]any{"link_id": link.LinkID, "actor": actor},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s := statsFor(link)
	return &s, nil
}

// UpdateLink applies the non-nil fields of in. Returns
// affiliate.ErrLinkNotFound for unknown links.
func (e *Engine) UpdateLink(ctx context.Context, linkID string, in LinkUpdate, actor string) (_ *LinkStats, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "attribution.update_link")
	defer func() { endSpan(err) }()

	var articleID *string
	if in.ArticleSlug != nil {
		if articleID, err = e.articleRef(ctx, *in.ArticleSlug); err != nil {
			return nil, err
		}
	}

	var updated *affiliate.Link
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		link, err := tx.Links().Get(ctx, linkID)
		if err != nil {
			return err
		}

		changed := make([]string, 0, 7)
		if in.Name != nil {
			if link.Name, err = validate.Label(*in.Name, false); err != nil {
				return invalidLink(fmt.Errorf("name: %w", err))
			}
			changed = append(changed, "name")
		}
		if in.DestinationURL != nil {
			if link.DestinationURL, err = validate.DestinationURL(*in.DestinationURL); err != nil {
				return invalidLink(fmt.Errorf("destination_url: %w", err))
			}
			changed = append(changed, "destination_url")
		}
		if in.AffiliateProgram != nil {
			if link.AffiliateProgram, err = validate.Label(*in.AffiliateProgram, true); err != nil {
				return invalidLink(fmt.Errorf("affiliate_program: %w", err))
			}
			changed = append(changed, "affiliate_program")
		}
		if in.CommissionRate != nil {
			link.CommissionRate = *in.CommissionRate
			changed = append(changed, "commission_rate")
		}
		if in.CommissionType != nil {
			link.CommissionType = *in.CommissionType
			changed = append(changed, "commission_type")
		}
		if err := checkCommission(link.CommissionRate, link.CommissionType); err != nil {
			return err
		}
		if in.IsActive != nil {
			link.IsActive = *in.IsActive
			changed = append(changed, "is_active")
		}
		if in.ArticleSlug != nil {
			link.ArticleID = articleID
			changed = append(changed, "article")
		}
		if len(changed) == 0 {
			updated = link
			return nil
		}

		link.UpdatedAt = e.now().UTC()
		if err := tx.Links().Update(ctx, link); err != nil {
			return err
		}
		updated = link
		_, err = tx.Audit().Append(ctx, audit.Entry{
			Action:  audit.ActionLinkUpdated,
			Details: map[string]any{"link_id": link.LinkID, "actor": actor, "fields": changed},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s := statsFor(updated)
	return &s, nil
}

// ListLinks returns links ordered by ID with their derived ratios.
func (e *Engine) ListLinks(ctx context.Context, activeOnly bool) ([]LinkStats, error) {
	var links []*affiliate.Link
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		links, err = tx.Links().List(ctx, activeOnly)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	out := make([]LinkStats, 0, len(links))
	for _, l := range links {
		out = append(out, statsFor(l))
	}
	return out, nil
}
