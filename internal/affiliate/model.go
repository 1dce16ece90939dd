// Package affiliate manages affiliate links and their click, conversion and
// revenue counters.
package affiliate

import (
	"errors"
	"time"

	"github.com/onnwee/autocash/internal/money"
)

var (
	// ErrLinkNotFound is returned when a link does not exist.
	ErrLinkNotFound = errors.New("affiliate link not found")
	// ErrLinkExists is returned when creating a link whose ID is taken.
	ErrLinkExists = errors.New("affiliate link already exists")
	// ErrLinkInactive is returned when a disabled link is used for a redirect.
	ErrLinkInactive = errors.New("affiliate link is inactive")
)

// CommissionType describes how CommissionRate is applied.
type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFixed      CommissionType = "fixed"
)

// Link is an affiliate link. Clicks, Conversions and Revenue only ever grow
// and are changed exclusively through RecordClick and RecordConversion.
type Link struct {
	LinkID           string
	Name             string
	DestinationURL   string
	AffiliateProgram string
	CommissionRate   float64
	CommissionType   CommissionType
	Clicks           int64
	Conversions      int64
	Revenue          money.Cents
	IsActive         bool
	ArticleID        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastClickAt      *time.Time
}

// Order is a stored counter that links can be ranked by.
type Order string

const (
	OrderRevenue     Order = "revenue"
	OrderClicks      Order = "clicks"
	OrderConversions Order = "conversions"
)

// Valid reports whether o is a stored counter.
func (o Order) Valid() bool {
	switch o {
	case OrderRevenue, OrderClicks, OrderConversions:
		return true
	}
	return false
}

func (o Order) value(l *Link) int64 {
	switch o {
	case OrderClicks:
		return l.Clicks
	case OrderConversions:
		return l.Conversions
	default:
		return int64(l.Revenue)
	}
}

func cloneLink(l *Link) *Link {
	c := *l
	if l.ArticleID != nil {
		a := *l.ArticleID
		c.ArticleID = &a
	}
	if l.LastClickAt != nil {
		t := *l.LastClickAt
		c.LastClickAt = &t
	}
	return &c
}
