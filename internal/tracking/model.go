// Package tracking stores view, click and conversion events. Every identifier
// on an event is a salted digest; raw IPs and user agents never reach storage.
package tracking

import (
	"time"

	"github.com/onnwee/autocash/internal/money"
)

// EventType is the kind of tracked interaction.
type EventType string

const (
	EventView       EventType = "view"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventView, EventClick, EventConversion:
		return true
	}
	return false
}

// UTM holds the optional campaign attribution parameters.
type UTM struct {
	Source   *string
	Medium   *string
	Campaign *string
}

// Event is an immutable tracked interaction.
type Event struct {
	ID          string
	Type        EventType
	ArticleID   *string // nil when the article reference did not resolve
	LinkID      *string // nil when the link reference did not resolve
	SessionHash string
	IPHash      string
	UAHash      string
	UTM         UTM
	Revenue     *money.Cents
	CreatedAt   time.Time
}

// Filter selects events for aggregation. Zero values mean "no constraint".
type Filter struct {
	From      time.Time // inclusive
	To        time.Time // inclusive
	ArticleID string
	LinkID    string
}

func (f Filter) matches(e *Event) bool {
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	if f.ArticleID != "" && (e.ArticleID == nil || *e.ArticleID != f.ArticleID) {
		return false
	}
	if f.LinkID != "" && (e.LinkID == nil || *e.LinkID != f.LinkID) {
		return false
	}
	return true
}

// Totals aggregates events matching a Filter. Revenue is summed over every
// event type; conversions normally carry it.
type Totals struct {
	Views       int64
	Clicks      int64
	Conversions int64
	Revenue     money.Cents
}

// SourceTotals aggregates events sharing a utm_source.
type SourceTotals struct {
	Source  string
	Clicks  int64 // click events only
	Revenue money.Cents
}

func cloneEvent(e *Event) *Event {
	c := *e
	c.ArticleID = cloneString(e.ArticleID)
	c.LinkID = cloneString(e.LinkID)
	c.UTM = UTM{
		Source:   cloneString(e.UTM.Source),
		Medium:   cloneString(e.UTM.Medium),
		Campaign: cloneString(e.UTM.Campaign),
	}
	if e.Revenue != nil {
		r := *e.Revenue
		c.Revenue = &r
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
