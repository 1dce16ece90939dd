package dsar

import (
	"time"

	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/consent"
	"github.com/onnwee/autocash/internal/money"
	"github.com/onnwee/autocash/internal/tracking"
)

// ExportBundle is everything held about one user hash.
type ExportBundle struct {
	UserHash   string       `json:"user_hash"`
	ExportedAt time.Time    `json:"exported_at"`
	Counts     ExportCounts `json:"counts"`
	Data       ExportData   `json:"data"`
}

// ExportCounts summarises a bundle. It is also recorded in the audit log.
type ExportCounts struct {
	Consents  int `json:"consents"`
	Events    int `json:"tracking_events"`
	AuditLogs int `json:"audit_logs"`
}

// ExportData holds the exported records.
type ExportData struct {
	Consents  []ConsentExport     `json:"consents"`
	Events    []EventExport       `json:"tracking_events"`
	AuditLogs []audit.ExportedLog `json:"audit_logs"`
}

// ConsentExport is a consent record as shown to its subject.
type ConsentExport struct {
	ID        string     `json:"id"`
	Type      string     `json:"consent_type"`
	Status    string     `json:"status"`
	Granted   bool       `json:"granted"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// EventExport is a tracking event as shown to its subject.
type EventExport struct {
	ID          string       `json:"id"`
	Type        string       `json:"event_type"`
	ArticleID   *string      `json:"article_id,omitempty"`
	LinkID      *string      `json:"link_id,omitempty"`
	UTMSource   *string      `json:"utm_source,omitempty"`
	UTMMedium   *string      `json:"utm_medium,omitempty"`
	UTMCampaign *string      `json:"utm_campaign,omitempty"`
	Revenue     *money.Cents `json:"revenue,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DeletionReceipt records what a deletion removed.
type DeletionReceipt struct {
	UserHash          string    `json:"user_hash"`
	ConsentsDeleted   int64     `json:"consents_deleted"`
	EventsDeleted     int64     `json:"tracking_events_deleted"`
	RecordsDeleted    int64     `json:"records_deleted"`
	AuditLogsRetained bool      `json:"audit_logs_retained"`
	DeletedAt         time.Time `json:"deleted_at"`
}

// ConsentState is the current state of one consent type.
type ConsentState struct {
	Type      consent.Type   `json:"consent_type"`
	Granted   bool           `json:"granted"`
	Status    consent.Status `json:"status,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

func exportConsent(r *consent.Record, now time.Time) ConsentExport {
	return ConsentExport{
		ID:        r.ID,
		Type:      string(r.Type),
		Status:    string(r.Status),
		Granted:   r.Granted(now),
		GrantedAt: r.GrantedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

func exportEvent(e *tracking.Event) EventExport {
	return EventExport{
		ID:          e.ID,
		Type:        string(e.Type),
		ArticleID:   e.ArticleID,
		LinkID:      e.LinkID,
		UTMSource:   e.UTM.Source,
		UTMMedium:   e.UTM.Medium,
		UTMCampaign: e.UTM.Campaign,
		Revenue:     e.Revenue,
		CreatedAt:   e.CreatedAt,
	}
}
