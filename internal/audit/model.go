// Package audit provides the append-only log of privacy-relevant actions.
// Entries are never updated or deleted, including by data deletion requests,
// so the log can show what happened to whose data after the data itself is gone.
package audit

import (
	"time"
)

// Actions recorded by the ledger, admin and link management operations.
const (
	ActionConsentGrant          = "consent_grant"
	ActionConsentRevoke         = "consent_revoke"
	ActionDataExportCompleted   = "data_export_completed"
	ActionDataDeletionCompleted = "data_deletion_completed"
	ActionRequestCreated        = "dsar_request_created"
	ActionRequestVerified       = "dsar_request_verified"
	ActionRequestCompleted      = "dsar_request_completed"
	ActionRequestFailed         = "dsar_request_failed"
	ActionRequestReleased       = "dsar_request_released"
	ActionRetentionPurge        = "retention_purge"
	ActionKillSwitchChanged     = "killswitch_changed"
	ActionAuditExported         = "audit_log_export"
	ActionLinkCreated           = "affiliate_link_created"
	ActionLinkUpdated           = "affiliate_link_updated"
)

// AuditLog is a single immutable entry in the log.
type AuditLog struct {
	ID        string
	Seq       int64
	Action    string
	UserHash  string
	Details   map[string]any
	IPHash    string
	CreatedAt time.Time

	// Tamper detection
	PreviousHash string // Hash of the preceding entry, empty for the first entry
	Hash         string // Hash of this entry including PreviousHash
}

// Entry is the input for appending to the log.
type Entry struct {
	Action   string
	UserHash string
	Details  map[string]any
	IPHash   string
}

// Filter narrows log queries. Zero values mean "no constraint".
type Filter struct {
	Action   string
	UserHash string
	From     time.Time // inclusive
	To       time.Time // inclusive
	Limit    int
}

func (f Filter) matches(l *AuditLog) bool {
	if f.Action != "" && l.Action != f.Action {
		return false
	}
	if f.UserHash != "" && l.UserHash != f.UserHash {
		return false
	}
	if !f.From.IsZero() && l.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && l.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func cloneLog(l *AuditLog) *AuditLog {
	c := *l
	c.Details = cloneDetails(l.Details)
	return &c
}

func cloneDetails(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	c := make(map[string]any, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}
