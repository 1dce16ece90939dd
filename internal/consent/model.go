// Package consent stores consent assertions and data subject access requests,
// both keyed by a hashed email address.
package consent

import (
	"errors"
	"time"
)

var (
	// ErrInvalidType is returned for an unrecognized consent type.
	ErrInvalidType = errors.New("invalid consent type")
	// ErrRequestNotFound is returned when a DSAR request does not exist.
	ErrRequestNotFound = errors.New("data request not found")
)

// Type is a category of processing the user can consent to.
type Type string

const (
	TypeAnalytics Type = "analytics"
	TypeMarketing Type = "marketing"
	TypeNecessary Type = "necessary"
)

// Types lists every consent type in display order.
var Types = []Type{TypeAnalytics, TypeMarketing, TypeNecessary}

// ParseType validates a consent type. "required" is accepted as an alias
// for "necessary".
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeAnalytics, TypeMarketing, TypeNecessary:
		return Type(s), nil
	case "required":
		return TypeNecessary, nil
	}
	return "", ErrInvalidType
}

// Status is the outcome of a consent assertion.
type Status string

const (
	StatusGranted   Status = "granted"
	StatusDenied    Status = "denied"
	StatusWithdrawn Status = "withdrawn"
)

// Record is one consent assertion. History is append-only: the newest record
// per (UserHash, Type) is the current state.
type Record struct {
	ID            string
	UserHash      string
	Type          Type
	Status        Status
	GrantedAt     time.Time // time of the assertion, whatever its status
	ExpiresAt     *time.Time
	IPHash        string
	UserAgentHash string
}

// Granted reports whether the record grants consent at the given time.
func (r *Record) Granted(now time.Time) bool {
	if r.Status != StatusGranted {
		return false
	}
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// Current returns the newest record per consent type. records must be
// ordered newest first, as returned by Repository.ListByUser.
func Current(records []*Record) map[Type]*Record {
	current := make(map[Type]*Record)
	for _, r := range records {
		if _, seen := current[r.Type]; !seen {
			current[r.Type] = r
		}
	}
	return current
}

// RequestType is the kind of data subject access request.
type RequestType string

const (
	RequestExport RequestType = "export"
	RequestDelete RequestType = "delete"
	RequestUpdate RequestType = "update"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case RequestExport, RequestDelete, RequestUpdate:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of a request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// RequestTTL is how long a request and any export link stay valid.
const RequestTTL = 7 * 24 * time.Hour

// ProcessingLease is how long a processing claim holds. A request still
// processing after the lease was abandoned and may be claimed again.
const ProcessingLease = 15 * time.Minute

// Request is a data subject access request. Only a masked form of the email
// is kept; lookups go through UserHash.
type Request struct {
	ID                string
	MaskedEmail       string
	UserHash          string
	Type              RequestType
	Status            RequestStatus
	VerificationToken string
	VerifiedAt        *time.Time
	ClaimedAt         *time.Time // start of the current processing attempt
	ProcessedAt       *time.Time
	ExportURL         string
	FailureReason     string
	ExpiresAt         time.Time
	IPHash            string
	CreatedAt         time.Time
}

// Expired reports whether the request can no longer be verified or processed.
func (r *Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Abandoned reports whether a processing request outlived its claim without
// finishing.
func (r *Request) Abandoned(now time.Time) bool {
	if r.Status != RequestProcessing || r.ProcessedAt != nil {
		return false
	}
	return r.ClaimedAt == nil || !now.Before(r.ClaimedAt.Add(ProcessingLease))
}

func cloneRecord(r *Record) *Record {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func cloneRequest(r *Request) *Request {
	c := *r
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		c.VerifiedAt = &t
	}
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		c.ClaimedAt = &t
	}
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
