// Package dsar implements the consent ledger and data subject rights: consent
// changes, export and deletion of a user's data, and the verified request
// workflow around them. Every change is audited in the same transaction as
// the mutation it documents.
package dsar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/consent"
	"github.com/onnwee/autocash/internal/exportstore"
	"github.com/onnwee/autocash/internal/privacy"
	"github.com/onnwee/autocash/internal/store"
	"github.com/onnwee/autocash/internal/tracing"
	"github.com/onnwee/autocash/internal/tracking"
	"github.com/onnwee/autocash/internal/validate"
)

// ConfirmationPhrase must be supplied verbatim to delete a user's data.
const ConfirmationPhrase = "DELETE MY DATA"

var (
	// ErrInvalidConsentType is returned for an unrecognized consent type.
	ErrInvalidConsentType = consent.ErrInvalidType
	// ErrConfirmationMismatch is returned when the deletion phrase is wrong.
	ErrConfirmationMismatch = errors.New("confirmation phrase does not match")
	// ErrInvalidEmail is returned when the email cannot identify a subject.
	ErrInvalidEmail = errors.New("invalid email address")
)

func isRejection(err error) bool {
	return errors.Is(err, ErrConfirmationMismatch) ||
		errors.Is(err, ErrInvalidConsentType) ||
		errors.Is(err, ErrInvalidEmail) ||
		errors.Is(err, ErrInvalidRequestType) ||
		errors.Is(err, ErrRequestExpired) ||
		errors.Is(err, ErrRequestNotVerified) ||
		errors.Is(err, ErrRequestClosed) ||
		errors.Is(err, consent.ErrRequestNotFound)
}

// Config configures the ledger.
type Config struct {
	Store   store.Store
	Hasher  *privacy.Hasher
	Exports exportstore.Store // required only for export requests

	// ConsentTTL is how long a grant stays valid. Zero means grants never expire.
	ConsentTTL time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Ledger owns consent records and data subject operations.
type Ledger struct {
	store      store.Store
	hasher     *privacy.Hasher
	exports    exportstore.Store
	consentTTL time.Duration
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewLedger creates a ledger.
func NewLedger(cfg Config) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ledger{
		store:      cfg.Store,
		hasher:     cfg.Hasher,
		exports:    cfg.Exports,
		consentTTL: cfg.ConsentTTL,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// UserHash validates an email and returns the hash every record is keyed by.
func (l *Ledger) UserHash(email string) (string, error) {
	normalized, err := validate.Email(email)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	return l.hasher.Email(normalized), nil
}

// ConsentInput is a consent assertion. IP and UserAgent are raw and are
// hashed before storage.
type ConsentInput struct {
	Email     string
	Type      string
	Granted   bool
	IP        string
	UserAgent string
}

// SetConsent appends a consent record and its audit entry. A refusal is
// stored as withdrawn when consent was previously granted and as denied
// otherwise.
func (l *Ledger) SetConsent(ctx context.Context, in ConsentInput) (_ *consent.Record, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "dsar.set_consent")
	defer func() {
		l.metrics.observe("set_consent", err)
		endSpan(err)
	}()

	consentType, err := consent.ParseType(in.Type)
	if err != nil {
		return nil, err
	}
	userHash, err := l.UserHash(in.Email)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC().Truncate(time.Microsecond)
	record := &consent.Record{
		UserHash:      userHash,
		Type:          consentType,
		GrantedAt:     now,
		IPHash:        l.optionalHash(l.hasher.IP, in.IP),
		UserAgentHash: l.optionalHash(l.hasher.UserAgent, in.UserAgent),
	}
	if in.Granted && l.consentTTL > 0 {
		exp := now.Add(l.consentTTL)
		record.ExpiresAt = &exp
	}

	err = l.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockUser(ctx, userHash); err != nil {
			return err
		}

		record.ID = uuid.New().String()
		record.Status = consent.StatusGranted
		if !in.Granted {
			history, err := tx.Consents().ListByUser(ctx, userHash)
			if err != nil {
				return err
			}
			record.Status = consent.StatusDenied
			if prev, ok := consent.Current(history)[consentType]; ok && prev.Status == consent.StatusGranted {
				record.Status = consent.StatusWithdrawn
			}
		}

		if err := tx.Consents().Insert(ctx, record); err != nil {
			return err
		}

		action := audit.ActionConsentGrant
		if !in.Granted {
			action = audit.ActionConsentRevoke
		}
		_, err := tx.Audit().Append(ctx, audit.Entry{
			Action:   action,
			UserHash: userHash,
			Details: map[string]any{
				"consent_type": string(consentType),
				"status":       string(record.Status),
			},
			IPHash: record.IPHash,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set consent: %w", err)
	}

	l.metrics.incConsent(string(record.Type), string(record.Status))
	l.logger.Info("consent recorded",
		"user_hash", userHash,
		"consent_type", record.Type,
		"status", record.Status,
	)
	return record, nil
}

func (l *Ledger) optionalHash(fn func(string) string, raw string) string {
	if raw == "" {
		return ""
	}
	return fn(raw)
}

// ListConsents returns every consent record for the email, newest first.
func (l *Ledger) ListConsents(ctx context.Context, email string) ([]*consent.Record, error) {
	userHash, err := l.UserHash(email)
	if err != nil {
		return nil, err
	}

	var records []*consent.Record
	err = l.store.View(ctx, func(tx store.Tx) error {
		var err error
		records, err = tx.Consents().ListByUser(ctx, userHash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	return records, nil
}

// CurrentConsents returns the current state of every consent type. Types
// never asserted are reported as not granted.
func (l *Ledger) CurrentConsents(ctx context.Context, email string) ([]ConsentState, error) {
	records, err := l.ListConsents(ctx, email)
	if err != nil {
		return nil, err
	}

	now := l.now()
	current := consent.Current(records)
	out := make([]ConsentState, 0, len(consent.Types))
	for _, t := range consent.Types {
		state := ConsentState{Type: t}
		if r, ok := current[t]; ok {
			at := r.GrantedAt
			state.Granted = r.Granted(now)
			state.Status = r.Status
			state.UpdatedAt = &at
			state.ExpiresAt = r.ExpiresAt
		}
		out = append(out, state)
	}
	return out, nil
}

// ExportUserData gathers everything held about the email. It changes nothing
// except appending an audit entry with the exported counts.
func (l *Ledger) ExportUserData(ctx context.Context, email, ip string) (_ *ExportBundle, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "dsar.export_user_data")
	defer func() {
		l.metrics.observe("export", err)
		endSpan(err)
	}()

	userHash, err := l.UserHash(email)
	if err != nil {
		return nil, err
	}
	return l.exportByHash(ctx, userHash, l.optionalHash(l.hasher.IP, ip))
}

func (l *Ledger) exportByHash(ctx context.Context, userHash, ipHash string) (*ExportBundle, error) {
	now := l.now().UTC()
	var bundle *ExportBundle

	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockUser(ctx, userHash); err != nil {
			return err
		}

		consents, err := tx.Consents().ListByUser(ctx, userHash)
		if err != nil {
			return err
		}
		events, err := tx.Events().ListBySession(ctx, userHash)
		if err != nil {
			return err
		}
		logs, err := tx.Audit().QueryByUser(ctx, userHash, 0)
		if err != nil {
			return err
		}

		bundle = buildBundle(userHash, now, consents, events, logs)
		_, err = tx.Audit().Append(ctx, audit.Entry{
			Action:   audit.ActionDataExportCompleted,
			UserHash: userHash,
			Details: map[string]any{
				"consents":        bundle.Counts.Consents,
				"tracking_events": bundle.Counts.Events,
				"audit_logs":      bundle.Counts.AuditLogs,
			},
			IPHash: ipHash,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export user data: %w", err)
	}

	l.logger.Info("user data exported", "user_hash", userHash, "records", bundle.Counts.Consents+bundle.Counts.Events)
	return bundle, nil
}

func buildBundle(userHash string, now time.Time, consents []*consent.Record, events []*tracking.Event, logs []*audit.AuditLog) *ExportBundle {
	data := ExportData{
		Consents:  make([]ConsentExport, 0, len(consents)),
		Events:    make([]EventExport, 0, len(events)),
		AuditLogs: audit.ToExported(logs),
	}
	for _, c := range consents {
		data.Consents = append(data.Consents, exportConsent(c, now))
	}
	for _, e := range events {
		data.Events = append(data.Events, exportEvent(e))
	}
	return &ExportBundle{
		UserHash:   userHash,
		ExportedAt: now,
		Counts: ExportCounts{
			Consents:  len(data.Consents),
			Events:    len(data.Events),
			AuditLogs: len(data.AuditLogs),
		},
		Data: data,
	}
}

// DeleteUserData removes every consent and tracking event for the email.
// Audit entries are kept, and a final entry records the deletion. Nothing is
// deleted unless phrase equals ConfirmationPhrase.
func (l *Ledger) DeleteUserData(ctx context.Context, email, phrase, ip string) (_ *DeletionReceipt, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "dsar.delete_user_data")
	defer func() {
		l.metrics.observe("delete", err)
		endSpan(err)
	}()

	if phrase != ConfirmationPhrase {
		return nil, ErrConfirmationMismatch
	}
	userHash, err := l.UserHash(email)
	if err != nil {
		return nil, err
	}
	return l.deleteByHash(ctx, userHash, l.optionalHash(l.hasher.IP, ip))
}

func (l *Ledger) deleteByHash(ctx context.Context, userHash, ipHash string) (*DeletionReceipt, error) {
	receipt := &DeletionReceipt{UserHash: userHash, AuditLogsRetained: true}

	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockUser(ctx, userHash); err != nil {
			return err
		}

		consents, err := tx.Consents().DeleteByUser(ctx, userHash)
		if err != nil {
			return err
		}
		events, err := tx.Events().DeleteBySession(ctx, userHash)
		if err != nil {
			return err
		}

		receipt.ConsentsDeleted = consents
		receipt.EventsDeleted = events
		receipt.RecordsDeleted = consents + events
		receipt.DeletedAt = l.now().UTC()

		_, err = tx.Audit().Append(ctx, audit.Entry{
			Action:   audit.ActionDataDeletionCompleted,
			UserHash: userHash,
			Details: map[string]any{
				"records_deleted":         receipt.RecordsDeleted,
				"consents_deleted":        consents,
				"tracking_events_deleted": events,
				"audit_logs_retained":     true,
			},
			IPHash: ipHash,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete user data: %w", err)
	}

	l.logger.Info("user data deleted", "user_hash", userHash, "records_deleted", receipt.RecordsDeleted)
	return receipt, nil
}
