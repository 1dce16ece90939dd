package dsar

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/autocash/internal/audit"
	"github.com/onnwee/autocash/internal/consent"
	"github.com/onnwee/autocash/internal/exportstore"
	"github.com/onnwee/autocash/internal/privacy"
	"github.com/onnwee/autocash/internal/store"
	"github.com/onnwee/autocash/internal/tracing"
)

var (
	// ErrInvalidRequestType is returned for an unknown request type.
	ErrInvalidRequestType = errors.New("request type must be export, delete or update")
	// ErrRequestExpired is returned when a request is used after its expiry.
	ErrRequestExpired = errors.New("data request has expired")
	// ErrRequestNotVerified is returned when processing an unverified request.
	ErrRequestNotVerified = errors.New("data request has not been verified")
	// ErrRequestClosed is returned when a request was already processed.
	ErrRequestClosed = errors.New("data request was already processed")
	// ErrExportsUnavailable is returned when no export store is configured.
	ErrExportsUnavailable = errors.New("export storage is not configured")
)

// releaseTimeout bounds the detached write that returns a request to pending.
const releaseTimeout = 5 * time.Second

// RequestInput opens a data subject access request.
type RequestInput struct {
	Email string
	Type  string
	IP    string
}

// CreateRequest opens a pending request. The caller delivers the
// verification token to the email owner out of band.
func (l *Ledger) CreateRequest(ctx context.Context, in RequestInput) (_ *consent.Request, err error) {
	defer func() { l.metrics.observe("create_request", err) }()

	reqType := consent.RequestType(in.Type)
	if !reqType.Valid() {
		return nil, ErrInvalidRequestType
	}
	userHash, err := l.UserHash(in.Email)
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := l.now().UTC().Truncate(time.Microsecond)
	req := &consent.Request{
		ID:                uuid.New().String(),
		MaskedEmail:       privacy.MaskEmail(in.Email),
		UserHash:          userHash,
		Type:              reqType,
		Status:            consent.RequestPending,
		VerificationToken: token,
		ExpiresAt:         now.Add(consent.RequestTTL),
		IPHash:            l.optionalHash(l.hasher.IP, in.IP),
		CreatedAt:         now,
	}

	err = l.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Requests().CreateRequest(ctx, req); err != nil {
			return err
		}
		return l.auditRequest(ctx, tx, audit.ActionRequestCreated, req, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create data request: %w", err)
	}
	return req, nil
}

// tokenBytes is the verification token length before hex encoding.
const tokenBytes = 32

// newToken returns 256 random bits from crypto/rand as 64 hex characters.
func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate verification token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// VerifyRequest marks the request holding token as verified. Verifying an
// already verified request is a no-op.
func (l *Ledger) VerifyRequest(ctx context.Context, token string) (_ *consent.Request, err error) {
	defer func() { l.metrics.observe("verify_request", err) }()

	var req *consent.Request
	err = l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		req, err = tx.Requests().GetRequestByToken(ctx, token)
		if err != nil {
			return err
		}
		if err := tx.LockUser(ctx, req.UserHash); err != nil {
			return err
		}
		if req, err = tx.Requests().GetRequest(ctx, req.ID); err != nil {
			return err
		}

		if req.VerifiedAt != nil {
			return nil
		}
		now := l.now().UTC()
		if req.Expired(now) {
			return ErrRequestExpired
		}
		req.VerifiedAt = &now
		if err := tx.Requests().UpdateRequest(ctx, req); err != nil {
			return err
		}
		return l.auditRequest(ctx, tx, audit.ActionRequestVerified, req, nil)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// GetRequest returns a request by ID.
func (l *Ledger) GetRequest(ctx context.Context, id string) (*consent.Request, error) {
	var req *consent.Request
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		req, err = tx.Requests().GetRequest(ctx, id)
		return err
	})
	return req, err
}

// ListRequests returns the email owner's requests, newest first.
func (l *Ledger) ListRequests(ctx context.Context, email string) ([]*consent.Request, error) {
	userHash, err := l.UserHash(email)
	if err != nil {
		return nil, err
	}
	var reqs []*consent.Request
	err = l.store.View(ctx, func(tx store.Tx) error {
		var err error
		reqs, err = tx.Requests().ListRequestsByUser(ctx, userHash)
		return err
	})
	return reqs, err
}

// ProcessRequest carries out a verified request. Export requests upload the
// bundle and record its link, delete requests run the deletion flow, and
// update requests complete immediately since only hashes are held. A failure
// marks the request failed and is returned.
func (l *Ledger) ProcessRequest(ctx context.Context, id string) (_ *consent.Request, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "dsar.process_request")
	defer func() {
		l.metrics.observe("process_request", err)
		endSpan(err)
	}()

	req, err := l.claim(ctx, id)
	if err != nil {
		return nil, err
	}

	exportURL, procErr := l.carryOut(ctx, req)
	now := l.now().UTC()
	req.ProcessedAt = &now
	action := audit.ActionRequestCompleted
	details := map[string]any{}
	if procErr != nil {
		req.Status = consent.RequestFailed
		req.FailureReason = procErr.Error()
		action = audit.ActionRequestFailed
		details["reason"] = procErr.Error()
	} else {
		req.Status = consent.RequestCompleted
		req.ExportURL = exportURL
	}

	err = l.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Requests().UpdateRequest(ctx, req); err != nil {
			return err
		}
		return l.auditRequest(ctx, tx, action, req, details)
	})
	if err != nil {
		l.release(ctx, req, err)
		return nil, fmt.Errorf("failed to finish data request: %w", err)
	}
	if procErr != nil {
		l.logger.Warn("data request failed", "request_id", req.ID, "type", req.Type, "error", procErr)
		return req, procErr
	}
	return req, nil
}

// claim moves a verified pending request to processing. A processing request
// whose claim outlived consent.ProcessingLease was abandoned mid-run and is
// claimed again; deletion runs in one transaction, so repeating it is safe.
func (l *Ledger) claim(ctx context.Context, id string) (*consent.Request, error) {
	var req *consent.Request
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if req, err = tx.Requests().GetRequest(ctx, id); err != nil {
			return err
		}
		if err := tx.LockUser(ctx, req.UserHash); err != nil {
			return err
		}
		if req, err = tx.Requests().GetRequest(ctx, id); err != nil {
			return err
		}

		now := l.now().UTC()
		switch {
		case req.Abandoned(now):
			l.logger.Warn("reclaiming abandoned data request", "request_id", req.ID, "type", req.Type)
		case req.Status != consent.RequestPending:
			return ErrRequestClosed
		case req.VerifiedAt == nil:
			return ErrRequestNotVerified
		case req.Expired(now):
			return ErrRequestExpired
		}
		req.Status = consent.RequestProcessing
		req.ClaimedAt = &now
		return tx.Requests().UpdateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// release returns a claimed request to pending after its outcome could not
// be recorded, so the caller can retry. It runs detached from ctx so a
// cancelled request still releases; if this fails too the lease expires.
func (l *Ledger) release(ctx context.Context, req *consent.Request, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.Requests().GetRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if current.Status != consent.RequestProcessing {
			return nil
		}
		current.Status = consent.RequestPending
		current.ClaimedAt = nil
		current.ProcessedAt = nil
		current.ExportURL = ""
		current.FailureReason = ""
		if err := tx.Requests().UpdateRequest(ctx, current); err != nil {
			return err
		}
		return l.auditRequest(ctx, tx, audit.ActionRequestReleased, current, map[string]any{"reason": cause.Error()})
	})
	if err != nil {
		l.logger.Error("failed to release data request, it will be reclaimable after the lease",
			"request_id", req.ID, "error", err)
	}
}

func (l *Ledger) carryOut(ctx context.Context, req *consent.Request) (string, error) {
	switch req.Type {
	case consent.RequestExport:
		if l.exports == nil {
			return "", ErrExportsUnavailable
		}
		bundle, err := l.exportByHash(ctx, req.UserHash, req.IPHash)
		if err != nil {
			return "", err
		}
		body, err := json.Marshal(bundle)
		if err != nil {
			return "", fmt.Errorf("failed to encode export: %w", err)
		}
		link, err := l.exports.Put(ctx, exportstore.ObjectKey(req.UserHash), body)
		if err != nil {
			return "", err
		}
		return link.URL, nil
	case consent.RequestDelete:
		_, err := l.deleteByHash(ctx, req.UserHash, req.IPHash)
		return "", err
	case consent.RequestUpdate:
		return "", nil
	}
	return "", ErrInvalidRequestType
}

func (l *Ledger) auditRequest(ctx context.Context, tx store.Tx, action string, req *consent.Request, extra map[string]any) error {
	details := map[string]any{
		"request_id":   req.ID,
		"request_type": string(req.Type),
	}
	for k, v := range extra {
		details[k] = v
	}
	_, err := tx.Audit().Append(ctx, audit.Entry{
		Action:   action,
		UserHash: req.UserHash,
		Details:  details,
		IPHash:   req.IPHash,
	})
	return err
}
