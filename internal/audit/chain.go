package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrChainBroken is returned by VerifyChain when an entry was altered,
// removed or reordered.
var ErrChainBroken = errors.New("audit hash chain broken")

// ComputeEntryHash returns the SHA-256 of an entry's content chained to its
// PreviousHash. Details are encoded as JSON with sorted keys.
func ComputeEntryHash(l *AuditLog) (string, error) {
	details, err := json.Marshal(cloneDetails(l.Details))
	if err != nil {
		return "", fmt.Errorf("failed to encode audit details: %w", err)
	}

	h := sha256.New()
	for _, part := range []string{
		l.PreviousHash,
		l.ID,
		strconv.FormatInt(l.Seq, 10),
		l.Action,
		l.UserHash,
		l.IPHash,
		l.CreatedAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(details)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain checks that logs, given oldest first, form an unbroken chain
// starting from the first entry ever written.
func VerifyChain(logs []*AuditLog) error {
	prev := ""
	for i, l := range logs {
		if l.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d (%s) does not link to its predecessor", ErrChainBroken, i, l.ID)
		}
		want, err := ComputeEntryHash(l)
		if err != nil {
			return err
		}
		if l.Hash != want {
			return fmt.Errorf("%w: entry %d (%s) content does not match its hash", ErrChainBroken, i, l.ID)
		}
		prev = l.Hash
	}
	return nil
}

// seal fills in Hash for an entry whose PreviousHash is already set.
func seal(l *AuditLog) error {
	h, err := ComputeEntryHash(l)
	if err != nil {
		return err
	}
	l.Hash = h
	return nil
}
