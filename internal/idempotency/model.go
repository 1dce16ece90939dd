// Package idempotency stores Idempotency-Key reservations so retried
// conversion webhooks are applied once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status values for a stored key. A key is processing from the moment the
// first request reserves it until its response is recorded.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when a key is already reserved.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is empty or has unprintable characters.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultExpiry is how long a completed key keeps replaying its response.
const DefaultExpiry = 24 * time.Hour

// Record is a reserved or completed idempotency key.
type Record struct {
	Key                string    `json:"key"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	RequestHash        string    `json:"request_hash"`
	CreatedAt          time.Time `json:"created_at"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body,omitempty"`
	ResponseStatusCode int       `json:"response_status_code,omitempty"`
}

// ValidateKey checks if an idempotency key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// HashRequest fingerprints a request so a key reused for a different payload
// can be told apart from a genuine retry.
func HashRequest(method, route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Repository persists idempotency keys.
type Repository interface {
	// Reserve stores rec in the processing state.
	// Returns ErrKeyExists if the key is already reserved or completed.
	Reserve(ctx context.Context, rec *Record) error

	// Get retrieves a key. Returns ErrKeyNotFound if it doesn't exist or has expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Complete records the response for a reserved key.
	Complete(ctx context.Context, key string, statusCode int, body string) error

	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
}
