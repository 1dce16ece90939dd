// Package privacy turns raw personal identifiers (IP addresses, user agents,
// email addresses) into opaque salted digests before anything is persisted.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// DigestLength is the length of every identifier produced by this package.
const DigestLength = sha256.Size * 2

// MinSaltLength is the shortest salt accepted by NewHasher.
const MinSaltLength = 16

// ErrSaltTooShort is returned when a Hasher is built with a weak salt.
var ErrSaltTooShort = errors.New("hash salt must be at least 16 characters")

// HashIdentifier returns the lowercase hex SHA-256 digest of salt followed by raw.
// The output is always DigestLength characters long.
func HashIdentifier(raw, salt string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

// IsDigest reports whether s looks like an identifier produced by HashIdentifier.
func IsDigest(s string) bool {
	if len(s) != DigestLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Hasher binds a process-wide salt to the identifier helpers.
type Hasher struct {
	salt string
}

// NewHasher creates a Hasher for the given salt.
func NewHasher(salt string) (*Hasher, error) {
	if len(salt) < MinSaltLength {
		return nil, ErrSaltTooShort
	}
	return &Hasher{salt: salt}, nil
}

// Hash digests an arbitrary identifier.
func (h *Hasher) Hash(raw string) string {
	return HashIdentifier(raw, h.salt)
}

// IP digests a client IP address.
func (h *Hasher) IP(ip string) string {
	return HashIdentifier("ip:"+strings.TrimSpace(ip), h.salt)
}

// UserAgent digests a User-Agent header value.
func (h *Hasher) UserAgent(ua string) string {
	return HashIdentifier("ua:"+ua, h.salt)
}

// Visitor correlates requests from the same client without storing either value.
func (h *Hasher) Visitor(ip, ua string) string {
	return HashIdentifier(strings.TrimSpace(ip)+":"+ua, h.salt)
}

// Email digests a normalized email address. The result is the user hash that
// keys consent records, audit entries and DSAR lookups.
func (h *Hasher) Email(email string) string {
	return HashIdentifier(NormalizeEmail(email), h.salt)
}

// NormalizeEmail lowercases and trims an address so that case variants map to
// the same user hash.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MaskEmail keeps just enough of an address to be recognizable in an admin
// listing: "alice@example.com" becomes "a***@example.com".
func MaskEmail(email string) string {
	email = NormalizeEmail(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
