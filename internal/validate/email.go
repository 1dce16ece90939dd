package validate

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalidEmail = errors.New("invalid email format")

// RFC 5321 length limits.
const (
	maxEmailLength  = 254
	maxLocalLength  = 64
	maxDomainLength = 253
)

var emailPattern = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)

// Email validates an address and returns it trimmed and lowercased, which is
// the form that gets hashed into a user hash.
func Email(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmpty
	}
	if len(email) > maxEmailLength {
		return "", ErrStringTooLong
	}
	if !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}

	local, domain, _ := strings.Cut(email, "@")
	if len(local) > maxLocalLength || len(domain) > maxDomainLength {
		return "", ErrStringTooLong
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(email, "..") {
		return "", ErrInvalidEmail
	}
	if strings.HasPrefix(domain, "-") || strings.HasPrefix(domain, ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}
