// Package validate checks and normalizes untrusted input at the API edge:
// link identifiers, article slugs, display labels, destination URLs and
// email addresses.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrEmpty             = errors.New("value is empty")
	ErrStringTooShort    = errors.New("value is too short")
	ErrStringTooLong     = errors.New("value is too long")
	ErrInvalidCharacters = errors.New("value contains invalid characters")
)

// Length limits for the typed helpers.
const (
	MaxIdentifierLength = 64
	MaxSlugLength       = 200
	MaxLabelLength      = 200
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	slugPattern       = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
)

// StringConstraints describes what a string field accepts. Lengths count
// runes, not bytes.
type StringConstraints struct {
	MinLength      int
	MaxLength      int
	AllowedPattern *regexp.Regexp
	AllowEmpty     bool
	TrimSpace      bool
}

// String validates s against c and returns it, trimmed when c.TrimSpace is set.
func String(s string, c StringConstraints) (string, error) {
	if c.TrimSpace {
		s = strings.TrimSpace(s)
	}
	if s == "" {
		if c.AllowEmpty {
			return s, nil
		}
		return "", ErrEmpty
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	n := utf8.RuneCountInString(s)
	if c.MinLength > 0 && n < c.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, n, c.MinLength)
	}
	if c.MaxLength > 0 && n > c.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, n, c.MaxLength)
	}
	if c.AllowedPattern != nil && !c.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match %s", ErrInvalidCharacters, c.AllowedPattern)
	}
	return s, nil
}

// Identifier validates a caller-chosen ID such as an affiliate link ID:
// ASCII letters, digits, dash and underscore, starting with a letter or digit.
// IDs appear in redirect URLs, so nothing else is accepted.
func Identifier(id string) (string, error) {
	return String(id, StringConstraints{
		MinLength:      1,
		MaxLength:      MaxIdentifierLength,
		AllowedPattern: identifierPattern,
	})
}

// Slug validates a lowercase, dash-separated article slug.
func Slug(slug string) (string, error) {
	return String(slug, StringConstraints{
		MinLength:      1,
		MaxLength:      MaxSlugLength,
		AllowedPattern: slugPattern,
		TrimSpace:      true,
	})
}

// Label validates a free-text display name such as a link or program name.
// Control characters are rejected; everything else printable is allowed.
func Label(s string, allowEmpty bool) (string, error) {
	s, err := String(s, StringConstraints{
		MaxLength:  MaxLabelLength,
		AllowEmpty: allowEmpty,
		TrimSpace:  true,
	})
	if err != nil {
		return "", err
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control characters", ErrInvalidCharacters)
	}
	return s, nil
}
