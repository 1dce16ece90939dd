package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestEmail(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"plain", "user@example.com", "user@example.com", nil},
		{"subdomain", "user@mail.example.com", "user@mail.example.com", nil},
		{"plus tag", "user+tag@example.com", "user+tag@example.com", nil},
		{"dots", "first.last@example.com", "first.last@example.com", nil},
		{"lowercased", "User@Example.COM", "user@example.com", nil},
		{"trimmed", "  user@example.com  ", "user@example.com", nil},
		{"empty", "   ", "", ErrEmpty},
		{"no at", "userexample.com", "", ErrInvalidEmail},
		{"no domain", "user@", "", ErrInvalidEmail},
		{"no local part", "@example.com", "", ErrInvalidEmail},
		{"no tld", "ops@autocash", "", ErrInvalidEmail},
		{"two ats", "a@b@example.com", "", ErrInvalidEmail},
		{"double dot", "first..last@example.com", "", ErrInvalidEmail},
		{"leading dot", ".user@example.com", "", ErrInvalidEmail},
		{"space inside", "us er@example.com", "", ErrInvalidEmail},
		{"local part too long", strings.Repeat("a", 65) + "@example.com", "", ErrStringTooLong},
		{"address too long", "a@" + strings.Repeat("b", 250) + ".com", "", ErrStringTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Email(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Email(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Email(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
