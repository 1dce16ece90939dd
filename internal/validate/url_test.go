package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestURL(t *testing.T) {
	httpsOnly := URLConstraints{AllowedSchemes: []string{"https"}}

	tests := []struct {
		name    string
		input   string
		c       URLConstraints
		wantErr error
	}{
		{"https", "https://example.com/path?tag=abc-20", httpsOnly, nil},
		{"scheme case", "HTTPS://example.com", httpsOnly, nil},
		{"http rejected", "http://example.com", httpsOnly, ErrDisallowedScheme},
		{"javascript rejected", "javascript:alert(1)", DestinationConstraints, ErrDisallowedScheme},
		{"empty", "  ", httpsOnly, ErrEmpty},
		{"no host", "https:///path", httpsOnly, ErrInvalidURL},
		{"bad escape", "https://example.com/%zz", httpsOnly, ErrInvalidURL},
		{"credentials", "https://user:pw@example.com", httpsOnly, ErrInvalidURL},
		{"too long", "https://example.com/" + strings.Repeat("a", 100), URLConstraints{MaxLength: 50}, ErrStringTooLong},
		{"allowlisted domain", "https://www.amazon.com/dp/1", URLConstraints{AllowedDomains: []string{"amazon.com"}}, nil},
		{"lookalike domain", "https://notamazon.com/dp/1", URLConstraints{AllowedDomains: []string{"amazon.com"}}, ErrDisallowedDomain},
		{"private not blocked by default", "http://10.0.0.1/", URLConstraints{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := URL(tt.input, tt.c)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("URL(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestDestinationURL(t *testing.T) {
	tests := []struct {
		input   string
		wantErr error
	}{
		{"https://www.amazon.com/dp/B0CFPJYX7P?tag=autocash-20", nil},
		{"http://shop.example.org/item/42", nil},
		{" https://example.com ", nil},
		{"https://8.8.8.8/", nil},
		{"ftp://example.com/file", ErrDisallowedScheme},
		{"http://localhost:8080/admin", ErrPrivateHost},
		{"http://api.localhost/", ErrPrivateHost},
		{"http://127.0.0.1/", ErrPrivateHost},
		{"http://192.168.1.10/", ErrPrivateHost},
		{"http://172.20.0.5/", ErrPrivateHost},
		{"http://169.254.169.254/latest/meta-data", ErrPrivateHost},
		{"http://[::1]/", ErrPrivateHost},
		{"http://[fd00::1]/", ErrPrivateHost},
		{"http://[::ffff:10.0.0.1]/", ErrPrivateHost},
		{"http://0.0.0.0/", ErrPrivateHost},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := DestinationURL(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DestinationURL(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != strings.TrimSpace(tt.input) {
				t.Errorf("DestinationURL(%q) = %q", tt.input, got)
			}
		})
	}
}
