package validate

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strings"
)

var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
	ErrDisallowedDomain = errors.New("URL domain not allowed")
	ErrPrivateHost      = errors.New("URL points at a private or local host")
)

// URLConstraints describes which URLs a field accepts.
type URLConstraints struct {
	AllowedSchemes []string
	AllowedDomains []string // empty allows any domain; entries also match subdomains
	BlockPrivate   bool     // reject localhost and private, loopback or link-local IP literals
	MaxLength      int
}

// DestinationConstraints are used for affiliate destinations: public http(s)
// URLs only.
var DestinationConstraints = URLConstraints{
	AllowedSchemes: []string{"https", "http"},
	BlockPrivate:   true,
	MaxLength:      2048,
}

// URL validates raw against c and returns it trimmed.
//
// Hostnames are checked as written and never resolved; a redirect target is
// not fetched by the server, so only literal internal addresses are refused.
func URL(raw string, c URLConstraints) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	if c.MaxLength > 0 && len(raw) > c.MaxLength {
		return "", fmt.Errorf("%w: URL exceeds %d characters", ErrStringTooLong, c.MaxLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if len(c.AllowedSchemes) > 0 && !slices.Contains(c.AllowedSchemes, strings.ToLower(u.Scheme)) {
		return "", fmt.Errorf("%w: got %q, allowed: %v", ErrDisallowedScheme, u.Scheme, c.AllowedSchemes)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: credentials in URL", ErrInvalidURL)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}
	if len(c.AllowedDomains) > 0 && !domainAllowed(host, c.AllowedDomains) {
		return "", fmt.Errorf("%w: %q not in allowlist", ErrDisallowedDomain, host)
	}
	if c.BlockPrivate && isPrivateHost(host) {
		return "", fmt.Errorf("%w: %s", ErrPrivateHost, host)
	}
	return raw, nil
}

// DestinationURL validates an affiliate link destination.
func DestinationURL(raw string) (string, error) {
	return URL(raw, DestinationConstraints)
}

func domainAllowed(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isPrivateHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || host == "localhost.localdomain" {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}
