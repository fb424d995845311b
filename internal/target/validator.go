// Package target validates and normalizes the URLs the proxy is asked to fetch.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// schemePrefix matches an explicit scheme at the start of the input only, so
// a URL carried in the query ("a.com/?next=https://b") is not mistaken for one.
var schemePrefix = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

var (
	// ErrInvalidURL is returned when the target is missing or not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid target url")
	// ErrForbiddenHost is returned when the target host is on the blocklist.
	ErrForbiddenHost = errors.New("target host is not allowed")
)

// Validator turns raw query parameters into fetchable target URLs.
type Validator struct {
	blocklist *Blocklist
}

// NewValidator creates a Validator backed by the given blocklist.
func NewValidator(b *Blocklist) *Validator {
	return &Validator{blocklist: b}
}

// Normalize applies the same destination normalization the browsing UI uses:
// surrounding whitespace is trimmed, scheme-relative input ("//host/p") and
// input without a protocol ("example.com") become https URLs.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	if !schemePrefix.MatchString(raw) {
		return "https://" + raw
	}
	return raw
}

// Validate normalizes and parses raw, then checks it against the blocklist.
func (v *Validator) Validate(raw string) (*url.URL, error) {
	normalized := Normalize(raw)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if err := v.CheckHost(u.Hostname()); err != nil {
		return nil, err
	}
	return u, nil
}

// CheckHost returns ErrForbiddenHost when host is blocked.
func (v *Validator) CheckHost(host string) error {
	if v.blocklist != nil && v.blocklist.BlocksHost(host) {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}
	return nil
}
