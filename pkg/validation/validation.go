package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxWidgetMessageLength = 512
	MaxEventLimit          = 200
)

var streamKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateRole accepts doctor or patient, case-insensitively. Empty is allowed
// and resolved by the caller.
func ValidateRole(role string) error {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", "doctor", "patient":
		return nil
	default:
		return fmt.Errorf("unknown role %q (must be doctor or patient)", role)
	}
}

// ValidateStreamKey validates a relay path segment.
func ValidateStreamKey(key string) error {
	if key == "" {
		return fmt.Errorf("stream key is required")
	}
	if !streamKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid stream key %q", key)
	}
	return nil
}

// ValidateURL checks an absolute URL with one of the allowed schemes
// (http and https when none are given).
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	allowed := false
	for _, s := range schemes {
		if u.Scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateWidgetCode bounds the status codes a native widget can report.
func ValidateWidgetCode(code int) error {
	if code < -9999 || code > 9999 {
		return fmt.Errorf("status code %d out of range", code)
	}
	return nil
}

// ValidateLimit bounds list sizes requested by clients.
func ValidateLimit(limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must be >= 0")
	}
	if limit > MaxEventLimit {
		return fmt.Errorf("limit is too high (max %d)", MaxEventLimit)
	}
	return nil
}

// SanitizeMessage strips control characters from a platform message and
// truncates it to MaxWidgetMessageLength runes.
func SanitizeMessage(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) > MaxWidgetMessageLength {
		runes := []rune(s)
		s = string(runes[:MaxWidgetMessageLength])
	}
	return s
}
