package validation

import (
	"errors"
	"net/url"
	"strings"
	"unicode"
)

// DefaultMaxPathLength bounds resource paths in runes.
const DefaultMaxPathLength = 200

// ErrResourceEmpty is returned when the resource path is empty after trimming slashes.
var ErrResourceEmpty = errors.New("resource is required")

// ErrResourceTooLong is returned when the resource path exceeds the maximum length.
var ErrResourceTooLong = errors.New("resource path too long")

// ErrResourceInvalidSegment is returned for empty, "." or ".." path segments.
var ErrResourceInvalidSegment = errors.New("resource path contains an invalid segment")

// ErrResourceInvalidChars is returned when the path contains disallowed characters.
var ErrResourceInvalidChars = errors.New("resource path contains invalid characters")

// ValidateResourcePath trims surrounding whitespace and slashes, enforces maxLen
// (DefaultMaxPathLength when <= 0) and restricts segments to letters, digits,
// '-', '_' and '.'. Returns the cleaned path, e.g. "reservations/42".
func ValidateResourcePath(input string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxPathLength
	}
	s := strings.Trim(strings.TrimSpace(input), "/")
	if s == "" {
		return "", ErrResourceEmpty
	}
	if len([]rune(s)) > maxLen {
		return "", ErrResourceTooLong
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrResourceInvalidSegment
		}
		for _, c := range seg {
			if !isAllowedPathRune(c) {
				return "", ErrResourceInvalidChars
			}
		}
	}
	return s, nil
}

func isAllowedPathRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '_', '.':
		return true
	}
	return false
}

// NormalizeKey builds the cache key for a validated path and its query.
// Query parameters are sorted by name so equivalent requests share one key.
// Case is preserved; upstream identifiers may be case-sensitive.
func NormalizeKey(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	enc := query.Encode()
	if enc == "" {
		return path
	}
	return path + "?" + enc
}
