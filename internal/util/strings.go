package util

import "strings"

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
//
// Examples:
//
//	DefaultString("hello", "world")  → "hello"
//	DefaultString("  ",    "world")  → "world"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" for blank values. The CLI tables use it for optional
// columns such as USER or GROUP so that omitted values stay visible.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// ShellQuote wraps s in single quotes for a POSIX shell, escaping embedded
// single quotes as '\''. The result is always one shell word.
//
// Examples:
//
//	ShellQuote("/srv/app")     → "'/srv/app'"
//	ShellQuote("it's here")    → "'it'\''s here'"
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
