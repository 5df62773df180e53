// Package security audits local SSH file posture and keeps sensitive detail
// out of user-facing error text.
package security

import (
	"errors"
	"os"
	"regexp"
	"strings"

	"github.com/treykane/termssh/internal/forward"
	"github.com/treykane/termssh/internal/transport"
	"github.com/treykane/termssh/internal/trust"
)

// ClassifiedError separates a user-safe message from verbose debug details.
type ClassifiedError struct {
	UserSafe    string
	DebugDetail string
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewClassifiedError creates a new error with separated user-safe and debug details.
func NewClassifiedError(userSafe, debugDetail string) error {
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: debugDetail}
}

// Classify attaches a user-safe message to the runtime's well-known
// failures. Other errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	var msg string
	switch {
	case errors.Is(err, trust.ErrMismatch):
		msg = "host key does not match known_hosts; the server was reinstalled or the connection is being intercepted"
	case errors.Is(err, transport.ErrAuthFailed):
		msg = "authentication failed"
	case errors.Is(err, transport.ErrNoAuthMethod):
		msg = "no credentials given: use --password-stdin, --key or --agent"
	case errors.Is(err, forward.ErrBindPolicy):
		msg = "refusing to listen on a public address; set security.bind_policy to allow-public to permit it"
	default:
		return err
	}
	return &ClassifiedError{UserSafe: msg, DebugDetail: err.Error(), Err: err}
}

// UserMessage returns a message safe to show in CLI contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		msg = ce.Error()
	}
	if redact {
		return RedactMessage(msg)
	}
	return msg
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) && strings.TrimSpace(ce.DebugDetail) != "" {
		return ce.DebugDetail
	}
	return err.Error()
}

var keyFile = regexp.MustCompile(`/\.ssh/[^\s:'"]+`)

// RedactMessage replaces the home directory with ~ and hides file names
// under .ssh.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		msg = strings.ReplaceAll(msg, home, "~")
	}
	return keyFile.ReplaceAllString(msg, "/.ssh/[redacted]")
}
