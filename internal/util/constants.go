// Package util provides common helpers and constants shared across termssh.
// It imports nothing from other internal/* packages so that any package can
// depend on it without creating cycles.
package util

import "time"

const (
	// MaxIncludeDepth bounds nested Include directives when parsing
	// ~/.ssh/config. Symlinked include cycles can escape the seen-set check,
	// so the depth limit is the backstop.
	// Used by: internal/config/parser.go (parseRecursive).
	MaxIncludeDepth = 16

	// DefaultSSHPort is used whenever a profile or forward omits its port.
	DefaultSSHPort = 22

	// ForwardProbeTimeout is the dial timeout for the TCP latency probe that
	// Snapshot runs against the listening side of an active local forward.
	// The collector waits ForwardProbeTimeout + 100ms in total before giving
	// up on stragglers.
	// Used by: internal/forward/manager.go (Snapshot).
	ForwardProbeTimeout = 500 * time.Millisecond

	// AcceptPollInterval is how long an in-process local forward blocks in
	// Accept before re-checking its shutdown flag.
	AcceptPollInterval = time.Second

	// ShellReadChunk is the buffer size of a shell reader goroutine. Each
	// Read produces at most one output event of this many bytes.
	ShellReadChunk = 8 * 1024

	// DefaultTransferChunk is the SFTP chunk size used for uploads and
	// downloads when config.yaml does not override it.
	DefaultTransferChunk = 32 * 1024
)
