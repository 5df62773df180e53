// Package trust checks server host keys against an OpenSSH known_hosts file
// and records newly trusted keys.
package trust

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/util"
)

// ErrMismatch reports that the store holds a different key for the host.
var ErrMismatch = errors.New("host key mismatch")

// Outcome is the result of looking a host key up in the store.
type Outcome int

const (
	Match Outcome = iota
	NotFound
	Failure
	Mismatch
)

func (o Outcome) String() string {
	switch o {
	case Match:
		return "match"
	case NotFound:
		return "not-found"
	case Failure:
		return "failure"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Verifier reads and appends one known_hosts file. Appends are serialized
// so concurrent connects cannot interleave partial lines.
type Verifier struct {
	path string
	mu   sync.Mutex
}

func NewVerifier(path string) *Verifier {
	return &Verifier{path: path}
}

func (v *Verifier) Path() string { return v.path }

// Check looks up key for host:port. A missing store is NotFound; a store
// that cannot be parsed is Failure with the parse error attached.
func (v *Verifier) Check(host string, port int, key ssh.PublicKey) (Outcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NotFound, nil
		}
		return Failure, err
	}
	cb, err := knownhosts.New(v.path)
	if err != nil {
		return Failure, fmt.Errorf("load %s: %w", v.path, err)
	}

	// knownhosts only consults the remote address when the hostname is
	// empty, but it insists on a TCP address.
	remote := &net.TCPAddr{IP: net.IPv4zero, Port: port}
	err = cb(util.HostPort(host, port), remote, key)
	if err == nil {
		return Match, nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return NotFound, nil
		}
		return Mismatch, fmt.Errorf("%w for %s", ErrMismatch, util.HostPort(host, port))
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return Mismatch, fmt.Errorf("%w for %s: key is revoked", ErrMismatch, util.HostPort(host, port))
	}
	return Failure, err
}

// Add appends one "<host> <type> <base64>" line for host:port. The host
// field is bracketed with the port when port is not 22.
func (v *Verifier) Add(host string, port int, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(v.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	prefix := ""
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, st.Size()-1); err == nil && last[0] != '\n' {
			prefix = "\n"
		}
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))}, key)
	if _, err := f.WriteString(prefix + line + "\n"); err != nil {
		return fmt.Errorf("append %s: %w", v.path, err)
	}
	return nil
}

// Fingerprint returns the SHA256 fingerprint in OpenSSH format.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// Prompt builds the confirmation payload for an untrusted key.
func Prompt(host string, port int, key ssh.PublicKey) *model.TrustPrompt {
	return &model.TrustPrompt{
		Kind:        model.TrustPromptKind,
		Host:        host,
		Port:        port,
		KeyType:     key.Type(),
		Fingerprint: Fingerprint(key),
	}
}
