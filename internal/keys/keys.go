// Package keys finds, generates and deploys SSH key pairs.
package keys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/keygen"
	"golang.org/x/crypto/ssh"

	"github.com/treykane/termssh/internal/util"
)

// Key describes a private key on disk.
type Key struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	PublicPath  string `json:"public_path,omitempty"`
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	Encrypted   bool   `json:"encrypted"`
}

// nonKeyFiles live in ~/.ssh but are never private keys.
var nonKeyFiles = map[string]bool{
	"config":          true,
	"known_hosts":     true,
	"known_hosts.old": true,
	"authorized_keys": true,
	"environment":     true,
}

// Scan lists the private keys in dir. Files that do not parse as a private
// key are skipped. A missing directory yields no keys.
func Scan(dir string) ([]Key, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Key
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || nonKeyFiles[name] || strings.HasSuffix(name, ".pub") {
			continue
		}
		k, ok := inspect(filepath.Join(dir, name))
		if ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func inspect(path string) (Key, bool) {
	b, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(b), "PRIVATE KEY") {
		return Key{}, false
	}
	k := Key{Name: filepath.Base(path), Path: path}

	var pub ssh.PublicKey
	signer, err := ssh.ParsePrivateKey(b)
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
		pub = signer.PublicKey()
	case errors.As(err, &missing):
		k.Encrypted = true
		pub = missing.PublicKey
	default:
		return Key{}, false
	}

	if pb, err := os.ReadFile(path + ".pub"); err == nil {
		k.PublicPath = path + ".pub"
		if parsed, _, _, _, err := ssh.ParseAuthorizedKey(pb); err == nil && pub == nil {
			pub = parsed
		}
	}
	if pub != nil {
		k.Type = pub.Type()
		k.Fingerprint = ssh.FingerprintSHA256(pub)
	}
	return k, true
}

// KeyName derives a file name for a new key from a profile label.
//
// Example: KeyName("Prod DB", t) → "termssh_prod_db_1718000000"
func KeyName(profile string, now time.Time) string {
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return unicode.ToLower(r)
		}
		return '_'
	}, util.DefaultString(profile, "key"))
	return fmt.Sprintf("termssh_%s_%d", safe, now.Unix())
}

// Generate writes a new ed25519 key pair as dir/name and dir/name.pub. The
// private key is encrypted when passphrase is set. An existing key is never
// overwritten.
func Generate(dir, name, passphrase string) (Key, error) {
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return Key{}, fmt.Errorf("invalid key name %q", name)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Key{}, err
	}
	path := filepath.Join(dir, name)
	for _, p := range []string{path, path + ".pub"} {
		if _, err := os.Stat(p); err == nil {
			return Key{}, fmt.Errorf("%s already exists", p)
		}
	}

	opts := []keygen.Option{keygen.WithKeyType(keygen.Ed25519)}
	if passphrase != "" {
		opts = append(opts, keygen.WithPassphrase(passphrase))
	}
	kp, err := keygen.New(path, opts...)
	if err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	if err := kp.WriteKeys(); err != nil {
		return Key{}, fmt.Errorf("write key: %w", err)
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey(kp.RawAuthorizedKey())
	if err != nil {
		return Key{}, fmt.Errorf("parse generated public key: %w", err)
	}
	return Key{
		Name:        name,
		Path:        path,
		PublicPath:  path + ".pub",
		Type:        pub.Type(),
		Fingerprint: ssh.FingerprintSHA256(pub),
		Encrypted:   passphrase != "",
	}, nil
}

// PublicKey returns the authorized_keys line for the private key at path,
// read from path.pub when present.
func PublicKey(path, passphrase string) (string, error) {
	if b, err := os.ReadFile(path + ".pub"); err == nil {
		return strings.TrimSpace(string(b)), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(b, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(b)
	}
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

// AuthorizedKeysCommand returns a remote shell command that appends pub to
// ~/.ssh/authorized_keys unless the exact line is already there, fixing
// directory and file permissions on the way.
func AuthorizedKeysCommand(pub string) (string, error) {
	line := strings.TrimSpace(pub)
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	if strings.ContainsAny(line, "\r\n") {
		return "", fmt.Errorf("public key must be a single line")
	}
	q := util.ShellQuote(line)
	return "mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys && " +
		"(grep -qxF " + q + " ~/.ssh/authorized_keys || printf '%s\\n' " + q + " >> ~/.ssh/authorized_keys)", nil
}
