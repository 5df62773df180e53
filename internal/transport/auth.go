package transport

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/model"
)

// authMethods builds the single auth method selected by cfg. The returned
// closer releases the agent socket, if one was opened.
func authMethods(cfg model.AuthConfig, agentSock string) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch cfg.Method {
	case model.AuthAgent:
		if agentSock == "" {
			return nil, noop, fmt.Errorf("agent auth requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", agentSock)
		if err != nil {
			return nil, noop, fmt.Errorf("connect to ssh agent: %w", err)
		}
		// PublicKeysCallback offers each agent identity in turn until the
		// server accepts one.
		client := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, func() { _ = conn.Close() }, nil
	case model.AuthPassword:
		if cfg.Password == "" {
			return nil, noop, ErrNoAuthMethod
		}
		pw := cfg.Password
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, noop, nil
	case model.AuthKey:
		if cfg.KeyPath == "" {
			return nil, noop, ErrNoAuthMethod
		}
		signer, err := LoadSigner(cfg.KeyPath, cfg.Passphrase)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil
	default:
		return nil, noop, ErrNoAuthMethod
	}
}

// LoadSigner reads a private key file, decrypting it with passphrase when
// the key is protected.
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	b, err := os.ReadFile(appconfig.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(b)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(b, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return signer, nil
}
