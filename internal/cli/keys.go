package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/termssh/internal/core"
	"github.com/treykane/termssh/internal/hosts"
	"github.com/treykane/termssh/internal/keys"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/ui"
)

func defaultKeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ssh"
	}
	return filepath.Join(home, ".ssh")
}

func newKeysCmd(a *app) *cobra.Command {
	var dir string
	root := &cobra.Command{Use: "keys", Short: "Find, create and install SSH keys"}
	root.PersistentFlags().StringVar(&dir, "dir", "", "key directory (default ~/.ssh)")
	keyDir := func() string {
		if dir != "" {
			return dir
		}
		return defaultKeyDir()
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List private keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := keys.Scan(keyDir())
			if err != nil {
				return err
			}
			var rows [][]string
			for _, k := range found {
				enc := "no"
				if k.Encrypted {
					enc = "yes"
				}
				rows = append(rows, []string{k.Name, k.Type, enc, k.Fingerprint})
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"NAME", "TYPE", "ENCRYPTED", "FINGERPRINT"}, rows))
			return nil
		},
	}

	var passphraseStdin bool
	generate := &cobra.Command{
		Use:   "generate [label]",
		Short: "Generate an ed25519 key pair",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label := ""
			if len(args) == 1 {
				label = args[0]
			}
			var passphrase string
			if passphraseStdin {
				p, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read passphrase from stdin: %w", err)
				}
				passphrase = p
			}
			k, err := keys.Generate(keyDir(), keys.KeyName(label, time.Now()), passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s %s\n", k.Path, k.Type, k.Fingerprint)
			return nil
		},
	}
	generate.Flags().BoolVar(&passphraseStdin, "passphrase-stdin", false, "read a passphrase from the first line of stdin")

	var df connectFlags
	deploy := &cobra.Command{
		Use:   "deploy <host> <key>",
		Short: "Append a public key to the remote authorized_keys",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := keys.PublicKey(strings.TrimSuffix(args[1], ".pub"), "")
			if err != nil {
				return err
			}
			return a.withSession(cmd, args[0], df, func(ctx context.Context, rt *core.Runtime, id string, target hosts.Target) error {
				if err := rt.DeployPublicKey(ctx, id, pub); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s on %s\n", filepath.Base(args[1]), target.Host)
				return nil
			})
		},
	}
	df.bind(deploy.Flags())

	var tf connectFlags
	test := &cobra.Command{
		Use:   "test <host> <key>",
		Short: "Check that a key is accepted by the host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolve(args[0])
			if err != nil {
				return err
			}
			tf.key = strings.TrimSuffix(args[1], ".pub")
			auth, err := credentials(cmd, target, tf)
			if err != nil {
				return err
			}
			rt, err := a.runtime()
			if err != nil {
				return err
			}
			ok, err := rt.TestKeyAuth(cmd.Context(), model.ConnectRequest{
				Host:      target.Host,
				Port:      target.Port,
				User:      target.User,
				Auth:      auth,
				AutoTrust: tf.trust,
			})
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "rejected")
				return exitError{code: 1}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	test.Flags().BoolVar(&tf.trust, "trust", false, "record an unknown host key without asking")

	root.AddCommand(list, generate, deploy, test)
	return root
}
