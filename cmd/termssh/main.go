// Package main is the entry point for the termssh binary.
//
// termssh opens SSH sessions, moves files over SFTP and runs port forwards
// against hosts from ~/.ssh/config or given as user@host:port.
//
// Usage:
//
//	termssh                     # pick a host and open a shell
//	termssh connect prod        # open a shell on a configured alias
//	termssh exec prod -- uptime # run one command
//	termssh forward prod        # run the host's configured forwards
//
// The command tree lives in internal/cli.
package main

import (
	"os"

	"github.com/treykane/termssh/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
