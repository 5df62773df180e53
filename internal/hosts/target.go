package hosts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/util"
)

// Target is a resolved connect destination.
type Target struct {
	Alias        string
	Host         string
	Port         int
	User         string
	IdentityFile string
	Forwards     []model.ForwardSpec
}

// Group names the session group for the target. Aliases name their own
// group so that history and port detection follow the alias.
func (t Target) Group() string {
	if t.Alias != "" {
		return t.Alias
	}
	return model.DefaultGroup(t.User, t.Host, t.Port)
}

// Resolve turns "alias" or "[user@]host[:port]" into a target. Known aliases
// take precedence; fallbackUser fills in a missing user.
func Resolve(res Result, arg, fallbackUser string) (Target, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return Target{}, fmt.Errorf("empty host")
	}
	if h, ok := res.Lookup(arg); ok {
		return Target{
			Alias:        h.Alias,
			Host:         h.HostName,
			Port:         h.Port,
			User:         util.DefaultString(h.User, fallbackUser),
			IdentityFile: h.IdentityFile,
			Forwards:     h.Forwards,
		}, nil
	}

	t := Target{User: fallbackUser, Port: util.DefaultSSHPort}
	rest := arg
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		t.User, rest = rest[:i], rest[i+1:]
	}
	host, portStr := rest, ""
	switch {
	case strings.HasPrefix(rest, "["):
		end := strings.Index(rest, "]")
		if end < 0 {
			return Target{}, fmt.Errorf("unterminated IPv6 literal in %q", arg)
		}
		host = rest[1:end]
		portStr = strings.TrimPrefix(rest[end+1:], ":")
	case strings.Count(rest, ":") == 1:
		i := strings.Index(rest, ":")
		host, portStr = rest[:i], rest[i+1:]
	}
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Target{}, fmt.Errorf("invalid port in %q", arg)
		}
		if err := util.ValidatePort(port); err != nil {
			return Target{}, err
		}
		t.Port = port
	}
	if host == "" || t.User == "" {
		return Target{}, fmt.Errorf("expected alias or user@host[:port], got %q", arg)
	}
	t.Host = host
	return t, nil
}
