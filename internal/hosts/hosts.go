// Package hosts reads host definitions from OpenSSH client config files and
// resolves connect targets against them.
package hosts

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/util"
)

// Result is the outcome of parsing a config tree.
type Result struct {
	Hosts    []model.HostEntry
	Warnings []string
}

// Lookup returns the entry for alias.
func (r Result) Lookup(alias string) (model.HostEntry, bool) {
	for _, h := range r.Hosts {
		if h.Alias == alias {
			return h, true
		}
	}
	return model.HostEntry{}, false
}

type block struct {
	patterns   []string
	directives map[string][]string
}

// DefaultPath is ~/.ssh/config.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// ParseDefault parses ~/.ssh/config.
func ParseDefault() (Result, error) {
	p, err := DefaultPath()
	if err != nil {
		return Result{}, err
	}
	return ParseFile(p)
}

// ParseFile parses path and the files it includes. A missing file is a
// warning, not an error.
func ParseFile(path string) (Result, error) {
	p := &parser{seen: map[string]bool{}}
	if err := p.file(path, 0); err != nil {
		return Result{}, err
	}
	return Result{Hosts: compile(p.blocks), Warnings: p.warnings}, nil
}

type parser struct {
	seen     map[string]bool
	blocks   []block
	warnings []string
}

func (p *parser) warnf(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

func (p *parser) file(path string, depth int) error {
	if depth > util.MaxIncludeDepth {
		return fmt.Errorf("include depth exceeded at %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if p.seen[abs] {
		p.warnf("include cycle skipped: %s", abs)
		return nil
	}
	p.seen[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.warnf("config file not found: %s", abs)
			return nil
		}
		return fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	// Directives before the first Host line apply to every host.
	cur := block{patterns: []string{"*"}, directives: map[string][]string{}}
	flush := func() {
		if len(cur.directives) > 0 {
			p.blocks = append(p.blocks, cur)
		}
	}

	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		key, value, ok := splitDirective(line)
		if !ok {
			p.warnf("%s:%d invalid directive", abs, n)
			continue
		}
		switch key {
		case "include":
			flush()
			cur = block{patterns: cur.patterns, directives: map[string][]string{}}
			p.include(abs, n, value, depth)
		case "host":
			flush()
			patterns := strings.Fields(value)
			if len(patterns) == 0 {
				p.warnf("%s:%d Host missing patterns", abs, n)
				patterns = []string{"*"}
			}
			cur = block{patterns: patterns, directives: map[string][]string{}}
		case "match":
			flush()
			p.warnf("%s:%d Match blocks are not supported and were skipped", abs, n)
			cur = block{directives: map[string][]string{}}
		default:
			cur.directives[key] = append(cur.directives[key], value)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", abs, err)
	}
	flush()
	return nil
}

func (p *parser) include(from string, line int, value string, depth int) {
	for _, pattern := range strings.Fields(value) {
		glob := appconfig.ExpandHome(pattern)
		if !filepath.IsAbs(glob) {
			glob = filepath.Join(filepath.Dir(from), glob)
		}
		matches, err := filepath.Glob(glob)
		if err != nil {
			p.warnf("%s:%d bad include pattern %q", from, line, pattern)
			continue
		}
		if len(matches) == 0 {
			p.warnf("%s:%d include matched nothing: %q", from, line, pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if err := p.file(m, depth+1); err != nil {
				p.warnf("include %s failed: %v", m, err)
			}
		}
	}
}

// compile produces one entry per concrete alias. As in ssh(1), the first
// value obtained for a directive wins; forwards accumulate.
func compile(blocks []block) []model.HostEntry {
	set := map[string]bool{}
	for _, b := range blocks {
		for _, pat := range b.patterns {
			if concrete(pat) {
				set[pat] = true
			}
		}
	}
	aliases := make([]string, 0, len(set))
	for a := range set {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	out := make([]model.HostEntry, 0, len(aliases))
	for _, alias := range aliases {
		h := model.HostEntry{Alias: alias}
		first := func(b block, key string, dst *string) {
			if *dst == "" && len(b.directives[key]) > 0 {
				*dst = b.directives[key][0]
			}
		}
		for _, b := range blocks {
			if !matches(alias, b.patterns) {
				continue
			}
			first(b, "hostname", &h.HostName)
			first(b, "user", &h.User)
			first(b, "proxyjump", &h.ProxyJump)
			if h.IdentityFile == "" && len(b.directives["identityfile"]) > 0 {
				h.IdentityFile = appconfig.ExpandHome(b.directives["identityfile"][0])
			}
			if h.Port == 0 && len(b.directives["port"]) > 0 {
				if port, err := strconv.Atoi(b.directives["port"][0]); err == nil && util.ValidatePort(port) == nil {
					h.Port = port
				}
			}
			for _, v := range b.directives["localforward"] {
				if spec, ok := parseForward(model.ForwardLocal, v); ok {
					h.Forwards = append(h.Forwards, spec)
				}
			}
			for _, v := range b.directives["remoteforward"] {
				if spec, ok := parseForward(model.ForwardRemote, v); ok {
					h.Forwards = append(h.Forwards, spec)
				}
			}
		}
		if h.HostName == "" {
			h.HostName = alias
		}
		h.Port = util.PortOrDefault(h.Port)
		out = append(out, h)
	}
	return out
}

// parseForward reads "[bind:]port host:hostport". The listening side comes
// first for both directions.
func parseForward(dir model.ForwardDirection, v string) (model.ForwardSpec, bool) {
	parts := strings.Fields(v)
	if len(parts) != 2 {
		return model.ForwardSpec{}, false
	}
	srcAddr, srcPort, ok := endpoint(parts[0], "127.0.0.1")
	if !ok {
		return model.ForwardSpec{}, false
	}
	dstAddr, dstPort, ok := endpoint(parts[1], "localhost")
	if !ok {
		return model.ForwardSpec{}, false
	}
	return model.ForwardSpec{
		Direction: dir,
		SrcAddr:   srcAddr,
		SrcPort:   srcPort,
		DstAddr:   dstAddr,
		DstPort:   dstPort,
	}, true
}

func endpoint(s, fallback string) (string, int, bool) {
	addr, portStr := "", s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		addr, portStr = s[:i], s[i+1:]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || util.ValidatePort(port) != nil {
		return "", 0, false
	}
	return util.NormalizeAddr(addr, fallback), port, true
}

func matches(alias string, patterns []string) bool {
	hit := false
	for _, p := range patterns {
		neg := strings.HasPrefix(p, "!")
		ok, err := filepath.Match(strings.TrimPrefix(p, "!"), alias)
		if err != nil || !ok {
			continue
		}
		if neg {
			return false
		}
		hit = true
	}
	return hit
}

func concrete(pattern string) bool {
	return pattern != "" && !strings.HasPrefix(pattern, "!") && !strings.ContainsAny(pattern, "*?")
}

func splitDirective(line string) (key, value string, ok bool) {
	i := strings.IndexAny(line, " \t=")
	if i <= 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(line[:i]))
	value = strings.TrimSpace(strings.TrimLeft(line[i:], " \t="))
	value = strings.Trim(value, `"`)
	return key, value, key != "" && value != ""
}

func stripComment(line string) string {
	quoted := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case '#':
			if !quoted {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return strings.TrimSpace(line)
}
