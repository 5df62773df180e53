package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/hosts"
	"github.com/treykane/termssh/internal/keys"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects cfg and the permissions of the files termssh and
// OpenSSH read: the key directory, known_hosts, private keys and the
// runtime state.
func RunLocalAudit(cfg appconfig.Config) AuditReport {
	var findings []Finding
	add := func(sev Severity, target, msg, rec string) {
		findings = append(findings, Finding{Severity: sev, Target: target, Message: msg, Recommendation: rec})
	}

	switch cfg.Security.HostKeyPolicy {
	case appconfig.HostKeyPolicyInsecure:
		add(SeverityHigh, "config.yaml", "host key verification is disabled",
			"set security.host_key_policy to strict or accept-new")
	case appconfig.HostKeyPolicyAcceptNew:
		add(SeverityLow, "config.yaml", "unknown host keys are recorded on first use by forward processes",
			"set security.host_key_policy to strict once known_hosts is populated")
	}
	if cfg.Security.BindPolicy == appconfig.BindPolicyAllowPublic {
		add(SeverityMedium, "config.yaml", "forwards may listen on non-loopback addresses",
			"set security.bind_policy to loopback-only")
	}
	if !cfg.Security.RedactErrors {
		add(SeverityLow, "config.yaml", "error messages may include local paths",
			"set security.redact_errors to true")
	}

	checkPathPerm(&findings, cfg.KnownHostsFile(), 0o644, true)

	if home, err := os.UserHomeDir(); err == nil {
		sshDir := filepath.Join(home, ".ssh")
		checkPathPerm(&findings, sshDir, 0o700, false)
		checkPathPerm(&findings, filepath.Join(sshDir, "config"), 0o600, true)
		if found, err := keys.Scan(sshDir); err == nil {
			for _, k := range found {
				checkPathPerm(&findings, k.Path, 0o600, true)
			}
		}
	}

	if cfgDir, err := appconfig.ConfigDir(); err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		for _, name := range []string{"config.yaml", "runtime.json", "events.jsonl", "history.json"} {
			checkPathPerm(&findings, filepath.Join(cfgDir, name), 0o600, true)
		}
	}

	if res, err := hosts.ParseDefault(); err == nil {
		seen := map[string]bool{}
		for _, h := range res.Hosts {
			if h.IdentityFile == "" || seen[h.IdentityFile] {
				continue
			}
			seen[h.IdentityFile] = true
			checkPathPerm(&findings, h.IdentityFile, 0o600, true)
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: dedupe(findings)}
}

// dedupe drops repeated findings for the same target, which happens when a
// key is both scanned and named by IdentityFile.
func dedupe(in []Finding) []Finding {
	seen := map[Finding]bool{}
	out := in[:0]
	for _, f := range in {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max == 0 {
		return
	}
	kind := "directory"
	if isFile {
		kind = "file"
	}
	*findings = append(*findings, Finding{
		Severity:       SeverityMedium,
		Target:         path,
		Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
		Recommendation: fmt.Sprintf("chmod %#o %s", max, path),
	})
}
