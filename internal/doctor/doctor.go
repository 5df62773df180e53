// Package doctor runs local diagnostics: the ssh binary, ssh config
// warnings, forward bind conflicts, leftover forward processes and the
// security audit.
package doctor

import (
	"fmt"
	"sort"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/forward"
	"github.com/treykane/termssh/internal/hosts"
	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/security"
	"github.com/treykane/termssh/internal/sshclient"
	"github.com/treykane/termssh/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Run executes the diagnostics against cfg. The report is ordered by
// severity, then check, then target.
func Run(cfg appconfig.Config) (Report, error) {
	issues := []Issue{}

	if err := sshclient.EnsureSSHBinary(cfg.Forward.SSHBinary); err != nil {
		sev := SeverityLow
		if cfg.Forward.Backend == string(model.BackendProcess) {
			sev = SeverityHigh
		}
		issues = append(issues, Issue{
			Severity:       sev,
			Check:          "ssh-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install the OpenSSH client or set forward.backend to inprocess",
		})
	}

	if res, err := hosts.ParseDefault(); err == nil {
		for _, w := range res.Warnings {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "config-warning",
				Target:         "~/.ssh/config",
				Message:        w,
				Recommendation: "fix malformed or unsupported ssh config directives",
			})
		}
		issues = append(issues, duplicateBindIssues(res.Hosts)...)
	}

	path, err := appconfig.RuntimeFilePath()
	if err != nil {
		return Report{}, err
	}
	recorded, err := forward.ReadRuntime(path)
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "runtime-file",
			Target:         path,
			Message:        err.Error(),
			Recommendation: "remove the file; it is rewritten by the next forward",
		})
	}
	issues = append(issues, runtimeIssues(recorded)...)

	for _, f := range security.RunLocalAudit(cfg).Findings {
		issues = append(issues, Issue{
			Severity:       Severity(f.Severity),
			Check:          "security-audit",
			Target:         f.Target,
			Message:        f.Message,
			Recommendation: f.Recommendation,
		})
	}

	sort.SliceStable(issues, func(i, j int) bool {
		ri, rj := severityRank(issues[i].Severity), severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

// runtimeIssues reports forwards recorded by earlier runs. Live ones keep a
// port bound with nobody managing them; dead ones are stale records.
func runtimeIssues(recorded []model.ForwardRuntime) []Issue {
	var issues []Issue
	for _, rt := range recorded {
		if rt.Alive {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "runtime-orphan",
				Target:         rt.Src,
				Message:        fmt.Sprintf("forward %s to %s is held by pid %d from an earlier run", rt.Src, rt.Dst, rt.PID),
				Recommendation: "run `termssh forward reap` if no other termssh is using it",
			})
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "runtime-stale",
			Target:         rt.Src,
			Message:        fmt.Sprintf("recorded forward %s to %s is no longer running", rt.Src, rt.Dst),
			Recommendation: "run `termssh forward reap` to clean up the runtime file",
		})
	}
	return issues
}

func duplicateBindIssues(entries []model.HostEntry) []Issue {
	owners := map[string][]string{}
	for _, h := range entries {
		for _, fwd := range h.Forwards {
			if fwd.Direction == model.ForwardRemote {
				continue
			}
			bind := util.HostPort(util.NormalizeAddr(fwd.SrcAddr, "127.0.0.1"), fwd.SrcPort)
			owners[bind] = append(owners[bind], h.Alias)
		}
	}
	var issues []Issue
	for bind, aliases := range owners {
		if len(aliases) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-bind",
			Target:         bind,
			Message:        fmt.Sprintf("local bind is configured by %d hosts", len(aliases)),
			Recommendation: "use unique local ports per host and forward",
		})
	}
	return issues
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
