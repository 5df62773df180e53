package doctor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/termssh/internal/appconfig"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := os.MkdirAll(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	return home
}

func hasCheck(r Report, check string) bool {
	for _, issue := range r.Issues {
		if issue.Check == check {
			return true
		}
	}
	return false
}

func TestRunIncludesDuplicateBindIssue(t *testing.T) {
	home := isolate(t)
	cfg := strings.Join([]string{
		"Host api",
		"  HostName 127.0.0.1",
		"  LocalForward 127.0.0.1:9601 localhost:80",
		"Host db",
		"  HostName 127.0.0.1",
		"  LocalForward 9601 localhost:5432",
		"  RemoteForward 9601 localhost:5432",
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(home, ".ssh", "config"), []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := Run(appconfig.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !hasCheck(report, "duplicate-local-bind") {
		t.Fatalf("expected duplicate-local-bind issue, got %+v", report.Issues)
	}
}

func TestRunReportsStaleRuntime(t *testing.T) {
	isolate(t)
	path, err := appconfig.RuntimeFilePath()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	raw := `[{"id":"f1","session_id":"s1","host":"api","src":"127.0.0.1:9602","dst":"localhost:80","backend":"process","pid":0,"state":"active"}]`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := Run(appconfig.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !hasCheck(report, "runtime-stale") {
		t.Fatalf("expected runtime-stale issue, got %+v", report.Issues)
	}

	b, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in json output: %s", string(b))
	}
}

func TestRunMissingBinarySeverityFollowsBackend(t *testing.T) {
	isolate(t)
	cfg := appconfig.Default()
	cfg.Forward.SSHBinary = "definitely-not-a-real-ssh-binary"

	report, err := Run(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Issues) == 0 || report.Issues[0].Check != "ssh-binary" || report.Issues[0].Severity != SeverityHigh {
		t.Fatalf("expected high ssh-binary issue first, got %+v", report.Issues)
	}

	cfg.Forward.Backend = "inprocess"
	report, err = Run(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, issue := range report.Issues {
		if issue.Check == "ssh-binary" && issue.Severity != SeverityLow {
			t.Fatalf("in-process backend does not need ssh, got %+v", issue)
		}
	}
}
