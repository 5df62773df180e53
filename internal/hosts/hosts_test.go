package hosts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/treykane/termssh/internal/model"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseFileFirstValueWins(t *testing.T) {
	d := t.TempDir()
	path := writeConfig(t, d, "config", `
Host app-1
  HostName 10.0.0.10
  LocalForward 8080 localhost:80
  RemoteForward 0.0.0.0:9000 3000

Host app-*
  User wildcard
  Port 2222

Host *
  User default
  Port 22
`)
	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hosts) != 1 {
		t.Fatalf("expected 1 concrete host, got %+v", res.Hosts)
	}
	h := res.Hosts[0]
	if h.Alias != "app-1" || h.User != "wildcard" || h.HostName != "10.0.0.10" || h.Port != 2222 {
		t.Fatalf("unexpected host parse: %+v", h)
	}
	want := []model.ForwardSpec{
		{Direction: model.ForwardLocal, SrcAddr: "127.0.0.1", SrcPort: 8080, DstAddr: "localhost", DstPort: 80},
		{Direction: model.ForwardRemote, SrcAddr: "0.0.0.0", SrcPort: 9000, DstAddr: "localhost", DstPort: 3000},
	}
	if len(h.Forwards) != 2 || h.Forwards[0] != want[0] || h.Forwards[1] != want[1] {
		t.Fatalf("unexpected forwards: %+v", h.Forwards)
	}
}

func TestParseFileIncludeMalformedAndMissing(t *testing.T) {
	d := t.TempDir()
	writeConfig(t, d, "inc.conf", "Host db\n  HostName 10.1.1.1\n")
	root := writeConfig(t, d, "config", "Include inc.conf missing-*.conf\nBadLine\nHost api\n  HostName=api.internal\n  Port notanumber\n")

	res, err := ParseFile(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hosts) != 2 {
		t.Fatalf("expected 2 hosts from include+root, got %+v", res.Hosts)
	}
	api, ok := res.Lookup("api")
	if !ok || api.HostName != "api.internal" || api.Port != 22 {
		t.Fatalf("unexpected api entry %+v", api)
	}
	if len(res.Warnings) < 2 {
		t.Fatalf("expected warnings for the bad line and the empty glob, got %v", res.Warnings)
	}

	missing, err := ParseFile(filepath.Join(d, "nope"))
	if err != nil || len(missing.Hosts) != 0 || len(missing.Warnings) != 1 {
		t.Fatalf("missing file should be a warning, got %+v %v", missing, err)
	}
}

func TestParseFileIncludeCycle(t *testing.T) {
	d := t.TempDir()
	writeConfig(t, d, "a", "Include b\nHost a\n")
	root := writeConfig(t, d, "b", "Include a\nHost b\n")
	res, err := ParseFile(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hosts) != 2 || len(res.Warnings) == 0 {
		t.Fatalf("expected both hosts and a cycle warning, got %+v", res)
	}
}

func TestResolve(t *testing.T) {
	res := Result{Hosts: []model.HostEntry{{Alias: "prod", HostName: "10.0.0.5", Port: 2200, IdentityFile: "/k"}}}
	cases := []struct {
		arg  string
		want Target
	}{
		{"prod", Target{Alias: "prod", Host: "10.0.0.5", Port: 2200, User: "me", IdentityFile: "/k"}},
		{"alice@db.internal", Target{Host: "db.internal", Port: 22, User: "alice"}},
		{"bob@db:2022", Target{Host: "db", Port: 2022, User: "bob"}},
		{"carol@[::1]:2200", Target{Host: "::1", Port: 2200, User: "carol"}},
		{"example.com", Target{Host: "example.com", Port: 22, User: "me"}},
	}
	for _, tc := range cases {
		got, err := Resolve(res, tc.arg, "me")
		if err != nil {
			t.Fatalf("%s: %v", tc.arg, err)
		}
		if got.Alias != tc.want.Alias || got.Host != tc.want.Host || got.Port != tc.want.Port ||
			got.User != tc.want.User || got.IdentityFile != tc.want.IdentityFile {
			t.Fatalf("%s: want %+v got %+v", tc.arg, tc.want, got)
		}
	}
	if got, _ := Resolve(res, "prod", "me"); got.Group() != "prod" {
		t.Fatalf("alias should name the group, got %s", got.Group())
	}
	if got, _ := Resolve(res, "bob@db:2022", ""); got.Group() != "bob@db:2022" {
		t.Fatalf("unexpected group %s", got.Group())
	}
	for _, bad := range []string{"", "alice@db:0", "alice@db:x", "@db", "carol@[::1"} {
		if _, err := Resolve(res, bad, ""); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
