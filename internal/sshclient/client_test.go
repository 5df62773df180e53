package sshclient

import (
	"reflect"
	"testing"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/model"
)

func TestBuildForwardArgs(t *testing.T) {
	c := New("ssh", "/home/alice/.ssh/known_hosts", appconfig.HostKeyPolicyAcceptNew)
	args := c.BuildForwardArgs(
		Destination{Host: "prod.example.com", Port: 2222, User: "alice", KeyPath: "/keys/id_ed25519"},
		model.ForwardSpec{Direction: model.ForwardLocal, SrcAddr: "127.0.0.1", SrcPort: 8080, DstAddr: "localhost", DstPort: 80},
	)
	want := []string{
		"-N",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "BatchMode=yes",
		"-p", "2222",
		"-i", "/keys/id_ed25519",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "UserKnownHostsFile=/home/alice/.ssh/known_hosts",
		"-L", "127.0.0.1:8080:localhost:80",
		"alice@prod.example.com",
	}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args mismatch\nwant=%v\n got=%v", want, args)
	}
}

func TestHostKeyOptionsFollowPolicy(t *testing.T) {
	cases := map[appconfig.HostKeyPolicy][]string{
		appconfig.HostKeyPolicyStrict:    {"-o", "StrictHostKeyChecking=yes", "-o", "UserKnownHostsFile=/kh"},
		appconfig.HostKeyPolicyInsecure:  {"-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null"},
		appconfig.HostKeyPolicyAcceptNew: {"-o", "StrictHostKeyChecking=accept-new", "-o", "UserKnownHostsFile=/kh"},
	}
	for policy, want := range cases {
		if got := New("", "/kh", policy).HostKeyOptions(); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: want=%v got=%v", policy, want, got)
		}
	}
}

func TestForwardFlagDefaultsAndRemote(t *testing.T) {
	got := ForwardFlag(model.ForwardSpec{Direction: model.ForwardRemote, SrcPort: 9000, DstPort: 3000})
	want := []string{"-R", "127.0.0.1:9000:localhost:3000"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("want=%v got=%v", want, got)
	}
	got = ForwardFlag(model.ForwardSpec{SrcAddr: "::1", SrcPort: 5432, DstAddr: "db", DstPort: 5432})
	if got[1] != "[::1]:5432:db:5432" {
		t.Fatalf("expected bracketed IPv6, got %s", got[1])
	}
}

func TestEnsureSSHBinaryMissing(t *testing.T) {
	if err := EnsureSSHBinary("definitely-not-a-real-ssh-binary"); err == nil {
		t.Fatal("expected missing binary error")
	}
}
