package util

import "testing"

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"Build.Example.COM": "build.example.com",
		" TestHost ":        "testhost",
		"10.0.0.7":          "10.0.0.7",
		"[FE80::1]":         "FE80::1",
		"fe80::1%Eth0":      "fe80::1%Eth0",
	}
	for in, want := range cases {
		if got := NormalizeHost(in); got != want {
			t.Fatalf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	for _, addr := range []string{"", "localhost", "127.0.0.1", "::1", "[::1]"} {
		if !IsLoopback(addr) {
			t.Fatalf("expected %q to be loopback", addr)
		}
	}
	for _, addr := range []string{"0.0.0.0", "10.0.0.1", "example.com"} {
		if IsLoopback(addr) {
			t.Fatalf("expected %q to be non-loopback", addr)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := ShellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("unexpected quoting: %s", got)
	}
	if got := ShellQuote("/srv/my app"); got != "'/srv/my app'" {
		t.Fatalf("unexpected quoting: %s", got)
	}
}

func TestValidatePort(t *testing.T) {
	if err := ValidatePort(0); err == nil {
		t.Fatal("expected error for port 0")
	}
	if err := ValidatePort(65535); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if PortOrDefault(0) != 22 || PortOrDefault(2222) != 2222 {
		t.Fatal("unexpected PortOrDefault result")
	}
}
