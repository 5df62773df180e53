package transport

import (
	"errors"
	"strings"
	"syscall"
	"testing"
)

func TestDialErrorAddsLocalNetworkHintOnDarwin(t *testing.T) {
	err := dialError("10.0.0.5:22", syscall.EHOSTUNREACH, "darwin")
	if !strings.Contains(err.Error(), "Local Network") {
		t.Fatalf("expected hint, got %v", err)
	}
	if !errors.Is(err, syscall.EHOSTUNREACH) {
		t.Fatal("hint must keep the cause")
	}

	err = dialError("10.0.0.5:22", syscall.EHOSTUNREACH, "linux")
	if strings.Contains(err.Error(), "Local Network") {
		t.Fatalf("unexpected hint on linux: %v", err)
	}
	err = dialError("10.0.0.5:22", syscall.ECONNREFUSED, "darwin")
	if strings.Contains(err.Error(), "Local Network") {
		t.Fatalf("unexpected hint for refused: %v", err)
	}
}

func TestShellOptionsDefaults(t *testing.T) {
	o := ShellOptions{}.withDefaults()
	if o.Term != "xterm-256color" || o.Cols != 80 || o.Rows != 24 {
		t.Fatalf("unexpected defaults: %+v", o)
	}
}
