package history

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/treykane/termssh/internal/model"
)

func TestTouchAndLastUsed(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := Touch("api"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := LastUsed()
	if err != nil {
		t.Fatalf("last used: %v", err)
	}
	if got["api"] <= 0 {
		t.Fatalf("expected timestamp for api, got %+v", got)
	}
}

func TestConcurrentTouchKeepsEveryKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := Touch(k); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	got, err := LastUsed()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(keys) {
		t.Fatalf("lost updates: %v", got)
	}
}

func TestCorruptFileIsReplaced(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "termssh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "history.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Touch("db"); err != nil {
		t.Fatal(err)
	}
	got, err := LastUsed()
	if err != nil || len(got) != 1 || got["db"] == 0 {
		t.Fatalf("unexpected history %v %v", got, err)
	}
}

func TestSortHostsRecent(t *testing.T) {
	hosts := []model.HostEntry{
		{Alias: "db"},
		{Alias: "api"},
		{Alias: "cache"},
	}
	now := time.Now().Unix()
	sorted := SortHostsRecent(hosts, map[string]int64{
		"api": now,
		"db":  now - 60,
	})
	if sorted[0].Alias != "api" || sorted[1].Alias != "db" || sorted[2].Alias != "cache" {
		t.Fatalf("unexpected order %+v", sorted)
	}
}
