// Package history remembers when each session group last connected.
package history

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/treykane/termssh/internal/appconfig"
	"github.com/treykane/termssh/internal/model"
)

// mu serializes read-modify-write cycles within the process.
var mu sync.Mutex

type file struct {
	LastUsed map[string]int64 `json:"last_used"`
}

func path() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.json"), nil
}

// Touch records a successful connect for key, usually a host alias or
// user@host:port.
func Touch(key string) error {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return err
	}
	st.LastUsed[key] = time.Now().Unix()
	return save(st)
}

// LastUsed returns the last connect time per key, in unix seconds.
func LastUsed() (map[string]int64, error) {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return nil, err
	}
	return st.LastUsed, nil
}

// SortHostsRecent orders hosts most recently used first, then by alias.
func SortHostsRecent(hosts []model.HostEntry, lastUsed map[string]int64) []model.HostEntry {
	out := append([]model.HostEntry(nil), hosts...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := lastUsed[out[i].Alias], lastUsed[out[j].Alias]
		if ti != tj {
			return ti > tj
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}

func load() (file, error) {
	p, err := path()
	if err != nil {
		return file{}, err
	}
	st := file{LastUsed: map[string]int64{}}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return file{}, err
	}
	// A corrupt file is replaced on the next write.
	if json.Unmarshal(b, &st) != nil || st.LastUsed == nil {
		st.LastUsed = map[string]int64{}
	}
	return st, nil
}

func save(st file) error {
	p, err := path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
