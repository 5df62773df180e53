package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/termssh/internal/appconfig"
)

// Query controls event filtering and bounded reads.
type Query struct {
	SessionID string
	ForwardID string
	Kind      Kind
	Since     time.Time
	Limit     int
}

// Store provides append/read access to the local lifecycle journal.
type Store struct {
	mu sync.Mutex
}

func NewStore() *Store {
	return &Store{}
}

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	path, err := appconfig.EventsFilePath()
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Emit journals lifecycle events and ignores the high-volume kinds.
func (s *Store) Emit(evt Event) {
	switch evt.Kind {
	case KindForwardState, KindSessionState:
	default:
		return
	}
	if err := s.Append(evt); err != nil {
		slog.Warn("failed to journal event", "kind", evt.Kind, "error", err)
	}
}

// Read returns events in append order, filtered by query, with optional limit.
func (s *Store) Read(q Query) ([]Event, error) {
	path, err := appconfig.EventsFilePath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.SessionID) != "" && evt.SessionID != q.SessionID {
		return false
	}
	if strings.TrimSpace(q.ForwardID) != "" && evt.ForwardID != q.ForwardID {
		return false
	}
	if q.Kind != "" && evt.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
