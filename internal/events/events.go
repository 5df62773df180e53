// Package events defines the payloads the runtime emits to its host
// application and the sinks that receive them.
package events

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/treykane/termssh/internal/model"
)

type Kind string

const (
	KindOutput         Kind = "pty-output"
	KindExit           Kind = "pty-exit"
	KindUploadProgress Kind = "upload-progress"
	KindForwardState   Kind = "forward-state"
	KindSessionState   Kind = "session-state"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	ChannelID string    `json:"channel_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Data      string    `json:"data,omitempty"`
	Path      string    `json:"path,omitempty"`
	Written   int64     `json:"written,omitempty"`
	Total     int64     `json:"total,omitempty"`
	ForwardID string    `json:"forward_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Host      string    `json:"host,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Output wraps a chunk of shell output. Data is base64 so arbitrary bytes
// survive JSON transport.
func Output(channelID string, chunk []byte) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Kind:      KindOutput,
		ChannelID: channelID,
		Data:      base64.StdEncoding.EncodeToString(chunk),
	}
}

func Exit(channelID string) Event {
	return Event{Timestamp: time.Now().UTC(), Kind: KindExit, ChannelID: channelID}
}

func UploadProgress(path string, written, total int64) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Kind:      KindUploadProgress,
		Path:      path,
		Written:   written,
		Total:     total,
	}
}

func ForwardState(forwardID string, state model.ForwardState) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Kind:      KindForwardState,
		ForwardID: forwardID,
		Status:    string(state),
	}
}

func SessionState(sessionID, host, status string) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Kind:      KindSessionState,
		SessionID: sessionID,
		Host:      host,
		Status:    status,
	}
}

// Decode returns the raw bytes of an output event.
func (e Event) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Data)
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block for long: shell readers call Emit inline.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Recorder keeps every event in memory. Tests and the CLI use it to inspect
// what an operation produced.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of the recorded events, optionally filtered by kind.
func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if len(kinds) == 0 || containsKind(kinds, e.Kind) {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until pred holds for the recorded events or the timeout
// elapses. It reports whether pred was satisfied.
func (r *Recorder) WaitFor(timeout time.Duration, pred func([]Event) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if pred(r.Events()) {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return pred(r.Events())
		}
	}
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
