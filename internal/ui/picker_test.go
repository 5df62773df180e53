package ui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/treykane/termssh/internal/model"
)

func hosts() []model.HostEntry {
	return []model.HostEntry{
		{Alias: "api", HostName: "api.internal", Port: 22},
		{Alias: "db-primary", HostName: "10.0.0.5", Port: 5432},
		{Alias: "db-replica", HostName: "10.0.0.6", Port: 5432},
	}
}

func send(p picker, msgs ...tea.Msg) picker {
	for _, msg := range msgs {
		m, _ := p.Update(msg)
		p = m.(picker)
	}
	return p
}

func TestPickerFiltersAndChooses(t *testing.T) {
	p := send(newPicker(hosts()),
		tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("db")},
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyEnter},
	)
	if len(p.filtered) != 2 {
		t.Fatalf("expected two db hosts, got %+v", p.filtered)
	}
	if p.chosen == nil || p.chosen.Alias != "db-replica" {
		t.Fatalf("unexpected choice %+v", p.chosen)
	}
}

func TestPickerSelectionStaysInRange(t *testing.T) {
	p := send(newPicker(hosts()),
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyDown},
		tea.KeyMsg{Type: tea.KeyDown},
	)
	if p.sel != 2 {
		t.Fatalf("selection should stop at the last host, got %d", p.sel)
	}
	p = send(p, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("api")})
	if p.sel != 0 || len(p.filtered) != 1 {
		t.Fatalf("filter should clamp selection, sel=%d filtered=%+v", p.sel, p.filtered)
	}
}

func TestPickerEscapeChoosesNothing(t *testing.T) {
	p := send(newPicker(hosts()), tea.KeyMsg{Type: tea.KeyEsc})
	if p.chosen != nil {
		t.Fatal("escape must not choose a host")
	}
	p = send(newPicker(hosts()), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("nomatch")}, tea.KeyMsg{Type: tea.KeyEnter})
	if p.chosen != nil || !strings.Contains(p.View(), "no hosts matched") {
		t.Fatal("enter on an empty list must not choose")
	}
}

func TestTrustPanelShowsFingerprint(t *testing.T) {
	out := TrustPanel(model.TrustPrompt{Host: "testhost", Port: 22, KeyType: "ssh-ed25519", Fingerprint: "SHA256:abc"})
	for _, want := range []string{"testhost:22", "ssh-ed25519", "SHA256:abc"} {
		if !strings.Contains(out, want) {
			t.Fatalf("panel missing %q:\n%s", want, out)
		}
	}
}

func TestTableAlignsColumns(t *testing.T) {
	out := Table([]string{"ID", "STATE"}, [][]string{{"abc", "active"}, {"a", "closed"}})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[2], "a    closed") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}
