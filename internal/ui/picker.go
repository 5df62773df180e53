// Package ui renders the interactive bits of the CLI: the host picker and
// the host key confirmation panel.
package ui

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/termssh/internal/model"
	"github.com/treykane/termssh/internal/util"
)

// ErrCancelled is returned when the user leaves the picker without choosing.
var ErrCancelled = errors.New("cancelled")

const maxRows = 12

type picker struct {
	hosts    []model.HostEntry
	filtered []model.HostEntry
	sel      int
	filter   textinput.Model
	chosen   *model.HostEntry
	width    int
}

func newPicker(hosts []model.HostEntry) picker {
	ti := textinput.New()
	ti.Prompt = "filter: "
	ti.Placeholder = "alias or hostname"
	ti.Focus()
	p := picker{hosts: hosts, filter: ti, width: 72}
	p.applyFilter()
	return p
}

func (p *picker) applyFilter() {
	f := strings.ToLower(strings.TrimSpace(p.filter.Value()))
	p.filtered = p.filtered[:0]
	for _, h := range p.hosts {
		if f == "" || strings.Contains(strings.ToLower(h.Alias), f) || strings.Contains(strings.ToLower(h.DisplayTarget()), f) {
			p.filtered = append(p.filtered, h)
		}
	}
	p.sel = max(0, min(p.sel, len(p.filtered)-1))
}

func (p picker) Init() tea.Cmd { return textinput.Blink }

func (p picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.width = msg.Width
		return p, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return p, tea.Quit
		case "enter":
			if len(p.filtered) > 0 {
				h := p.filtered[p.sel]
				p.chosen = &h
			}
			return p, tea.Quit
		case "up", "ctrl+p":
			if p.sel > 0 {
				p.sel--
			}
			return p, nil
		case "down", "ctrl+n":
			if p.sel < len(p.filtered)-1 {
				p.sel++
			}
			return p, nil
		}
	}
	var cmd tea.Cmd
	p.filter, cmd = p.filter.Update(msg)
	p.applyFilter()
	return p, cmd
}

func (p picker) View() string {
	var b strings.Builder
	b.WriteString(p.filter.View() + "\n\n")
	start := 0
	if p.sel >= maxRows {
		start = p.sel - maxRows + 1
	}
	for i := start; i < len(p.filtered) && i < start+maxRows; i++ {
		h := p.filtered[i]
		cursor := "  "
		if i == p.sel {
			cursor = "> "
		}
		fmt.Fprintf(&b, "%s%-22s %-28s %s\n", cursor, h.Alias, util.HostPort(h.DisplayTarget(), h.Port), util.EmptyDash(h.User))
	}
	if len(p.filtered) == 0 {
		b.WriteString("  (no hosts matched)\n")
	}
	b.WriteString("\nenter connect | up/down move | esc quit")
	return Panel("Hosts", b.String(), p.width, lipgloss.Color("39"))
}

// PickHost lets the user choose one of hosts, drawing on out. Hosts are
// shown in the given order.
func PickHost(hosts []model.HostEntry, in io.Reader, out io.Writer) (model.HostEntry, error) {
	if len(hosts) == 0 {
		return model.HostEntry{}, errors.New("no hosts in ~/.ssh/config")
	}
	final, err := tea.NewProgram(newPicker(hosts), tea.WithInput(in), tea.WithOutput(out)).Run()
	if err != nil {
		return model.HostEntry{}, err
	}
	if p, ok := final.(picker); ok && p.chosen != nil {
		return *p.chosen, nil
	}
	return model.HostEntry{}, ErrCancelled
}
