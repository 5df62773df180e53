package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/termssh/internal/model"
)

var (
	warnColor = lipgloss.Color("214")
	errColor  = lipgloss.Color("196")
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// Panel draws body in a rounded border with a bold title.
func Panel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(strings.TrimSpace(header + "\n" + content))
}

// TrustPanel renders the host key confirmation shown before the first
// connect to a host.
func TrustPanel(p model.TrustPrompt) string {
	body := fmt.Sprintf("The authenticity of %s:%d can't be established.\n\n%s key fingerprint:\n  %s\n\n%s",
		p.Host, p.Port, p.KeyType, p.Fingerprint,
		dimStyle.Render("Accepting records the key in known_hosts."))
	return Panel("Unknown host key", body, 72, warnColor)
}

// ErrorLine styles a one-line error for stderr.
func ErrorLine(msg string) string {
	return lipgloss.NewStyle().Foreground(errColor).Render("error: ") + msg
}

// Table renders rows under a bold header with columns padded to the widest
// cell.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}
	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			if i == len(cells)-1 {
				parts[i] = c
				continue
			}
			parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		return strings.Join(parts, "  ")
	}
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Render(line(header)) + "\n")
	for _, r := range rows {
		b.WriteString(line(r) + "\n")
	}
	return b.String()
}
