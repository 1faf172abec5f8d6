// Package ui renders CLI output. Styling is applied only when writing to a
// terminal and NO_COLOR is unset; piped output stays plain text.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/omnii/replica/internal/replica/daemon"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#1F4E79", Dark: "#7FB3E6"})
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#555555", Dark: "#999999"})
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// Printer writes styled output to w.
type Printer struct {
	w     io.Writer
	color bool
}

// New returns a printer that colors only terminals.
func New(w io.Writer) *Printer {
	return &Printer{w: w, color: IsTerminal(w) && os.Getenv("NO_COLOR") == ""}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *Printer) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// Header prints a section title.
func (p *Printer) Header(title string) {
	fmt.Fprintln(p.w, p.render(headerStyle, title))
}

// Field prints an indented "label: value" line. Labels are padded to width.
func (p *Printer) Field(label string, value any, width int) {
	pad := width - len(label)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintf(p.w, "  %s%s %v\n", p.render(labelStyle, label+":"), strings.Repeat(" ", pad), value)
}

func (p *Printer) Successf(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(okStyle, "✓ ")+fmt.Sprintf(format, args...))
}

func (p *Printer) Warnf(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(warnStyle, "! ")+fmt.Sprintf(format, args...))
}

func (p *Printer) Errorf(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(errStyle, "✗ ")+fmt.Sprintf(format, args...))
}

// SyncState renders the daemon state with degraded and auth markers.
func (p *Printer) SyncState(st daemon.Status) string {
	var s string
	switch st.State {
	case daemon.StateIdle:
		s = p.render(okStyle, string(st.State))
	case daemon.StateError:
		s = p.render(errStyle, string(st.State))
	default:
		s = p.render(busyStyle, string(st.State))
	}
	if st.Degraded {
		s += " " + p.render(warnStyle, "(degraded)")
	}
	if st.NeedsAuth {
		s += " " + p.render(errStyle, "(sign-in required)")
	}
	return s
}

// Table prints rows under headers with columns padded to the widest cell.
func (p *Printer) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(widths))
		for i := range widths {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			cell += strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if style != nil {
				cell = p.render(*style, cell)
			}
			parts[i] = cell
		}
		fmt.Fprintln(p.w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	line(headers, &headerStyle)
	for _, row := range rows {
		line(row, nil)
	}
}
