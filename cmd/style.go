package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/mattn/go-isatty"

	"github.com/mood-agency/funny/internal/thread"
)

var (
	colorMuted   = lipgloss.Color("#6B7280")
	colorRunning = lipgloss.Color("#06B6D4")
	colorWaiting = lipgloss.Color("#F59E0B")
	colorDone    = lipgloss.Color("#10B981")
	colorFailed  = lipgloss.Color("#EF4444")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorMuted)

	statusStyles = map[thread.Status]lipgloss.Style{
		thread.StatusRunning:     lipgloss.NewStyle().Foreground(colorRunning),
		thread.StatusWaiting:     lipgloss.NewStyle().Foreground(colorWaiting).Bold(true),
		thread.StatusCompleted:   lipgloss.NewStyle().Foreground(colorDone),
		thread.StatusFailed:      lipgloss.NewStyle().Foreground(colorFailed),
		thread.StatusInterrupted: lipgloss.NewStyle().Foreground(colorFailed),
		thread.StatusStopped:     lipgloss.NewStyle().Foreground(colorMuted),
	}
)

// colorEnabled reports whether out is a terminal that should get ANSI styling.
func colorEnabled(out io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := out.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// table renders rows in aligned columns. Cells may carry ANSI styling;
// widths are measured on the visible text.
type table struct {
	color   bool
	headers []string
	rows    [][]string
}

func newTable(out io.Writer, headers ...string) *table {
	return &table{color: colorEnabled(out), headers: headers}
}

func (t *table) style(s lipgloss.Style, text string) string {
	if !t.color {
		return text
	}
	return s.Render(text)
}

func (t *table) row(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(out io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			if w := lipgloss.Width(c); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string) string {
		var b strings.Builder
		for i, c := range cells {
			b.WriteString(c)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		return strings.TrimRight(b.String(), " ")
	}

	header := make([]string, len(t.headers))
	for i, h := range t.headers {
		header[i] = t.style(headerStyle, h)
	}
	fmt.Fprintln(out, line(header))
	for _, r := range t.rows {
		fmt.Fprintln(out, line(r))
	}
}
