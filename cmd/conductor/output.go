package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/conductor/internal/doctor"
	"github.com/basket/conductor/internal/persistence"
	"github.com/basket/conductor/internal/stats"
)

var noColor = os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd())

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func styled(style lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return style.Render(text)
}

func okMark() string   { return styled(okStyle, "✓") }
func warnMark() string { return styled(warnStyle, "⚠") }

// table lays rows out in left-aligned columns. The header row is styled.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}
	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = fmt.Sprintf("%-*s", widths[i], c)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	var b strings.Builder
	b.WriteString(styled(headerStyle, line(header)))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(line(row))
		b.WriteString("\n")
	}
	return b.String()
}

func optional(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

func renderBackends(backends []persistence.Backend) string {
	rows := make([][]string, 0, len(backends))
	for _, b := range backends {
		group := b.Group
		if group == "" {
			group = "-"
		}
		rows = append(rows, []string{
			b.ID,
			strconv.FormatInt(b.SessionID, 10),
			strconv.FormatInt(b.HandleID, 10),
			group,
			optional(b.Capacity),
			optional(b.BalancerCapacity),
			b.JanusURL,
		})
	}
	return table([]string{"ID", "SESSION", "HANDLE", "GROUP", "CAPACITY", "BALANCER", "URL"}, rows)
}

func renderCounters(counters []stats.Counter) string {
	if len(counters) == 0 {
		return styled(dimStyle, "no counters since the last flush") + "\n"
	}
	rows := make([][]string, 0, len(counters))
	for _, c := range counters {
		rows = append(rows, []string{c.Key, strconv.FormatInt(c.Value, 10)})
	}
	return table([]string{"KEY", "VALUE"}, rows)
}

func renderDiagnosis(d doctor.Diagnosis) string {
	rows := make([][]string, 0, len(d.Results))
	for _, r := range d.Results {
		status := string(r.Status)
		switch r.Status {
		case doctor.StatusPass:
			status = styled(okStyle, status)
		case doctor.StatusFail, doctor.StatusWarn:
			status = styled(warnStyle, status)
		case doctor.StatusSkip:
			status = styled(dimStyle, status)
		}
		rows = append(rows, []string{r.Name, status, r.Message})
	}
	header := fmt.Sprintf("conductor %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	return header + table([]string{"CHECK", "STATUS", "MESSAGE"}, rows)
}
