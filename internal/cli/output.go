package cli

import (
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// interactive reports whether stdout is a terminal. Piped output gets
// absolute timestamps so it stays machine readable.
func interactive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func formatTime(t time.Time) string {
	if interactive() {
		return humanize.Time(t)
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

// formatMB renders a megabyte figure as a human readable size.
func formatMB(mb *float64) string {
	if mb == nil {
		return "-"
	}
	return humanize.IBytes(uint64(*mb * 1024 * 1024))
}

func formatPercent(p *float64) string {
	if p == nil {
		return "-"
	}
	return humanize.FtoaWithDigits(*p, 1) + "%"
}

func derefString(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
