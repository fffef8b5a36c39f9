package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shaneisley/powernap/pkg/audit"
)

// Reporter handles status reporting and terminal output
type Reporter struct {
	writer io.Writer
	quiet  bool
}

// NewReporter creates a new status reporter
func NewReporter(writer io.Writer) *Reporter {
	return &Reporter{
		writer: writer,
		quiet:  false,
	}
}

// SetQuiet enables or disables quiet mode (suppresses progress messages)
func (r *Reporter) SetQuiet(quiet bool) {
	r.quiet = quiet
}

// Progress reports an intermediate step, suppressed in quiet mode
func (r *Reporter) Progress(format string, args ...any) {
	if r.quiet {
		return
	}
	fmt.Fprintf(r.writer, "[powernap] "+format+"\n", args...)
}

// TriggerResult reports the outcome of one processed trigger
func (r *Reporter) TriggerResult(entry audit.Entry) {
	var line string
	switch entry.Decision {
	case audit.DecisionAccepted:
		line = fmt.Sprintf("✅ [powernap] %s: %s", entry.Trigger, entry.Outcome)
	case audit.DecisionRejected:
		line = fmt.Sprintf("❌ [powernap] %s rejected (%s)", entry.Trigger, entry.Reason)
	default:
		line = fmt.Sprintf("❌ [powernap] %s error (%s)", entry.Trigger, entry.Reason)
	}
	if entry.DryRun {
		line += " [dry-run]"
	}
	fmt.Fprintln(r.writer, line)
}

// Headline prints a section header for the status report
func (r *Reporter) Headline(text string) {
	fmt.Fprintf(r.writer, "%s\n", text)
}

// StatusLine prints one label/value pair of the status report
func (r *Reporter) StatusLine(label, value string) {
	fmt.Fprintf(r.writer, "  %s: %s\n", label, value)
}

// DeadlineLine prints the shutdown deadline with its distance from now
func (r *Reporter) DeadlineLine(deadline time.Time, overridden bool, now time.Time) {
	value := deadline.Format("Mon 2006-01-02 15:04")
	if deadline.After(now) {
		value += fmt.Sprintf(" (in %s", r.formatDuration(deadline.Sub(now)))
	} else {
		value += fmt.Sprintf(" (%s ago", r.formatDuration(now.Sub(deadline)))
	}
	if overridden {
		value += ", extended"
	}
	value += ")"
	r.StatusLine("Shutdown deadline", value)
}

// formatDuration formats a duration in a human-readable way
func (r *Reporter) formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	// Handle sub-second durations
	if d < time.Second {
		return fmt.Sprintf("%.1fs", float64(d)/float64(time.Second))
	}

	// Handle durations with fractional seconds
	if d < time.Minute {
		seconds := float64(d) / float64(time.Second)
		if seconds == float64(int(seconds)) {
			return fmt.Sprintf("%.0fs", seconds)
		}
		// Format with minimal decimal places, removing trailing zeros
		formatted := fmt.Sprintf("%.2f", seconds)
		formatted = strings.TrimRight(formatted, "0")
		formatted = strings.TrimRight(formatted, ".")
		return formatted + "s"
	}

	// Handle longer durations
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	seconds := (d % time.Minute) / time.Second

	if hours > 0 {
		if minutes > 0 && seconds > 0 {
			return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
		} else if minutes > 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		} else if seconds > 0 {
			return fmt.Sprintf("%dh%ds", hours, seconds)
		}
		return fmt.Sprintf("%dh", hours)
	}

	if minutes > 0 {
		if seconds > 0 {
			return fmt.Sprintf("%dm%ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	}

	return fmt.Sprintf("%ds", seconds)
}
