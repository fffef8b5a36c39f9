package cron

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Rewriter mirrors the shutdown deadline into a crontab entry. The state
// file remains the source of truth; the crontab is what actually fires the
// shutdown invocation, so the two are kept in step.
//
// The managed entry keeps two hour values: the scheduled hour and a
// backstop hour. If the scheduled shutdown is missed or rolled forward,
// the backstop still brings the fleet down.
type Rewriter struct {
	// Path is the crontab file to rewrite.
	Path string
	// JobMatch is the substring identifying the managed entry.
	JobMatch string
	// DefaultHour and DefaultMinute are the restore schedule.
	DefaultHour   int
	DefaultMinute int
	// BackstopHour is the latest hour a shutdown may be pushed to.
	BackstopHour int
}

// NewRewriter creates a rewriter for the crontab at path whose managed
// entry contains jobMatch.
func NewRewriter(path, jobMatch string, defaultHour, defaultMinute, backstopHour int) *Rewriter {
	return &Rewriter{
		Path:          path,
		JobMatch:      jobMatch,
		DefaultHour:   defaultHour,
		DefaultMinute: defaultMinute,
		BackstopHour:  backstopHour,
	}
}

// Apply rewrites the managed entry to fire at the deadline, keeping the
// backstop hour as a second hour value. A deadline already at the backstop
// hour collapses to a single entry.
func (r *Rewriter) Apply(deadline time.Time) error {
	return r.rewrite(deadline.Minute(), r.hourField(deadline.Hour()))
}

// Reset restores the managed entry to the default schedule.
func (r *Rewriter) Reset() error {
	return r.rewrite(r.DefaultMinute, r.hourField(r.DefaultHour))
}

func (r *Rewriter) hourField(hour int) string {
	if hour == r.BackstopHour {
		return strconv.Itoa(hour)
	}
	return fmt.Sprintf("%d,%d", hour, r.BackstopHour)
}

func (r *Rewriter) rewrite(minute int, hourField string) error {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return fmt.Errorf("failed to read crontab %s: %w", r.Path, err)
	}

	lines := strings.Split(string(data), "\n")
	found := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !strings.Contains(line, r.JobMatch) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		fields[0] = strconv.Itoa(minute)
		fields[1] = hourField
		lines[i] = strings.Join(fields, " ")
		found = true
		break
	}
	if !found {
		return fmt.Errorf("no cron entry matching %q in %s", r.JobMatch, r.Path)
	}

	info, err := os.Stat(r.Path)
	if err != nil {
		return fmt.Errorf("failed to stat crontab %s: %w", r.Path, err)
	}
	if err := os.WriteFile(r.Path, []byte(strings.Join(lines, "\n")), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write crontab %s: %w", r.Path, err)
	}
	return nil
}
