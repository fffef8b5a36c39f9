package state

import (
	"time"
)

// ScheduleWindow is the persisted active-until deadline for the fleet.
// Overridden is set while an extension is in effect and cleared on reset.
type ScheduleWindow struct {
	CurrentDeadline time.Time `json:"current_deadline"`
	Overridden      bool      `json:"overridden"`
}

// Window applies the extension policy over the persisted schedule state.
// The state file deadline is canonical; the cron mirror only follows it.
type Window struct {
	state            *State
	defaultHour      int
	defaultMinute    int
	defaultExtension time.Duration
	maxExtension     time.Duration
	now              func() time.Time
}

// NewWindow creates a window over st. A zero persisted deadline is
// initialized to the next occurrence of the daily default shutdown time.
func NewWindow(st *State, defaultHour, defaultMinute int, defaultExtension, maxExtension time.Duration, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	w := &Window{
		state:            st,
		defaultHour:      defaultHour,
		defaultMinute:    defaultMinute,
		defaultExtension: defaultExtension,
		maxExtension:     maxExtension,
		now:              now,
	}
	if st.Schedule.CurrentDeadline.IsZero() {
		w.Reset()
	}
	return w
}

// Deadline returns the current active-until deadline
func (w *Window) Deadline() time.Time {
	return w.state.Schedule.CurrentDeadline
}

// Overridden reports whether an extension is currently in effect
func (w *Window) Overridden() bool {
	return w.state.Schedule.Overridden
}

// PlanExtension computes the deadline an extension by d would produce,
// without touching state. The result is max(current, now) + d, capped at
// now + max, and never earlier than the current deadline. A zero d means
// the configured default extension.
func (w *Window) PlanExtension(d time.Duration) time.Time {
	if d <= 0 {
		d = w.defaultExtension
	}
	now := w.now()

	base := w.state.Schedule.CurrentDeadline
	if base.Before(now) {
		base = now
	}
	deadline := base.Add(d)

	if limit := now.Add(w.maxExtension); deadline.After(limit) {
		deadline = limit
	}
	if deadline.Before(w.state.Schedule.CurrentDeadline) {
		deadline = w.state.Schedule.CurrentDeadline
	}
	return deadline
}

// Commit records deadline as the active-until time and marks the window
// overridden. Callers commit only after the schedule mirror accepted the
// new deadline.
func (w *Window) Commit(deadline time.Time) {
	w.state.Schedule.CurrentDeadline = deadline
	w.state.Schedule.Overridden = true
}

// Extend plans and commits an extension by d in one step.
func (w *Window) Extend(d time.Duration) time.Time {
	deadline := w.PlanExtension(d)
	w.Commit(deadline)
	return deadline
}

// Reset restores the deadline to the next occurrence of the daily default
// shutdown time, clearing any extension. Used after a shutdown completes to
// prepare the next cycle.
func (w *Window) Reset() time.Time {
	now := w.now()
	deadline := time.Date(now.Year(), now.Month(), now.Day(), w.defaultHour, w.defaultMinute, 0, 0, now.Location())
	if !deadline.After(now) {
		deadline = deadline.AddDate(0, 0, 1)
	}
	w.state.Schedule.CurrentDeadline = deadline
	w.state.Schedule.Overridden = false
	return deadline
}
