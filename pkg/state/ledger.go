package state

import (
	"sort"
	"time"
)

// WeekID returns the identifier of the credit week containing now: the date
// of the most recent week-start day, at midnight local time. Comparing stored
// and computed identifiers makes the weekly reset happen exactly once no
// matter how many invocations run.
func WeekID(now time.Time, weekStart time.Weekday) string {
	days := int(now.Weekday()) - int(weekStart)
	if days < 0 {
		days += 7
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start.AddDate(0, 0, -days).Format("2006-01-02")
}

// Ledger enforces the weekly credit quota over the persisted state.
// Grants come from configuration and are immutable for the invocation;
// only consumption counters live in the state file.
type Ledger struct {
	state     *State
	grants    map[string]int
	weekStart time.Weekday
	now       func() time.Time
}

// NewLedger creates a ledger over st with the given per-principal grants
func NewLedger(st *State, grants map[string]int, weekStart time.Weekday, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		state:     st,
		grants:    grants,
		weekStart: weekStart,
		now:       now,
	}
}

// ResetIfNewWeek zeroes every principal's consumed counter when the stored
// week identifier differs from the current week. Reports whether a reset
// happened; calling it again in the same week is a no-op.
func (l *Ledger) ResetIfNewWeek() bool {
	week := WeekID(l.now(), l.weekStart)
	if l.state.LastResetWeek == week {
		return false
	}
	l.state.LastResetWeek = week
	for _, p := range l.state.Principals {
		p.ConsumedThisWeek = 0
		p.LastResetWeek = week
	}
	return true
}

// Remaining returns the principal's unconsumed quota for this week.
// Unknown principals have no grant and therefore nothing remaining.
func (l *Ledger) Remaining(principal string) int {
	grant := l.grants[principal]
	p, ok := l.state.Principals[principal]
	if !ok {
		return grant
	}
	remaining := grant - p.ConsumedThisWeek
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Consumed returns how many credits the principal has used this week
func (l *Ledger) Consumed(principal string) int {
	p, ok := l.state.Principals[principal]
	if !ok {
		return 0
	}
	return p.ConsumedThisWeek
}

// Consume takes one credit, reporting whether quota was available.
// Consumption never drives the counter past the grant.
func (l *Ledger) Consume(principal string) bool {
	if l.Remaining(principal) <= 0 {
		return false
	}
	p, ok := l.state.Principals[principal]
	if !ok {
		p = &Principal{LastResetWeek: l.state.LastResetWeek}
		l.state.Principals[principal] = p
	}
	p.ConsumedThisWeek++
	return true
}

// Principals returns the granted principal identities in stable order
func (l *Ledger) Principals() []string {
	ids := make([]string, 0, len(l.grants))
	for id := range l.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Grant returns the configured weekly grant for the principal
func (l *Ledger) Grant(principal string) int {
	return l.grants[principal]
}
