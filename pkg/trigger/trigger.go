package trigger

import (
	"fmt"
	"time"
)

// TickKind distinguishes the two scheduled trigger flavors.
type TickKind string

const (
	TickWake     TickKind = "wake"
	TickShutdown TickKind = "shutdown"
)

// Trigger is one unit of work entering the processor: a scheduled tick or
// an inbound mail.
type Trigger interface {
	// Summary is the trigger description recorded in the audit trail.
	Summary() string
}

// TimerTick is a scheduler-driven trigger.
type TimerTick struct {
	Kind TickKind
	At   time.Time
}

// Summary implements Trigger.
func (t TimerTick) Summary() string {
	return "timer " + string(t.Kind)
}

// InboundMessage is a mail-driven trigger.
type InboundMessage struct {
	// ID is the transport-scoped message identifier.
	ID         string
	Sender     string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Summary implements Trigger.
func (m InboundMessage) Summary() string {
	subject := m.Subject
	if len(subject) > 48 {
		subject = subject[:45] + "..."
	}
	return fmt.Sprintf("mail from %s subject %q", m.Sender, subject)
}
