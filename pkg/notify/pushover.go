package notify

import (
	"context"
	"time"

	"github.com/gregdel/pushover"
)

// Message is one operator notification.
type Message struct {
	Title string
	Text  string
}

// poster is the slice of the Pushover API the notifier uses
type poster interface {
	SendMessage(message *pushover.Message, recipient *pushover.Recipient) (*pushover.Response, error)
}

// Notifier delivers push notifications to the operator. Notifications are
// informational; a delivery failure never changes the outcome of the
// action it reports on.
type Notifier struct {
	api       poster
	recipient *pushover.Recipient
	sound     string
	device    string
	timeout   time.Duration
}

// NewNotifier creates a Pushover notifier for the application token and
// recipient key. Sound and device are optional.
func NewNotifier(token, userKey, sound, device string) *Notifier {
	return &Notifier{
		api:       pushover.New(token),
		recipient: pushover.NewRecipient(userKey),
		sound:     sound,
		device:    device,
		timeout:   10 * time.Second,
	}
}

// Send delivers the message, bounded by the context and the notifier
// timeout.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req := &pushover.Message{
		Title:      msg.Title,
		Message:    msg.Text,
		Sound:      n.sound,
		DeviceName: n.device,
	}

	// The Pushover client has no context support; run it on the side so a
	// slow API cannot hold up the caller past the deadline.
	done := make(chan error, 1)
	go func() {
		_, err := n.api.SendMessage(req, n.recipient)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
