package mailbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shaneisley/powernap/pkg/logging"
)

func init() {
	// Decode non-UTF-8 headers and bodies from older mail clients.
	imap.CharsetReader = charset.Reader
}

// maxBodySize caps how much of a message body is read. Trigger mails are
// one-liners; anything larger is truncated before keyword matching.
const maxBodySize = 64 * 1024

// Message is one inbound mail that may carry a trigger.
type Message struct {
	// ID is the IMAP UID, scoped to the current UIDVALIDITY.
	ID         string
	Sender     string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Source polls an IMAP mailbox for trigger messages. The connection is
// established lazily and reused between Poll and Ack; callers must Close.
type Source struct {
	server  string
	port    int
	login   string
	password string
	mailbox string
	timeout time.Duration
	logger  *logging.Logger

	conn *client.Client
}

// NewSource creates a mailbox source. The connection is not opened until
// the first Poll.
func NewSource(server string, port int, login, password, mailboxName string, timeout time.Duration, logger *logging.Logger) *Source {
	return &Source{
		server:   server,
		port:     port,
		login:    login,
		password: password,
		mailbox:  mailboxName,
		timeout:  timeout,
		logger:   logger,
	}
}

func (s *Source) connect() error {
	if s.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(s.server, strconv.Itoa(s.port))
	dialer := &net.Dialer{Timeout: s.timeout}
	c, err := client.DialWithDialerTLS(dialer, addr, nil)
	if err != nil {
		return fmt.Errorf("imap dial %s: %w", addr, err)
	}
	c.Timeout = s.timeout

	if err := c.Login(s.login, s.password); err != nil {
		c.Logout()
		return fmt.Errorf("imap login as %s: %w", s.login, err)
	}
	s.conn = c
	return nil
}

// Close logs out of the server if a connection was opened.
func (s *Source) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Logout()
	s.conn = nil
	return err
}

// Poll fetches messages the marker has not seen yet and returns them in
// mailbox order, together with the marker to persist once they have been
// handled. A changed UIDVALIDITY restarts the marker from zero.
func (s *Source) Poll(ctx context.Context, marker string) ([]Message, string, error) {
	prev, err := ParseMarker(marker)
	if err != nil {
		// A marker we cannot read must not wedge mail processing forever.
		s.logger.Warn("resetting unreadable mail marker", "marker", marker, "error", err)
		prev = Marker{}
	}
	if err := ctx.Err(); err != nil {
		return nil, marker, err
	}
	if err := s.connect(); err != nil {
		return nil, marker, err
	}

	status, err := s.conn.Select(s.mailbox, false)
	if err != nil {
		return nil, marker, fmt.Errorf("imap select %s: %w", s.mailbox, err)
	}

	next := prev
	if status.UidValidity != prev.UIDValidity {
		if !prev.IsZero() {
			s.logger.Info("mailbox uidvalidity changed, restarting marker",
				"old", prev.UIDValidity, "new", status.UidValidity)
		}
		next = Marker{UIDValidity: status.UidValidity}
	}
	if status.Messages == 0 {
		return nil, next.String(), nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(next.LastUID+1, 0)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	fetched := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.conn.UidFetch(seqset, items, fetched)
	}()

	var messages []Message
	for raw := range fetched {
		// The range end "*" can hand back the newest message even when
		// the marker already covers it.
		if raw.Uid <= next.LastUID {
			continue
		}
		if raw.Uid > next.LastUID {
			next.LastUID = raw.Uid
		}

		msg := Message{ID: strconv.FormatUint(uint64(raw.Uid), 10)}
		if env := raw.Envelope; env != nil {
			msg.Subject = env.Subject
			msg.ReceivedAt = env.Date
			if len(env.From) > 0 && env.From[0] != nil {
				msg.Sender = env.From[0].Address()
			}
		}
		if body := raw.GetBody(section); body != nil {
			msg.Body = readPlainText(body)
		}
		messages = append(messages, msg)
	}
	if err := <-done; err != nil {
		return nil, marker, fmt.Errorf("imap fetch from %s: %w", s.mailbox, err)
	}

	return messages, next.String(), nil
}

// Ack flags the given messages deleted and expunges them so a later poll
// cannot hand them out again.
func (s *Source) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.conn == nil {
		return fmt.Errorf("imap ack without an open connection")
	}

	seqset := new(imap.SeqSet)
	for _, id := range ids {
		uid, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return fmt.Errorf("malformed message id %q: %w", id, err)
		}
		seqset.AddNum(uint32(uid))
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := s.conn.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("imap delete flag: %w", err)
	}
	if err := s.conn.Expunge(nil); err != nil {
		return fmt.Errorf("imap expunge: %w", err)
	}
	return nil
}

// readPlainText pulls the first text part out of a MIME message. A body
// that cannot be parsed yields an empty string; classification then works
// from the subject alone.
func readPlainText(r io.Reader) string {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return ""
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := header.ContentType()
		if err != nil || !strings.HasPrefix(contentType, "text/") {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, maxBodySize))
		if err != nil {
			return ""
		}
		return string(body)
	}
}
