package audit

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Decision classifies the outcome of processing one trigger
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	DecisionError    Decision = "error"
)

// Entry is a single audit record. Entries are appended, never rewritten;
// rotation and retention are external concerns.
type Entry struct {
	Timestamp time.Time
	Trigger   string
	Decision  Decision
	Reason    string
	Outcome   string
	DryRun    bool
}

// String renders the entry in the on-disk line format:
// timestamp | trigger-summary | decision | reason | outcome-detail
func (e Entry) String() string {
	return fmt.Sprintf("%s | %s | %s | %s | %s",
		e.Timestamp.Format(time.RFC3339),
		sanitizeField(e.Trigger),
		e.Decision,
		sanitizeField(e.Reason),
		sanitizeField(e.Outcome),
	)
}

// sanitizeField keeps one entry on one line with unambiguous separators
func sanitizeField(s string) string {
	if s == "" {
		return "-"
	}
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "/")
	return strings.TrimSpace(s)
}

// Log appends audit entries to durable storage
type Log struct {
	mu     sync.Mutex
	writer io.Writer
	file   *os.File
}

// Open opens (creating if needed) the append-only audit log at path
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Log{writer: f, file: f}, nil
}

// NewLogWithWriter creates an audit log over an arbitrary writer.
// Used in tests and wherever durability is handled by the caller.
func NewLogWithWriter(w io.Writer) *Log {
	return &Log{writer: w}
}

// Append writes one entry and flushes it to stable storage.
// The entry must be durable before the invocation exits.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if _, err := fmt.Fprintln(l.writer, e.String()); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

// Close releases the underlying file, if any
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
