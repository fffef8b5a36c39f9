package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when the exclusive state lock cannot be acquired
// within the configured window. Callers must fail closed: no action, no
// mutation, error recorded.
var ErrLockTimeout = errors.New("timed out waiting for state lock")

// lockRetryInterval is how often lock acquisition is retried while blocked
const lockRetryInterval = 100 * time.Millisecond

// State is everything powernap persists between invocations: the credit
// ledger, the schedule window, and the mail transport's last-processed
// marker. One file so a single lock covers every mutation.
type State struct {
	LastResetWeek string                `json:"last_reset_week"`
	Principals    map[string]*Principal `json:"principals"`
	Schedule      ScheduleWindow        `json:"schedule"`
	MailMarker    string                `json:"mail_marker,omitempty"`
}

// Principal tracks one authorized sender's weekly credit consumption
type Principal struct {
	ConsumedThisWeek int    `json:"consumed_this_week"`
	LastResetWeek    string `json:"last_reset_week"`
}

// newDefaultState returns the state used when no file exists yet
func newDefaultState() *State {
	return &State{
		Principals: make(map[string]*Principal),
	}
}

// Store loads and saves State under an exclusive file lock. Invocations can
// be scheduled close together (a mail poll and a timer tick in the same
// minute), so every load-mutate-save cycle holds the lock end to end.
type Store struct {
	path        string
	lockTimeout time.Duration
	lock        *flock.Flock
}

// NewStore creates a store for the state file at path, locking via lockPath
func NewStore(path, lockPath string, lockTimeout time.Duration) *Store {
	return &Store{
		path:        path,
		lockTimeout: lockTimeout,
		lock:        flock.New(lockPath),
	}
}

// Acquire takes the exclusive lock, blocking up to the configured timeout.
// On success the caller owns the lock and must call release before exit.
// Returns ErrLockTimeout when the window expires.
func (s *Store) Acquire(ctx context.Context) (release func(), err error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("failed to acquire state lock: %w", err)
	}
	if !locked {
		return nil, ErrLockTimeout
	}

	return func() {
		_ = s.lock.Unlock()
	}, nil
}

// Load reads the state file, returning defaults when it does not exist yet.
// An unreadable or unparseable file is an error: proceeding would risk
// resetting quotas or deadlines, so the invocation must abort instead.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return newDefaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state file %s is corrupt: %w", s.path, err)
	}
	if st.Principals == nil {
		st.Principals = make(map[string]*Principal)
	}
	return &st, nil
}

// Save writes the state atomically: temp file in the same directory, fsync,
// rename. An interrupted invocation leaves either the old state or the new
// one, never a half-written file.
func (s *Store) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
