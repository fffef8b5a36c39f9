package mailbox

import (
	"fmt"
	"strconv"
	"strings"
)

// Marker records how far into the mailbox processing has advanced, in the
// form "uidvalidity:lastuid". Messages at or below LastUID are never
// returned again, so a redelivered or re-fetched message cannot retrigger
// an action. A changed UIDVALIDITY invalidates the UID space and the
// marker starts over.
type Marker struct {
	UIDValidity uint32
	LastUID     uint32
}

// ParseMarker decodes a stored marker. An empty string is the zero marker.
func ParseMarker(s string) (Marker, error) {
	if s == "" {
		return Marker{}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Marker{}, fmt.Errorf("malformed mail marker %q", s)
	}
	validity, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Marker{}, fmt.Errorf("malformed mail marker %q: %w", s, err)
	}
	uid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Marker{}, fmt.Errorf("malformed mail marker %q: %w", s, err)
	}
	return Marker{UIDValidity: uint32(validity), LastUID: uint32(uid)}, nil
}

// String encodes the marker for storage.
func (m Marker) String() string {
	if m.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d:%d", m.UIDValidity, m.LastUID)
}

// IsZero reports whether the marker has never been advanced.
func (m Marker) IsZero() bool {
	return m.UIDValidity == 0 && m.LastUID == 0
}
