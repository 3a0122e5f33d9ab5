package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultClockSkew is the tolerated distance between a message timestamp and
// the receiver's clock.
const DefaultClockSkew = 5 * time.Minute

// ValidateID checks that id is a canonical UUID version 4.
func ValidateID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || len(id) != 36 {
		return NewError(CodeInvalidID, fmt.Sprintf("message id %q is not a UUID", id), true)
	}
	if u.Version() != 4 || u.Variant() != uuid.RFC4122 {
		return NewError(CodeInvalidID, fmt.Sprintf("message id %q is not a version 4 UUID", id), true)
	}
	return nil
}

// ValidateEnvelope checks type presence, id format and timestamp freshness.
func ValidateEnvelope(m *Message, now time.Time, skew time.Duration) error {
	if m.Type == "" {
		return NewError(CodeInvalidMessage, "message type is required", true)
	}
	if err := ValidateID(m.ID); err != nil {
		return err
	}
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	drift := now.Sub(m.Time())
	if drift < 0 {
		drift = -drift
	}
	if m.Timestamp <= 0 || drift > skew {
		return NewError(CodeStaleMessage, fmt.Sprintf("message timestamp outside +/-%s window", skew), true)
	}
	return nil
}

// SeenIDs remembers the most recent message ids on one connection so
// duplicates can be rejected. It holds at most capacity ids.
type SeenIDs struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

// NewSeenIDs creates a duplicate detector.
func NewSeenIDs(capacity int) *SeenIDs {
	if capacity <= 0 {
		capacity = 4096
	}
	return &SeenIDs{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
	}
}

// Check records id and returns a DUPLICATE_MESSAGE error if it was already seen.
func (s *SeenIDs) Check(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[id]; dup {
		return NewError(CodeDuplicateMessage, fmt.Sprintf("duplicate message id %s", id), true)
	}
	if len(s.order) < cap(s.order) {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % len(s.order)
	}
	s.ids[id] = struct{}{}
	return nil
}

// Len returns the number of remembered ids.
func (s *SeenIDs) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
