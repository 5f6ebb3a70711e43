package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"reminderd/internal/domain"
)

// Store is the in-memory notification table.
//
// It is the only place where Notification.State changes. Every mutation runs
// under mu and is limited to the check-and-write; callers never hold the lock
// across delivery I/O. All reads return copies.
type Store struct {
	mu    sync.RWMutex
	items map[string]*domain.Notification

	// secondary indexes: key -> set of notification ids
	byEvent       map[string]map[string]struct{}
	byParticipant map[string]map[string]struct{}

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for insert validation and for
// transition timestamps. Tests use it to simulate the passage of time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store using the wall clock unless WithClock is given.
func New(opts ...Option) *Store {
	s := &Store{
		items:         map[string]*domain.Notification{},
		byEvent:       map[string]map[string]struct{}{},
		byParticipant: map[string]map[string]struct{}{},
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Insert adds one PENDING notification.
func (s *Store) Insert(n domain.Notification) error {
	return s.InsertAll([]domain.Notification{n})
}

// InsertAll adds a batch atomically: either every record is stored or none is.
func (s *Store) InsertAll(ns []domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seen := make(map[string]struct{}, len(ns))
	for i := range ns {
		if err := validateNew(ns[i], now); err != nil {
			return err
		}
		if _, ok := s.items[ns[i].ID]; ok {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateID, ns[i].ID)
		}
		if _, ok := seen[ns[i].ID]; ok {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateID, ns[i].ID)
		}
		seen[ns[i].ID] = struct{}{}
	}
	for i := range ns {
		n := ns[i]
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		s.items[n.ID] = &n
		addIndex(s.byEvent, n.EventID, n.ID)
		addIndex(s.byParticipant, n.ParticipantID, n.ID)
	}
	return nil
}

func validateNew(n domain.Notification, now time.Time) error {
	switch {
	case strings.TrimSpace(n.ID) == "":
		return fmt.Errorf("%w: notification id is empty", domain.ErrValidation)
	case strings.TrimSpace(n.EventID) == "":
		return fmt.Errorf("%w: event id is empty", domain.ErrValidation)
	case strings.TrimSpace(n.ParticipantID) == "":
		return fmt.Errorf("%w: participant id is empty", domain.ErrValidation)
	case n.Channel == "":
		return fmt.Errorf("%w: channel kind is empty", domain.ErrValidation)
	case strings.TrimSpace(n.Message) == "":
		return fmt.Errorf("%w: message is empty", domain.ErrValidation)
	case n.State != domain.StatePending:
		return fmt.Errorf("%w: new notification must be %s, got %s", domain.ErrValidation, domain.StatePending, n.State)
	case !n.ScheduledTime.After(now):
		return fmt.Errorf("%w: scheduled time %s is not in the future", domain.ErrValidation, n.ScheduledTime.Format(time.RFC3339))
	}
	return nil
}

// Get returns a copy of the notification with the given id.
func (s *Store) Get(id string) (domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.items[id]
	if !ok {
		return domain.Notification{}, fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	return *n, nil
}

// FindDue returns PENDING notifications whose scheduled time is <= now.
// The result is unordered.
func (s *Store) FindDue(now time.Time) []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Notification
	for _, n := range s.items {
		if n.Due(now) {
			out = append(out, *n)
		}
	}
	return out
}

// TryPromote atomically moves id from one state to another.
// It returns false if the record is missing, is not currently in from, or the
// step is not a legal forward transition. Of any number of concurrent callers
// racing on the same id, at most one observes true.
func (s *Store) TryPromote(id string, from, to domain.State) bool {
	if !domain.CanTransition(from, to) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok || n.State != from {
		return false
	}
	n.State = to
	if to.Terminal() {
		n.SentAt = s.now()
	}
	return true
}

// RecordOutcome finishes a READY notification as SENT (success) or FAILED.
// errMsg is kept on the record for operators; it is ignored on success.
func (s *Store) RecordOutcome(id string, success bool, at time.Time, errMsg string) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return domain.Notification{}, fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	if n.State != domain.StateReady {
		return *n, fmt.Errorf("%w: notification %s is %s, want %s", domain.ErrInvalidState, id, n.State, domain.StateReady)
	}
	if at.IsZero() {
		at = s.now()
	}
	if success {
		n.State = domain.StateSent
		n.LastError = ""
	} else {
		n.State = domain.StateFailed
		n.LastError = errMsg
	}
	n.SentAt = at
	return *n, nil
}

// FindByEvent lists every notification for an event, oldest first.
func (s *Store) FindByEvent(eventID string) []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byEvent[eventID])
}

// FindByParticipant lists every notification for a participant, oldest first.
func (s *Store) FindByParticipant(participantID string) []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byParticipant[participantID])
}

// All lists every notification, oldest first.
func (s *Store) All() []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Notification, 0, len(s.items))
	for _, n := range s.items {
		out = append(out, *n)
	}
	sortNotifications(out)
	return out
}

func (s *Store) collectLocked(ids map[string]struct{}) []domain.Notification {
	out := make([]domain.Notification, 0, len(ids))
	for id := range ids {
		if n, ok := s.items[id]; ok {
			out = append(out, *n)
		}
	}
	sortNotifications(out)
	return out
}

// PurgeOlderThan removes SENT/FAILED records whose SentAt is before cutoff and
// returns how many were removed. PENDING and READY records are never touched.
func (s *Store) PurgeOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, n := range s.items {
		if n.State.Terminal() && !n.SentAt.IsZero() && n.SentAt.Before(cutoff) {
			s.removeLocked(id)
			purged++
		}
	}
	return purged
}

// DeleteByEvent removes an event's notifications except those in READY,
// which are mid-dispatch. It returns how many were removed.
func (s *Store) DeleteByEvent(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteSetLocked(s.byEvent[eventID])
}

// DeleteByParticipant is DeleteByEvent keyed by participant.
func (s *Store) DeleteByParticipant(participantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteSetLocked(s.byParticipant[participantID])
}

// Delete removes one notification. READY records are mid-dispatch and
// cannot be deleted.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: notification %s", domain.ErrNotFound, id)
	}
	if n.State == domain.StateReady {
		return fmt.Errorf("%w: notification %s is being dispatched", domain.ErrInvalidState, id)
	}
	s.removeLocked(id)
	return nil
}

func (s *Store) deleteSetLocked(ids map[string]struct{}) int {
	// collect first: removeLocked mutates the index we are iterating
	victims := make([]string, 0, len(ids))
	for id := range ids {
		if n, ok := s.items[id]; ok && n.State != domain.StateReady {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		s.removeLocked(id)
	}
	return len(victims)
}

func (s *Store) removeLocked(id string) {
	n, ok := s.items[id]
	if !ok {
		return
	}
	delete(s.items, id)
	dropIndex(s.byEvent, n.EventID, id)
	dropIndex(s.byParticipant, n.ParticipantID, id)
}

// Counts is a point-in-time tally of the table.
type Counts struct {
	Total     int
	ByState   map[domain.State]int
	ByChannel map[domain.ChannelKind]int
}

// Counts tallies stored notifications by state and by channel.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := Counts{
		Total:     len(s.items),
		ByState:   map[domain.State]int{},
		ByChannel: map[domain.ChannelKind]int{},
	}
	for _, n := range s.items {
		c.ByState[n.State]++
		c.ByChannel[n.Channel]++
	}
	return c
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set := idx[key]
	if set == nil {
		set = map[string]struct{}{}
		idx[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, key, id string) {
	set := idx[key]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func sortNotifications(ns []domain.Notification) {
	sort.Slice(ns, func(i, j int) bool {
		if !ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].CreatedAt.Before(ns[j].CreatedAt)
		}
		return ns[i].ID < ns[j].ID
	})
}
