package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"reminderd/internal/domain"
)

// Memory is an in-memory event/participant directory. It implements
// domain.Directory and is safe for concurrent use.
type Memory struct {
	mu           sync.RWMutex
	events       map[string]domain.Event
	participants map[string]domain.Participant
	byEvent      map[string][]string // event id -> participant ids, insertion order
}

var _ domain.Directory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		events:       map[string]domain.Event{},
		participants: map[string]domain.Participant{},
		byEvent:      map[string][]string{},
	}
}

// AddEvent stores e. IDs are unique and StartTime must precede EndTime.
func (m *Memory) AddEvent(e domain.Event) error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("%w: event id is empty", domain.ErrValidation)
	case strings.TrimSpace(e.Title) == "":
		return fmt.Errorf("%w: event %s: title is empty", domain.ErrValidation, e.ID)
	case e.StartTime.IsZero() || e.EndTime.IsZero():
		return fmt.Errorf("%w: event %s: start and end time are required", domain.ErrValidation, e.ID)
	case !e.StartTime.Before(e.EndTime):
		return fmt.Errorf("%w: event %s: start time must be before end time", domain.ErrValidation, e.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; ok {
		return fmt.Errorf("%w: event %s already exists", domain.ErrValidation, e.ID)
	}
	m.events[e.ID] = e
	return nil
}

// AddParticipant attaches p to an existing event. A user may join an event once.
func (m *Memory) AddParticipant(p domain.Participant) error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return fmt.Errorf("%w: participant id is empty", domain.ErrValidation)
	case strings.TrimSpace(p.UserID) == "":
		return fmt.Errorf("%w: participant %s: user id is empty", domain.ErrValidation, p.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[p.EventID]; !ok {
		return fmt.Errorf("%w: event %s", domain.ErrNotFound, p.EventID)
	}
	if _, ok := m.participants[p.ID]; ok {
		return fmt.Errorf("%w: participant %s already exists", domain.ErrValidation, p.ID)
	}
	for _, id := range m.byEvent[p.EventID] {
		if m.participants[id].UserID == p.UserID {
			return fmt.Errorf("%w: user %s already participates in event %s", domain.ErrValidation, p.UserID, p.EventID)
		}
	}
	m.participants[p.ID] = p
	m.byEvent[p.EventID] = append(m.byEvent[p.EventID], p.ID)
	return nil
}

// RemoveEvent drops an event and its participants. It returns the removed
// participant ids so callers can cascade.
func (m *Memory) RemoveEvent(eventID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return nil, fmt.Errorf("%w: event %s", domain.ErrNotFound, eventID)
	}
	ids := m.byEvent[eventID]
	for _, id := range ids {
		delete(m.participants, id)
	}
	delete(m.byEvent, eventID)
	delete(m.events, eventID)
	return ids, nil
}

func (m *Memory) RemoveParticipant(participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok {
		return fmt.Errorf("%w: participant %s", domain.ErrNotFound, participantID)
	}
	delete(m.participants, participantID)
	ids := m.byEvent[p.EventID]
	for i, id := range ids {
		if id == participantID {
			m.byEvent[p.EventID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) GetEvent(_ context.Context, eventID string) (domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[eventID]
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: event %s", domain.ErrNotFound, eventID)
	}
	return e, nil
}

// GetParticipants returns an event's participants in join order. An unknown
// event yields an empty list.
func (m *Memory) GetParticipants(_ context.Context, eventID string) ([]domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byEvent[eventID]
	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.participants[id])
	}
	return out, nil
}

func (m *Memory) GetParticipant(_ context.Context, participantID string) (domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[participantID]
	if !ok {
		return domain.Participant{}, fmt.Errorf("%w: participant %s", domain.ErrNotFound, participantID)
	}
	return p, nil
}

// Events lists all events ordered by start time.
func (m *Memory) Events() []domain.Event {
	m.mu.RLock()
	out := make([]domain.Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
