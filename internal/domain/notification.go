package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChannelKind names a delivery medium. The set is open: new kinds are added
// by registering a capability for them, not by extending a switch.
type ChannelKind string

const (
	ChannelEmail    ChannelKind = "EMAIL"
	ChannelSMS      ChannelKind = "SMS"
	ChannelPush     ChannelKind = "PUSH"
	ChannelTelegram ChannelKind = "TELEGRAM"
)

func (c ChannelKind) String() string { return string(c) }

// ParseChannelKind accepts any casing ("email", "Email", "EMAIL").
func ParseChannelKind(s string) (ChannelKind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("%w: empty channel kind", ErrValidation)
	}
	return ChannelKind(s), nil
}

// State is the delivery state of a Notification.
//
// Transitions are one-directional: PENDING -> READY -> (SENT | FAILED).
type State int

const (
	StatePending State = iota
	StateReady
	StateSent
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateReady:
		return "READY"
	case StateSent:
		return "SENT"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == StateSent || s == StateFailed }

// CanTransition reports whether from -> to is a legal forward step.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateReady
	case StateReady:
		return to == StateSent || to == StateFailed
	default:
		return false
	}
}

// Notification is one reminder for one participant on one channel.
//
// ID, EventID, ParticipantID, Channel, Message and ScheduledTime never change
// after creation. State and SentAt are owned by the store.
type Notification struct {
	ID            string      `json:"id"`
	EventID       string      `json:"event_id"`
	ParticipantID string      `json:"participant_id"`
	Channel       ChannelKind `json:"channel"`
	Message       string      `json:"message"`
	ScheduledTime time.Time   `json:"scheduled_time"`
	State         State       `json:"state"`
	CreatedAt     time.Time   `json:"created_at"`
	// SentAt is set on the transition into SENT or FAILED.
	SentAt    time.Time `json:"sent_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// NewNotification builds a PENDING notification with a fresh time-ordered ID.
func NewNotification(eventID, participantID string, ch ChannelKind, message string, scheduled, now time.Time) Notification {
	return Notification{
		ID:            NewID(),
		EventID:       eventID,
		ParticipantID: participantID,
		Channel:       ch,
		Message:       message,
		ScheduledTime: scheduled,
		State:         StatePending,
		CreatedAt:     now,
	}
}

// NewID returns a UUIDv7 string; falls back to v4 if the clock source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Due reports whether n is PENDING and its scheduled time has passed.
func (n Notification) Due(now time.Time) bool {
	return n.State == StatePending && !n.ScheduledTime.After(now)
}
