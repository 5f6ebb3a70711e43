package domain

import (
	"context"
	"time"
)

// Event is the read-only view of a scheduled event.
type Event struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	StartTime time.Time `json:"start_time" yaml:"start_time"`
	EndTime   time.Time `json:"end_time" yaml:"end_time"`
	CreatorID string    `json:"creator_id" yaml:"creator_id"`
}

// Participant is the read-only view of an event attendee and their contacts.
type Participant struct {
	ID      string `json:"id" yaml:"id"`
	EventID string `json:"event_id" yaml:"event_id"`
	UserID  string `json:"user_id" yaml:"user_id"`
	Name    string `json:"name" yaml:"name"`
	Email   string `json:"email" yaml:"email"`
	Phone   string `json:"phone,omitempty" yaml:"phone,omitempty"`
	// TelegramChatID is optional; reminders go to Telegram only when it is set.
	TelegramChatID string `json:"telegram_chat_id,omitempty" yaml:"telegram_chat_id,omitempty"`
}

// Contact returns the address used for ch and whether the participant has one.
//
// PUSH targets the user id, which every participant has.
func (p Participant) Contact(ch ChannelKind) (string, bool) {
	switch ch {
	case ChannelEmail:
		return p.Email, p.Email != ""
	case ChannelSMS:
		return p.Phone, p.Phone != ""
	case ChannelPush:
		return p.UserID, p.UserID != ""
	case ChannelTelegram:
		return p.TelegramChatID, p.TelegramChatID != ""
	default:
		return "", false
	}
}

// Directory is the read-only port to the event/participant collaborators.
// GetEvent and GetParticipant return ErrNotFound (possibly wrapped) when the
// id is unknown.
type Directory interface {
	GetEvent(ctx context.Context, eventID string) (Event, error)
	GetParticipants(ctx context.Context, eventID string) ([]Participant, error)
	GetParticipant(ctx context.Context, participantID string) (Participant, error)
}
