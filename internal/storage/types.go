package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRecord is one dispatch outcome.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	NotificationID string    `json:"notification_id"`
	EventID        string    `json:"event_id"`
	ParticipantID  string    `json:"participant_id"`
	Channel        string    `json:"channel"`
	State          string    `json:"state"`
	Error          string    `json:"error,omitempty"`
	TookMS         int64     `json:"took_ms"`
	At             time.Time `json:"at"`
}
