package manager

import (
	"fmt"

	"reminderd/internal/domain"
)

// Message renders the reminder text for one channel. Times are shown in the
// event's own location.
func Message(kind domain.ChannelKind, e domain.Event) string {
	switch kind {
	case domain.ChannelEmail, domain.ChannelTelegram:
		return fmt.Sprintf("Event '%s' is starting at %s", e.Title, e.StartTime.Format("2006-01-02 15:04"))
	case domain.ChannelSMS:
		return fmt.Sprintf("Event '%s' starts at %s", e.Title, e.StartTime.Format("15:04"))
	case domain.ChannelPush:
		return fmt.Sprintf("⏰ Event '%s' is starting soon!", e.Title)
	default:
		return fmt.Sprintf("Reminder: event '%s' starts at %s", e.Title, e.StartTime.Format("2006-01-02 15:04"))
	}
}
