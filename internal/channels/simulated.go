package channels

import (
	"context"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode"

	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

const outboxLimit = 300

// Sent is one message accepted by a simulated channel.
type Sent struct {
	At      time.Time
	Contact string
	Message string
}

// Simulated is a capability that validates the contact, logs the message and
// keeps a bounded outbox instead of talking to a provider.
type Simulated struct {
	kind     domain.ChannelKind
	log      logx.Logger
	validate func(contact string) bool

	mu     sync.Mutex
	outbox []Sent
}

func newSimulated(kind domain.ChannelKind, log logx.Logger, validate func(string) bool) *Simulated {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Simulated{
		kind:     kind,
		log:      log.With(logx.String("comp", "channel"), logx.String("channel", kind.String())),
		validate: validate,
	}
}

// NewEmail accepts RFC 5322 addresses.
func NewEmail(log logx.Logger) *Simulated {
	return newSimulated(domain.ChannelEmail, log, func(c string) bool {
		_, err := mail.ParseAddress(c)
		return err == nil
	})
}

// NewSMS accepts phone numbers: an optional leading '+', then digits with
// optional spaces or dashes.
func NewSMS(log logx.Logger) *Simulated {
	return newSimulated(domain.ChannelSMS, log, validPhone)
}

// NewPush accepts any non-empty device/user id.
func NewPush(log logx.Logger) *Simulated {
	return newSimulated(domain.ChannelPush, log, func(c string) bool { return strings.TrimSpace(c) != "" })
}

func (s *Simulated) Kind() domain.ChannelKind { return s.kind }

func (s *Simulated) Send(ctx context.Context, contact, message string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !s.validate(contact) {
		s.log.Warn("rejected contact", logx.String("contact", contact))
		return false, nil
	}
	s.log.Info("message sent", logx.String("contact", contact), logx.String("message", message))

	s.mu.Lock()
	s.outbox = append(s.outbox, Sent{At: time.Now(), Contact: contact, Message: message})
	if len(s.outbox) > outboxLimit {
		s.outbox = s.outbox[len(s.outbox)-outboxLimit:]
	}
	s.mu.Unlock()
	return true, nil
}

// Outbox returns a copy of the most recent accepted messages, oldest first.
func (s *Simulated) Outbox() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.outbox...)
}

func validPhone(c string) bool {
	c = strings.TrimPrefix(strings.TrimSpace(c), "+")
	digits := 0
	for _, r := range c {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == ' ' || r == '-':
		default:
			return false
		}
	}
	return digits >= 7
}
