package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

// telegramTextLimit is the Bot API limit for a single text message.
const telegramTextLimit = 4096

// botSender is the subset of *tele.Bot used for delivery.
type botSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram delivers reminders as bot messages. The contact is a numeric chat
// id, optionally followed by ":<thread id>" for forum topics.
type Telegram struct {
	log logx.Logger
	bot botSender
}

// NewTelegram creates a send-only bot. It does not call getMe at startup, so a
// bad token surfaces as failed deliveries rather than a boot error.
func NewTelegram(token string, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newTelegram(b, log), nil
}

func newTelegram(b botSender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		log: log.With(logx.String("comp", "channel"), logx.String("channel", domain.ChannelTelegram.String())),
		bot: b,
	}
}

func (t *Telegram) Kind() domain.ChannelKind { return domain.ChannelTelegram }

func (t *Telegram) Send(ctx context.Context, contact, message string) (bool, error) {
	chatID, threadID, err := parseChatTarget(contact)
	if err != nil {
		t.log.Warn("rejected contact", logx.String("contact", contact), logx.Err(err))
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(message) > telegramTextLimit {
		message = message[:telegramTextLimit]
	}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: threadID}
	if _, err := t.bot.Send(&tele.Chat{ID: chatID}, message, opt); err != nil {
		return false, fmt.Errorf("telegram send: %w", err)
	}
	t.log.Info("message sent", logx.Int64("chat_id", chatID))
	return true, nil
}

func parseChatTarget(s string) (chatID int64, threadID int, err error) {
	s = strings.TrimSpace(s)
	idPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("invalid chat id %q", idPart)
	}
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil || threadID <= 0 {
			return 0, 0, fmt.Errorf("invalid thread id %q", threadPart)
		}
	}
	return chatID, threadID, nil
}
