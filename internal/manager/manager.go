package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"reminderd/internal/dispatch"
	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
	"reminderd/internal/store"
	logx "reminderd/pkg/logx"
)

// journalTimeout bounds a single best-effort journal append.
const journalTimeout = 250 * time.Millisecond

// Manager turns event reminders into stored notifications and runs the
// delivery pass that moves them through PENDING -> READY -> SENT/FAILED.
//
// It is safe for concurrent use; concurrent passes never dispatch the same
// notification twice.
type Manager struct {
	store *store.Store
	dir   domain.Directory
	disp  *dispatch.Dispatcher

	bus     eventbus.Bus
	journal storage.Store
	log     logx.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock must match the clock the store was built with.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithBus publishes state transitions to b. Without it events are dropped.
func WithBus(b eventbus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithJournal enables the delivery journal. A nil store disables it.
func WithJournal(j storage.Store) Option {
	return func(m *Manager) { m.journal = j }
}

func WithLogger(log logx.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New builds a manager over st, resolving events and contacts through dir and
// delivering through disp.
func New(st *store.Store, dir domain.Directory, disp *dispatch.Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		dir:   dir,
		disp:  disp,
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.bus == nil {
		m.bus = eventbus.Nop()
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "manager"))
	return m
}

// ScheduleEventNotifications creates one PENDING notification per participant
// and per registered channel the participant has a contact for, due
// minutesBefore minutes ahead of the event start. The batch is stored
// atomically.
func (m *Manager) ScheduleEventNotifications(ctx context.Context, eventID string, minutesBefore int) ([]domain.Notification, error) {
	if minutesBefore <= 0 {
		return nil, fmt.Errorf("%w: minutes before must be positive, got %d", domain.ErrValidation, minutesBefore)
	}
	ev, err := m.dir.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	scheduled := ev.StartTime.Add(-time.Duration(minutesBefore) * time.Minute)
	if !scheduled.After(now) {
		return nil, fmt.Errorf("%w: event %s starts too soon to notify %d minutes in advance", domain.ErrValidation, eventID, minutesBefore)
	}
	participants, err := m.dir.GetParticipants(ctx, eventID)
	if err != nil {
		return nil, err
	}

	kinds := m.disp.Registry().Kinds()
	var batch []domain.Notification
	for _, p := range participants {
		for _, kind := range kinds {
			if _, ok := p.Contact(kind); !ok {
				continue
			}
			batch = append(batch, domain.NewNotification(ev.ID, p.ID, kind, Message(kind, ev), scheduled, now))
		}
	}
	if len(batch) == 0 {
		m.log.Info("no reachable participants", logx.String("event_id", eventID))
		return nil, nil
	}
	if err := m.store.InsertAll(batch); err != nil {
		return nil, err
	}

	m.log.Info("notifications scheduled",
		logx.String("event_id", eventID),
		logx.Int("count", len(batch)),
		logx.Time("scheduled_time", scheduled),
	)
	m.bus.Publish(eventbus.Event{Type: eventbus.NotificationScheduled, Time: now, Data: eventbus.Count{Key: eventID, N: len(batch)}})
	return batch, nil
}

// SendPendingNotifications runs one delivery pass and returns how many
// notifications reached SENT.
//
// Delivery failures never abort the pass. The returned error is either
// ctx.Err() (the pass stopped early; unclaimed notifications stay PENDING) or
// a join of store inconsistencies.
func (m *Manager) SendPendingNotifications(ctx context.Context) (int, error) {
	due := m.store.FindDue(m.now())
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledTime.Equal(due[j].ScheduledTime) {
			return due[i].ScheduledTime.Before(due[j].ScheduledTime)
		}
		return due[i].ID < due[j].ID
	})

	sent := 0
	var errs []error
	for _, n := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !m.store.TryPromote(n.ID, domain.StatePending, domain.StateReady) {
			// Another pass claimed it.
			continue
		}
		m.publishTransition(eventbus.NotificationPromoted, n, domain.StatePending, domain.StateReady, "")

		ok, err := m.deliver(ctx, n)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			sent++
		}
	}
	if len(due) > 0 {
		m.log.Debug("pass finished", logx.Int("due", len(due)), logx.Int("sent", sent))
	}
	return sent, errors.Join(errs...)
}

// deliver dispatches one READY notification and records the outcome. The
// contact lookup and dispatch are detached from ctx so a stop request cannot
// strand the record in READY or fail it undelivered; the dispatcher's timeout
// bounds them instead.
func (m *Manager) deliver(ctx context.Context, n domain.Notification) (bool, error) {
	var (
		res    dispatch.Result
		reason error
	)
	dctx := context.WithoutCancel(ctx)
	contact, err := m.resolveContact(dctx, n)
	if err != nil {
		reason = err
	} else {
		res, err = m.disp.Dispatch(dctx, n, contact)
		switch {
		case err != nil:
			reason = err
		case !res.Delivered && res.Err != nil:
			reason = res.Err
		case !res.Delivered:
			reason = errors.New("channel rejected the message")
		}
	}

	errMsg := ""
	if reason != nil {
		errMsg = reason.Error()
	}
	final, err := m.store.RecordOutcome(n.ID, reason == nil, m.now(), errMsg)
	if err != nil {
		m.log.Error("recording outcome failed", logx.String("notification_id", n.ID), logx.Err(err))
		return false, err
	}

	if reason == nil {
		m.log.Info("notification sent",
			logx.String("notification_id", n.ID),
			logx.String("channel", n.Channel.String()),
			logx.Duration("took", res.Took),
		)
		m.publishTransition(eventbus.NotificationSent, final, domain.StateReady, domain.StateSent, "")
	} else {
		m.log.Warn("notification failed",
			logx.String("notification_id", n.ID),
			logx.String("channel", n.Channel.String()),
			logx.Err(reason),
		)
		m.publishTransition(eventbus.NotificationFailed, final, domain.StateReady, domain.StateFailed, errMsg)
	}
	m.appendJournal(ctx, final, res.Took)
	return reason == nil, nil
}

func (m *Manager) resolveContact(ctx context.Context, n domain.Notification) (string, error) {
	p, err := m.dir.GetParticipant(ctx, n.ParticipantID)
	if err != nil {
		return "", fmt.Errorf("resolve participant: %w", err)
	}
	contact, ok := p.Contact(n.Channel)
	if !ok {
		return "", fmt.Errorf("participant %s has no %s contact", n.ParticipantID, n.Channel)
	}
	return contact, nil
}

func (m *Manager) appendJournal(ctx context.Context, n domain.Notification, took time.Duration) {
	if m.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	err := m.journal.AppendDelivery(jctx, storage.DeliveryRecord{
		NotificationID: n.ID,
		EventID:        n.EventID,
		ParticipantID:  n.ParticipantID,
		Channel:        n.Channel.String(),
		State:          n.State.String(),
		Error:          n.LastError,
		TookMS:         took.Milliseconds(),
		At:             n.SentAt,
	})
	if err != nil {
		m.log.Warn("journal append failed", logx.String("notification_id", n.ID), logx.Err(err))
	}
}

func (m *Manager) publishTransition(topic string, n domain.Notification, from, to domain.State, errMsg string) {
	m.bus.Publish(eventbus.Event{Type: topic, Time: m.now(), Data: eventbus.Transition{
		NotificationID: n.ID,
		EventID:        n.EventID,
		Channel:        n.Channel.String(),
		From:           from.String(),
		To:             to.String(),
		Error:          errMsg,
	}})
}

// GetNotification returns a copy of one notification or domain.ErrNotFound.
func (m *Manager) GetNotification(id string) (domain.Notification, error) {
	return m.store.Get(id)
}

// GetEventNotifications lists an event's notifications.
func (m *Manager) GetEventNotifications(eventID string) []domain.Notification {
	return m.store.FindByEvent(eventID)
}

func (m *Manager) GetParticipantNotifications(participantID string) []domain.Notification {
	return m.store.FindByParticipant(participantID)
}

// CleanupOldNotifications purges SENT/FAILED notifications finished more than
// daysOld days ago. Repeating it with the same clock is a no-op.
func (m *Manager) CleanupOldNotifications(daysOld int) (int, error) {
	if daysOld < 0 {
		return 0, fmt.Errorf("%w: days old must be >= 0, got %d", domain.ErrValidation, daysOld)
	}
	cutoff := m.now().AddDate(0, 0, -daysOld)
	n := m.store.PurgeOlderThan(cutoff)
	if n > 0 {
		m.log.Info("old notifications purged", logx.Int("count", n), logx.Time("cutoff", cutoff))
		m.bus.Publish(eventbus.Event{Type: eventbus.NotificationsPurged, Time: m.now(), Data: eventbus.Count{N: n}})
	}
	return n, nil
}

// DeleteNotification removes one notification by id.
func (m *Manager) DeleteNotification(id string) error {
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.NotificationsDeleted, Time: m.now(), Data: eventbus.Count{Key: id, N: 1}})
	return nil
}

// DeleteEventNotifications removes an event's notifications, skipping any
// that are mid-dispatch.
func (m *Manager) DeleteEventNotifications(eventID string) int {
	n := m.store.DeleteByEvent(eventID)
	if n > 0 {
		m.bus.Publish(eventbus.Event{Type: eventbus.NotificationsDeleted, Time: m.now(), Data: eventbus.Count{Key: eventID, N: n}})
	}
	return n
}

func (m *Manager) DeleteParticipantNotifications(participantID string) int {
	n := m.store.DeleteByParticipant(participantID)
	if n > 0 {
		m.bus.Publish(eventbus.Event{Type: eventbus.NotificationsDeleted, Time: m.now(), Data: eventbus.Count{Key: participantID, N: n}})
	}
	return n
}

// Stats is a point-in-time summary of the notification table.
type Stats struct {
	Total     int            `json:"total"`
	ByState   map[string]int `json:"by_state"`
	ByChannel map[string]int `json:"by_channel"`
}

func (m *Manager) Stats() Stats {
	c := m.store.Counts()
	st := Stats{
		Total:     c.Total,
		ByState:   make(map[string]int, len(c.ByState)),
		ByChannel: make(map[string]int, len(c.ByChannel)),
	}
	for k, v := range c.ByState {
		st.ByState[k.String()] = v
	}
	for k, v := range c.ByChannel {
		st.ByChannel[k.String()] = v
	}
	return st
}
