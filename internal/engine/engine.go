package engine

import (
	"context"
	"time"

	"reminderd/internal/dispatch"
	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/manager"
	"reminderd/internal/processor"
	"reminderd/internal/storage"
	"reminderd/internal/store"
	logx "reminderd/pkg/logx"
)

const (
	DefaultMinutesBefore = 60
	DefaultDaysOld       = 30
	DefaultInterval      = processor.DefaultInterval
)

// Engine is the public surface of the notification subsystem. Each instance
// owns its store, registry and processor; nothing is shared between engines.
type Engine struct {
	reg  *dispatch.Registry
	disp *dispatch.Dispatcher
	mgr  *manager.Manager
	proc *processor.Processor
}

type options struct {
	now          func() time.Time
	bus          eventbus.Bus
	journal      storage.Store
	log          logx.Logger
	timeout      time.Duration
	errorBackoff time.Duration
	rates        map[domain.ChannelKind]float64
}

type Option func(*options)

// WithClock drives both the store and the manager; tests use it to simulate time.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }
func WithBus(b eventbus.Bus) Option          { return func(o *options) { o.bus = b } }
func WithJournal(j storage.Store) Option     { return func(o *options) { o.journal = j } }
func WithLogger(log logx.Logger) Option      { return func(o *options) { o.log = log } }

// WithDispatchTimeout bounds each capability call.
func WithDispatchTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithErrorBackoff sets the processor pause after a failed tick.
func WithErrorBackoff(d time.Duration) Option { return func(o *options) { o.errorBackoff = d } }

// WithRateLimits throttles channel kinds to the given sends per second.
func WithRateLimits(r map[domain.ChannelKind]float64) Option {
	return func(o *options) { o.rates = r }
}

func New(dir domain.Directory, opts ...Option) *Engine {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.bus == nil {
		o.bus = eventbus.Nop()
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}

	reg := dispatch.NewRegistry()
	dopts := []dispatch.Option{dispatch.WithTimeout(o.timeout), dispatch.WithLogger(o.log.With(logx.String("comp", "dispatch")))}
	for k, rps := range o.rates {
		dopts = append(dopts, dispatch.WithRateLimit(k, rps))
	}
	disp := dispatch.New(reg, dopts...)

	st := store.New(store.WithClock(o.now))
	mgr := manager.New(st, dir, disp,
		manager.WithClock(o.now),
		manager.WithBus(o.bus),
		manager.WithJournal(o.journal),
		manager.WithLogger(o.log),
	)
	proc := processor.New(mgr.SendPendingNotifications,
		processor.WithLogger(o.log),
		processor.WithBus(o.bus),
		processor.WithErrorBackoff(o.errorBackoff),
	)
	return &Engine{reg: reg, disp: disp, mgr: mgr, proc: proc}
}

// RegisterChannel installs c for kind; the last registration wins.
func (e *Engine) RegisterChannel(kind domain.ChannelKind, c dispatch.Capability) {
	e.reg.Register(kind, c)
}

func (e *Engine) UnregisterChannel(kind domain.ChannelKind) { e.reg.Unregister(kind) }

func (e *Engine) Channels() []domain.ChannelKind { return e.reg.Kinds() }

// Dispatcher exposes runtime tuning (timeouts, rate limits).
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.disp }

// Processor exposes runtime tuning and status of the background loop.
func (e *Engine) Processor() *processor.Processor { return e.proc }

func (e *Engine) ScheduleEventNotifications(ctx context.Context, eventID string, minutesBefore int) ([]domain.Notification, error) {
	return e.mgr.ScheduleEventNotifications(ctx, eventID, minutesBefore)
}

// ScheduleEventReminders schedules with DefaultMinutesBefore.
func (e *Engine) ScheduleEventReminders(ctx context.Context, eventID string) ([]domain.Notification, error) {
	return e.mgr.ScheduleEventNotifications(ctx, eventID, DefaultMinutesBefore)
}

func (e *Engine) SendPendingNotifications(ctx context.Context) (int, error) {
	return e.mgr.SendPendingNotifications(ctx)
}

func (e *Engine) GetNotification(id string) (domain.Notification, error) {
	return e.mgr.GetNotification(id)
}

func (e *Engine) GetEventNotifications(eventID string) []domain.Notification {
	return e.mgr.GetEventNotifications(eventID)
}

func (e *Engine) GetParticipantNotifications(participantID string) []domain.Notification {
	return e.mgr.GetParticipantNotifications(participantID)
}

// StartNotificationProcessor starts the background loop. interval <= 0 uses
// DefaultInterval. Starting a running processor fails with ErrAlreadyRunning.
func (e *Engine) StartNotificationProcessor(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return e.proc.Start(interval)
}

// StopNotificationProcessor stops the loop and always waits for it to exit,
// including an in-flight dispatch, so no notification is READY on return.
// ctx only carries values; its cancellation does not cut the wait short.
// Callers that must give up early use Processor().Stop directly.
func (e *Engine) StopNotificationProcessor(ctx context.Context) error {
	return e.proc.Stop(context.WithoutCancel(ctx))
}

func (e *Engine) CleanupOldNotifications(daysOld int) (int, error) {
	return e.mgr.CleanupOldNotifications(daysOld)
}

func (e *Engine) DeleteNotification(id string) error { return e.mgr.DeleteNotification(id) }

func (e *Engine) DeleteEventNotifications(eventID string) int {
	return e.mgr.DeleteEventNotifications(eventID)
}

func (e *Engine) DeleteParticipantNotifications(participantID string) int {
	return e.mgr.DeleteParticipantNotifications(participantID)
}

// Stats combines table counts with the processor status.
type Stats struct {
	manager.Stats
	Processor processor.Status     `json:"processor"`
	Channels  []domain.ChannelKind `json:"channels"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Stats:     e.mgr.Stats(),
		Processor: e.proc.Status(),
		Channels:  e.reg.Kinds(),
	}
}
