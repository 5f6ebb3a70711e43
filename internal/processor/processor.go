package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	rtsup "reminderd/internal/runtime/supervisor"
	logx "reminderd/pkg/logx"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultErrorBackoff = 5 * time.Second
)

// State is the lifecycle phase of the background loop.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Pass is one delivery pass; it reports how many notifications were sent.
type Pass func(ctx context.Context) (int, error)

// Status is a snapshot for operators.
type Status struct {
	State     string        `json:"state"`
	Interval  time.Duration `json:"interval"`
	Ticks     uint64        `json:"ticks"`
	Sent      uint64        `json:"sent"`
	Failures  uint64        `json:"failures"`
	LastTick  time.Time     `json:"last_tick,omitzero"`
	LastError string        `json:"last_error,omitempty"`
}

// Processor runs Pass on a fixed interval in one background goroutine.
//
// The loop sleeps first, then ticks. A tick that fails or panics is logged,
// followed by the error backoff instead of the interval; the loop only ends
// on Stop.
type Processor struct {
	pass    Pass
	log     logx.Logger
	bus     eventbus.Bus
	backoff time.Duration

	mu       sync.Mutex
	state    State
	interval time.Duration
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	ticks    uint64
	sent     uint64
	failures uint64
	lastTick time.Time
	lastErr  string
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(log logx.Logger) Option { return func(p *Processor) { p.log = log } }
func WithBus(b eventbus.Bus) Option     { return func(p *Processor) { p.bus = b } }

// WithErrorBackoff sets the pause after a failed tick. d <= 0 keeps the default.
func WithErrorBackoff(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.backoff = d
		}
	}
}

// New returns a stopped processor that runs pass on every tick.
func New(pass Pass, opts ...Option) *Processor {
	p := &Processor{
		pass:     pass,
		backoff:  DefaultErrorBackoff,
		interval: DefaultInterval,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "processor"))
	if p.bus == nil {
		p.bus = eventbus.Nop()
	}
	return p
}

// Start launches the loop. It fails with ErrAlreadyRunning unless the
// processor is fully stopped.
func (p *Processor) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", domain.ErrValidation, interval)
	}
	p.mu.Lock()
	if p.state != StateStopped {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: processor is %s", domain.ErrAlreadyRunning, st)
	}
	p.state = StateRunning
	p.interval = interval
	p.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	sup.Go0("processor.loop", p.loop)
	p.log.Info("processor started", logx.Duration("interval", interval))
	p.bus.Publish(eventbus.Event{Type: eventbus.ProcessorStarted, Data: interval.String()})
	return nil
}

// Stop signals the loop and waits for it, including an in-flight pass, to
// exit. Concurrent callers all wait for the same shutdown.
//
// ctx is the caller's early give-up: if it ends first Stop returns ctx.Err()
// while the loop is still STOPPING, and shutdown completes in the background.
// Pass a context without a deadline to wait for the loop unconditionally.
func (p *Processor) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	switch p.state {
	case StateStopped:
		p.mu.Unlock()
		return domain.ErrNotRunning
	case StateStopping:
		done := p.stopDone
		p.mu.Unlock()
		return waitDone(ctx, done)
	}

	done := make(chan struct{})
	p.stopDone = done
	p.state = StateStopping
	sup := p.sup
	p.mu.Unlock()

	go func() {
		defer close(done)
		_ = sup.Stop(context.Background())

		p.mu.Lock()
		p.state = StateStopped
		p.sup = nil
		p.stopDone = nil
		p.mu.Unlock()

		p.log.Info("processor stopped")
		p.bus.Publish(eventbus.Event{Type: eventbus.ProcessorStopped})
	}()
	return waitDone(ctx, done)
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetInterval changes the interval; it takes effect from the next sleep.
func (p *Processor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
}

// SetErrorBackoff changes the post-failure pause; it takes effect from the
// next failed tick.
func (p *Processor) SetErrorBackoff(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.backoff = d
	p.mu.Unlock()
}

// State reports the current lifecycle phase.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) Running() bool { return p.State() == StateRunning }

func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		State:     p.state.String(),
		Interval:  p.interval,
		Ticks:     p.ticks,
		Sent:      p.sent,
		Failures:  p.failures,
		LastTick:  p.lastTick,
		LastError: p.lastErr,
	}
}

func (p *Processor) loop(ctx context.Context) {
	failed := false
	for {
		p.mu.Lock()
		wait := p.interval
		if failed {
			wait = p.backoff
		}
		p.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		failed = p.tick(ctx) != nil
	}
}

func (p *Processor) tick(ctx context.Context) (err error) {
	start := time.Now()
	var sent int
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("tick panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("tick panicked: %v", r)
		}
		// A pass interrupted by Stop is not a failure.
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = nil
		}

		p.mu.Lock()
		p.ticks++
		p.sent += uint64(sent)
		p.lastTick = start
		if err != nil {
			p.failures++
			p.lastErr = err.Error()
		}
		p.mu.Unlock()

		if err != nil {
			p.log.Error("tick failed", logx.Err(err), logx.Duration("took", time.Since(start)))
			p.bus.Publish(eventbus.Event{Type: eventbus.ProcessorTickFailed, Data: err.Error()})
		} else if sent > 0 {
			p.log.Info("tick delivered notifications", logx.Int("sent", sent), logx.Duration("took", time.Since(start)))
		}
	}()
	sent, err = p.pass(ctx)
	return err
}
