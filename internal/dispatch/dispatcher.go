package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reminderd/internal/domain"
	logx "reminderd/pkg/logx"
)

const DefaultTimeout = 10 * time.Second

// Result is the outcome of one delivery attempt.
type Result struct {
	Delivered bool
	// Err is the capability error, the timeout, or the recovered panic.
	Err  error
	Took time.Duration
}

// Dispatcher routes a notification to the capability registered for its
// channel. Each call is bounded by a timeout and optionally throttled by a
// per-kind token bucket.
type Dispatcher struct {
	reg *Registry
	log logx.Logger

	mu       sync.RWMutex
	timeout  time.Duration
	limiters map[domain.ChannelKind]*rate.Limiter
}

type Option func(*Dispatcher)

func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithRateLimit throttles kind to rps sends per second. rps <= 0 disables it.
func WithRateLimit(kind domain.ChannelKind, rps float64) Option {
	return func(d *Dispatcher) { d.setLimiterLocked(kind, rps) }
}

func WithLogger(log logx.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func New(reg *Registry, opts ...Option) *Dispatcher {
	if reg == nil {
		reg = NewRegistry()
	}
	d := &Dispatcher{
		reg:      reg,
		timeout:  DefaultTimeout,
		limiters: map[domain.ChannelKind]*rate.Limiter{},
	}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// Timeout is the current per-call bound.
func (d *Dispatcher) Timeout() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.timeout
}

// SetTimeout changes the per-call bound at runtime.
func (d *Dispatcher) SetTimeout(t time.Duration) {
	if t <= 0 {
		t = DefaultTimeout
	}
	d.mu.Lock()
	d.timeout = t
	d.mu.Unlock()
}

// SetRateLimits replaces every per-kind limit at runtime.
func (d *Dispatcher) SetRateLimits(limits map[domain.ChannelKind]float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiters = map[domain.ChannelKind]*rate.Limiter{}
	for k, rps := range limits {
		d.setLimiterLocked(k, rps)
	}
}

func (d *Dispatcher) setLimiterLocked(kind domain.ChannelKind, rps float64) {
	if rps <= 0 {
		delete(d.limiters, kind)
		return
	}
	// burst = ceil(rps) so a short spike of reminders does not serialize.
	burst := int(rps)
	if float64(burst) < rps {
		burst++
	}
	d.limiters[kind] = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
}

// Dispatch sends n.Message to contact. The only error it returns is
// ErrUnknownChannel; delivery problems are reported in Result.
func (d *Dispatcher) Dispatch(ctx context.Context, n domain.Notification, contact string) (Result, error) {
	c, ok := d.reg.Lookup(n.Channel)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrUnknownChannel, n.Channel)
	}

	d.mu.RLock()
	timeout := d.timeout
	lim := d.limiters[n.Channel]
	d.mu.RUnlock()

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if lim != nil {
		if err := lim.Wait(cctx); err != nil {
			return Result{Err: fmt.Errorf("rate limit: %w", err), Took: time.Since(start)}, nil
		}
	}

	type outcome struct {
		ok  bool
		err error
	}
	// Buffered: a capability that outlives the timeout must not block forever.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("capability panicked",
					logx.String("channel", n.Channel.String()),
					logx.String("notification_id", n.ID),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				done <- outcome{err: fmt.Errorf("capability %s panicked: %v", n.Channel, r)}
			}
		}()
		ok, err := c.Send(cctx, contact, n.Message)
		done <- outcome{ok: ok, err: err}
	}()

	select {
	case o := <-done:
		res := Result{Delivered: o.ok && o.err == nil, Err: o.err, Took: time.Since(start)}
		if o.err != nil {
			d.log.Warn("capability returned error",
				logx.String("channel", n.Channel.String()),
				logx.String("notification_id", n.ID),
				logx.Err(o.err),
			)
		}
		return res, nil
	case <-cctx.Done():
		d.log.Warn("capability timed out",
			logx.String("channel", n.Channel.String()),
			logx.String("notification_id", n.ID),
			logx.Duration("timeout", timeout),
		)
		return Result{Err: cctx.Err(), Took: time.Since(start)}, nil
	}
}
