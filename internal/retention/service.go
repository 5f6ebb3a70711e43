package retention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

const (
	DefaultSchedule = "@daily"
	DefaultDaysOld  = 30
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec; 5 or 6 fields, or a descriptor such as @daily
	DaysOld  int
	Timezone string // IANA name; empty means local time
}

// Cleaner purges finished notifications older than daysOld days.
type Cleaner interface {
	CleanupOldNotifications(daysOld int) (int, error)
}

// Report describes one cleanup run.
type Report struct {
	At            time.Time `json:"at"`
	Notifications int       `json:"notifications"`
	Deliveries    int       `json:"deliveries"`
	Error         string    `json:"error,omitempty"`
}

// Service triggers cleanup on a cron schedule. Each run purges old
// notifications and, when a journal is configured, journal records older
// than the same cutoff.
type Service struct {
	cleaner Cleaner
	journal storage.Store
	log     logx.Logger
	parser  cron.Parser
	now     func() time.Time

	mu      sync.Mutex
	cfg     Config
	started bool
	c       *cron.Cron
	last    Report
}

func New(cfg Config, cleaner Cleaner, journal storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     normalize(cfg),
		cleaner: cleaner,
		journal: journal,
		log:     log.With(logx.String("comp", "retention")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

func normalize(cfg Config) Config {
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.DaysOld <= 0 {
		cfg.DaysOld = DefaultDaysOld
	}
	cfg.Timezone = strings.TrimSpace(cfg.Timezone)
	return cfg
}

// Validate checks the schedule and timezone without applying them.
func (s *Service) Validate(cfg Config) error {
	cfg = normalize(cfg)
	if _, err := s.parser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("retention.schedule %q: %w", cfg.Schedule, err)
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("retention.timezone %q: %w", cfg.Timezone, err)
	}
	return nil
}

// Apply swaps the config at runtime. A started service is restarted when
// the schedule, timezone or enabled flag changes.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	cfg = normalize(cfg)

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	changed := old.Schedule != cfg.Schedule || old.Timezone != cfg.Timezone || old.Enabled != cfg.Enabled
	var prev *cron.Cron
	if changed {
		prev = s.c
		s.c = nil
	}
	s.mu.Unlock()

	if !changed {
		return nil
	}
	waitCron(context.Background(), prev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

// Start begins cron triggering. It is a no-op when already started; when
// disabled it only arms Apply so a later enable takes effect.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	if !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() { _, _ = s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("retention.schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()), logx.Int("days_old", s.cfg.DaysOld))
	return nil
}

// Stop stops triggering and waits for a running cleanup, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c != nil {
		waitCron(ctx, c)
		s.log.Info("service stopped")
	}
}

// waitCron must be called without s.mu held: a running job takes it.
func waitCron(ctx context.Context, c *cron.Cron) {
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce performs one cleanup immediately.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	days := s.cfg.DaysOld
	s.mu.Unlock()

	now := s.now()
	rep := Report{At: now}
	n, err := s.cleaner.CleanupOldNotifications(days)
	rep.Notifications = n
	if err == nil && s.journal != nil {
		jctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		rep.Deliveries, err = s.journal.PruneDeliveries(jctx, now.AddDate(0, 0, -days))
		cancel()
	}
	if err != nil {
		rep.Error = err.Error()
		s.log.Error("cleanup failed", logx.Err(err))
	} else {
		s.log.Info("cleanup finished", logx.Int("notifications", rep.Notifications), logx.Int("deliveries", rep.Deliveries))
	}

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep, err
}

// LastRun returns the most recent report (zero before the first run).
func (s *Service) LastRun() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Next returns the next scheduled run, or zero when not started.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
