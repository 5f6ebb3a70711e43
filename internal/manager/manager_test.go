package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/directory"
	"reminderd/internal/dispatch"
	"reminderd/internal/domain"
	"reminderd/internal/eventbus"
	"reminderd/internal/storage"
	"reminderd/internal/store"
	logx "reminderd/pkg/logx"
)

var tBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// countingCap records every (contact, message) it receives.
type countingCap struct {
	result bool
	calls  atomic.Int32
	mu     sync.Mutex
	seen   map[string]int
}

func newCountingCap(result bool) *countingCap {
	return &countingCap{result: result, seen: map[string]int{}}
}

func (c *countingCap) Send(_ context.Context, contact, message string) (bool, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.seen[contact+"|"+message]++
	c.mu.Unlock()
	return c.result, nil
}

type fixture struct {
	clk *fakeClock
	dir *directory.Memory
	reg *dispatch.Registry
	st  *store.Store
	bus eventbus.Bus
	mgr *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clk: &fakeClock{t: tBase},
		dir: directory.NewMemory(),
		reg: dispatch.NewRegistry(),
		bus: eventbus.New(),
	}
	f.st = store.New(store.WithClock(f.clk.Now))
	disp := dispatch.New(f.reg, dispatch.WithTimeout(time.Second))
	opts = append([]Option{WithClock(f.clk.Now), WithBus(f.bus), WithLogger(logx.Nop())}, opts...)
	f.mgr = New(f.st, f.dir, disp, opts...)
	return f
}

func (f *fixture) addEvent(t *testing.T, id string, startIn time.Duration) {
	t.Helper()
	start := f.clk.Now().Add(startIn)
	require.NoError(t, f.dir.AddEvent(domain.Event{ID: id, Title: "Planning " + id, StartTime: start, EndTime: start.Add(time.Hour), CreatorID: "u0"}))
}

func (f *fixture) addParticipant(t *testing.T, eventID, id, email, phone string) {
	t.Helper()
	require.NoError(t, f.dir.AddParticipant(domain.Participant{ID: id, EventID: eventID, UserID: "user-" + id, Name: id, Email: email, Phone: phone}))
}

func TestScheduleAndSendScenario(t *testing.T) {
	f := newFixture(t)
	email := newCountingCap(true)
	f.reg.Register(domain.ChannelEmail, email)
	f.addEvent(t, "E1", 60*time.Minute)
	f.addParticipant(t, "E1", "P1", "ada@example.com", "")

	ns, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 15)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, tBase.Add(45*time.Minute), ns[0].ScheduledTime)
	assert.Equal(t, domain.StatePending, ns[0].State)
	assert.Equal(t, "Event 'Planning E1' is starting at 2026-03-01 10:00", ns[0].Message)

	sent, err := f.mgr.SendPendingNotifications(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent, "not due yet")

	f.clk.Set(tBase.Add(45 * time.Minute))
	sent, err = f.mgr.SendPendingNotifications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	got, err := f.mgr.GetNotification(ns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, got.State)
	assert.Equal(t, tBase.Add(45*time.Minute), got.SentAt)
	assert.Equal(t, int32(1), email.calls.Load())

	sent, err = f.mgr.SendPendingNotifications(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent, "terminal records are never re-sent")
}

func TestRejectedDeliveryIsFailed(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(domain.ChannelEmail, newCountingCap(false))
	f.addEvent(t, "E1", time.Hour)
	f.addParticipant(t, "E1", "P1", "ada@example.com", "")

	ns, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 15)
	require.NoError(t, err)
	f.clk.Set(tBase.Add(45 * time.Minute))

	sent, err := f.mgr.SendPendingNotifications(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	got, err := f.mgr.GetNotification(ns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.NotEmpty(t, got.LastError)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(domain.ChannelEmail, newCountingCap(true))
	f.addEvent(t, "soon", 10*time.Minute)
	f.addParticipant(t, "soon", "P1", "ada@example.com", "")

	_, err := f.mgr.ScheduleEventNotifications(context.Background(), "missing", 15)
	require.ErrorIs(t, err, domain.ErrNotFound)

	for _, minutes := range []int{0, -5} {
		_, err = f.mgr.ScheduleEventNotifications(context.Background(), "soon", minutes)
		require.ErrorIs(t, err, domain.ErrValidation)
	}

	_, err = f.mgr.ScheduleEventNotifications(context.Background(), "soon", 10)
	require.ErrorIs(t, err, domain.ErrValidation, "scheduled time equal to now")
	_, err = f.mgr.ScheduleEventNotifications(context.Background(), "soon", 15)
	require.ErrorIs(t, err, domain.ErrValidation, "scheduled time in the past")
	assert.Empty(t, f.mgr.GetEventNotifications("soon"), "nothing persisted on rejection")
}

func TestScheduleFansOutPerReachableChannel(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(domain.ChannelEmail, newCountingCap(true))
	f.reg.Register(domain.ChannelSMS, newCountingCap(true))
	f.reg.Register(domain.ChannelPush, newCountingCap(true))
	f.addEvent(t, "E1", 2*time.Hour)
	f.addParticipant(t, "E1", "P1", "ada@example.com", "+15550100199")
	f.addParticipant(t, "E1", "P2", "bob@example.com", "")

	ns, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 60)
	require.NoError(t, err)
	require.Len(t, ns, 5)

	perParticipant := map[string][]domain.ChannelKind{}
	for _, n := range ns {
		perParticipant[n.ParticipantID] = append(perParticipant[n.ParticipantID], n.Channel)
	}
	assert.ElementsMatch(t, []domain.ChannelKind{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelPush}, perParticipant["P1"])
	assert.ElementsMatch(t, []domain.ChannelKind{domain.ChannelEmail, domain.ChannelPush}, perParticipant["P2"])
	assert.Len(t, f.mgr.GetParticipantNotifications("P2"), 2)

	again, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 60)
	require.NoError(t, err)
	assert.Len(t, again, 5)
	assert.Len(t, f.mgr.GetEventNotifications("E1"), 10, "repeated scheduling adds an independent batch")
}

func TestConcurrentPassesDispatchAtMostOnce(t *testing.T) {
	f := newFixture(t)
	push := newCountingCap(true)
	f.reg.Register(domain.ChannelPush, push)
	f.addEvent(t, "E1", time.Hour)
	const participants = 60
	for i := 0; i < participants; i++ {
		f.addParticipant(t, "E1", fmt.Sprintf("P%02d", i), "", "")
	}
	_, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 30)
	require.NoError(t, err)
	f.clk.Set(tBase.Add(30 * time.Minute))

	var total atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.mgr.SendPendingNotifications(context.Background())
			assert.NoError(t, err)
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(participants), total.Load())
	assert.Equal(t, int32(participants), push.calls.Load())
	push.mu.Lock()
	defer push.mu.Unlock()
	for k, v := range push.seen {
		assert.Equal(t, 1, v, "contact %s dispatched more than once", k)
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(domain.ChannelEmail, newCountingCap(true))
	f.reg.Register(domain.ChannelSMS, newCountingCap(false))
	f.addEvent(t, "E1", time.Hour)
	f.addParticipant(t, "E1", "P1", "ada@example.com", "+15550100199")

	ch, unsub := f.bus.Subscribe(64)
	defer unsub()

	_, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 15)
	require.NoError(t, err)
	f.clk.Set(tBase.Add(time.Hour))
	_, err = f.mgr.SendPendingNotifications(context.Background())
	require.NoError(t, err)
	unsub()

	rank := map[string]int{"PENDING": 0, "READY": 1, "SENT": 2, "FAILED": 2}
	last := map[string]int{}
	var transitions int
	for e := range ch {
		tr, ok := e.Data.(eventbus.Transition)
		if !ok {
			continue
		}
		transitions++
		assert.Greater(t, rank[tr.To], rank[tr.From])
		assert.Greater(t, rank[tr.To], last[tr.NotificationID], "state went backwards for %s", tr.NotificationID)
		last[tr.NotificationID] = rank[tr.To]
	}
	assert.Equal(t, 4, transitions)
}

func TestFailuresDoNotAbortThePass(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(domain.ChannelEmail, dispatch.CapabilityFunc(func(context.Context, string, string) (bool, error) {
		panic("driver bug")
	}))
	push := newCountingCap(true)
	f.reg.Register(domain.ChannelPush, push)
	f.addEvent(t, "E1", time.Hour)
	f.addParticipant(t, "E1", "P1", "ada@example.com", "")
	f.addParticipant(t, "E1", "P2", "bob@example.com", "")

	_, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 15)
	require.NoError(t, err)
	f.clk.Set(tBase.Add(time.Hour))

	sent, err := f.mgr.SendPendingNotifications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	stats := f.mgr.Stats()
	assert.Equal(t, 2, stats.ByState["FAILED"])
	assert.Equal(t, 2, stats.ByState["SENT"])
}

func TestUnregisteredChannelAndMissingParticipantFail(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(domain.ChannelEmail, newCountingCap(true))
	f.reg.Register(domain.ChannelPush, newCountingCap(true))
	f.addEvent(t, "E1", time.Hour)
	f.addParticipant(t, "E1", "P1", "ada@example.com", "")
	f.addParticipant(t, "E1", "P2", "bob@example.com", "")

	_, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 15)
	require.NoError(t, err)
	f.reg.Unregister(domain.ChannelPush)
	require.NoError(t, f.dir.RemoveParticipant("P2"))
	f.clk.Set(tBase.Add(time.Hour))

	sent, err := f.mgr.SendPendingNotifications(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "only P1 email is deliverable")

	for _, n := range f.mgr.GetEventNotifications("E1") {
		if n.ParticipantID == "P1" && n.Channel == domain.ChannelEmail {
			assert.Equal(t, domain.StateSent, n.State)
			continue
		}
		assert.Equal(t, domain.StateFailed, n.State)
		assert.NotEmpty(t, n.LastError)
	}
}

func TestCanceledPassLeavesRestPending(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(domain.ChannelPush, newCountingCap(true))
	f.addEvent(t, "E1", time.Hour)
	f.addParticipant(t, "E1", "P1", "", "")
	f.addParticipant(t, "E1", "P2", "", "")
	_, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 15)
	require.NoError(t, err)
	f.clk.Set(tBase.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, err := f.mgr.SendPendingNotifications(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sent)
	assert.Equal(t, 2, f.mgr.Stats().ByState["PENDING"])
}

// cancelingDirectory honours ctx like a remote directory would and cancels
// the pass just as the contact lookup begins.
type cancelingDirectory struct {
	*directory.Memory
	cancel context.CancelFunc
}

func (d *cancelingDirectory) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	d.cancel()
	if err := ctx.Err(); err != nil {
		return domain.Participant{}, err
	}
	return d.Memory.GetParticipant(ctx, id)
}

func TestStopDuringContactLookupStillDelivers(t *testing.T) {
	f := newFixture(t)
	email := newCountingCap(true)
	f.reg.Register(domain.ChannelEmail, email)
	f.addEvent(t, "E1", time.Hour)
	f.addParticipant(t, "E1", "P1", "ada@example.com", "")
	ns, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 15)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	f.clk.Set(tBase.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := New(f.st, &cancelingDirectory{Memory: f.dir, cancel: cancel}, dispatch.New(f.reg),
		WithClock(f.clk.Now), WithLogger(logx.Nop()))

	sent, err := mgr.SendPendingNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	got, err := mgr.GetNotification(ns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, got.State, "a claimed notification is delivered, not failed by the stop")
	assert.Equal(t, int32(1), email.calls.Load())
}

func TestCleanupIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(domain.ChannelPush, newCountingCap(true))
	f.addEvent(t, "old", time.Hour)
	f.addParticipant(t, "old", "P1", "", "")
	_, err := f.mgr.ScheduleEventNotifications(context.Background(), "old", 15)
	require.NoError(t, err)
	f.clk.Set(tBase.Add(time.Hour))
	_, err = f.mgr.SendPendingNotifications(context.Background())
	require.NoError(t, err)

	f.addEvent(t, "new", time.Hour)
	f.addParticipant(t, "new", "P2", "", "")
	_, err = f.mgr.ScheduleEventNotifications(context.Background(), "new", 15)
	require.NoError(t, err)

	f.clk.Set(tBase.Add(31 * 24 * time.Hour))
	n, err := f.mgr.CleanupOldNotifications(30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.mgr.CleanupOldNotifications(30)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.mgr.GetEventNotifications("new"), 1, "pending records survive cleanup")

	_, err = f.mgr.CleanupOldNotifications(-1)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDeletes(t *testing.T) {
	f := newFixture(t)
	f.reg.Register(domain.ChannelEmail, newCountingCap(true))
	f.reg.Register(domain.ChannelPush, newCountingCap(true))
	f.addEvent(t, "E1", time.Hour)
	f.addParticipant(t, "E1", "P1", "ada@example.com", "")
	f.addParticipant(t, "E1", "P2", "bob@example.com", "")
	ns, err := f.mgr.ScheduleEventNotifications(context.Background(), "E1", 15)
	require.NoError(t, err)
	require.Len(t, ns, 4)

	require.NoError(t, f.mgr.DeleteNotification(ns[0].ID))
	require.ErrorIs(t, f.mgr.DeleteNotification(ns[0].ID), domain.ErrNotFound)
	assert.Equal(t, 2, f.mgr.DeleteParticipantNotifications("P2"))
	assert.Equal(t, 1, f.mgr.DeleteEventNotifications("E1"))
	assert.Zero(t, f.mgr.Stats().Total)
}

func TestOutcomesAreJournaled(t *testing.T) {
	journal, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "journal")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	f := newFixture(t, WithJournal(journal))
	f.reg.Register(domain.ChannelEmail, newCountingCap(true))
	f.reg.Register(domain.ChannelSMS, newCountingCap(false))
	f.addEvent(t, "E1", time.Hour)
	f.addParticipant(t, "E1", "P1", "ada@example.com", "+15550100199")
	_, err = f.mgr.ScheduleEventNotifications(context.Background(), "E1", 15)
	require.NoError(t, err)
	f.clk.Set(tBase.Add(time.Hour))
	_, err = f.mgr.SendPendingNotifications(context.Background())
	require.NoError(t, err)

	recs, err := journal.ListDeliveries(context.Background(), "E1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	states := map[string]string{}
	for _, r := range recs {
		states[r.Channel] = r.State
	}
	assert.Equal(t, map[string]string{"EMAIL": "SENT", "SMS": "FAILED"}, states)
}

func TestMessages(t *testing.T) {
	e := domain.Event{Title: "Retro", StartTime: time.Date(2026, 5, 4, 16, 30, 0, 0, time.UTC)}
	assert.Equal(t, "Event 'Retro' is starting at 2026-05-04 16:30", Message(domain.ChannelEmail, e))
	assert.Equal(t, "Event 'Retro' starts at 16:30", Message(domain.ChannelSMS, e))
	assert.Equal(t, "⏰ Event 'Retro' is starting soon!", Message(domain.ChannelPush, e))
	assert.Contains(t, Message("FAX", e), "Retro")
}
