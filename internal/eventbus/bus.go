package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by reminderd components.
const (
	NotificationScheduled = "notification.scheduled"
	NotificationPromoted  = "notification.promoted"
	NotificationSent      = "notification.sent"
	NotificationFailed    = "notification.failed"
	NotificationsPurged   = "notification.purged"
	NotificationsDeleted  = "notification.deleted"
	ProcessorStarted      = "processor.started"
	ProcessorStopped      = "processor.stopped"
	ProcessorTickFailed   = "processor.tick_failed"
	ConfigReloaded        = "config.reloaded"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Transition is the payload of the notification.* state topics.
type Transition struct {
	NotificationID string `json:"notification_id"`
	EventID        string `json:"event_id"`
	Channel        string `json:"channel"`
	From           string `json:"from,omitempty"`
	To             string `json:"to"`
	Error          string `json:"error,omitempty"`
}

// Count is the payload of bulk topics (scheduled, purged, deleted).
type Count struct {
	Key string `json:"key,omitempty"`
	N   int    `json:"n"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything; Subscribe returns a channel that is closed on unsubscribe.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
