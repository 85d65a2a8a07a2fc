package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType classifies progress events.
type EventType int

const (
	EventRunStarted EventType = iota
	EventTaskStarted
	EventTaskFinished
	EventRunFinished
)

func (t EventType) String() string {
	switch t {
	case EventRunStarted:
		return "run_started"
	case EventTaskStarted:
		return "task_started"
	case EventTaskFinished:
		return "task_finished"
	case EventRunFinished:
		return "run_finished"
	default:
		return "unknown"
	}
}

// Event is one progress notification from a monitored run. Partition fields
// are zero for run-level events.
type Event struct {
	Type        EventType
	RunID       string
	PartitionID string
	Index       int
	Records     int64
	Failed      bool
	Timestamp   time.Time
}

// Subscription is one listener on a notifier. Events arrive on C.
type Subscription struct {
	C     <-chan Event
	id    int64
	ch    chan Event
	types []EventType
}

func (s *Subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, want := range s.types {
		if want == t {
			return true
		}
	}
	return false
}

// Notifier is an in-process pub/sub bus for run progress, feeding live
// output such as the CLI's verbose mode. Publish never blocks: a subscriber
// whose buffer is full misses the event, so slow consumers cannot stall
// workers.
type Notifier struct {
	subscribers sync.Map // id → *Subscription
	bufferSize  int
	nextID      atomic.Int64
}

// NewNotifier creates a notifier whose subscribers buffer up to bufferSize
// events.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Notifier{bufferSize: bufferSize}
}

// Subscribe registers a listener. With no types given, every event is
// delivered; otherwise only the listed types are.
func (n *Notifier) Subscribe(types ...EventType) *Subscription {
	ch := make(chan Event, n.bufferSize)
	sub := &Subscription{
		C:     ch,
		id:    n.nextID.Add(1),
		ch:    ch,
		types: types,
	}
	n.subscribers.Store(sub.id, sub)
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if _, ok := n.subscribers.LoadAndDelete(sub.id); ok {
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber without blocking.
func (n *Notifier) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	n.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscription)
		if sub.wants(e.Type) {
			select {
			case sub.ch <- e:
			default:
				// full buffer, drop rather than block the run
			}
		}
		return true
	})
}
