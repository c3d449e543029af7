package queue

import (
	"sync"
	"time"

	"github.com/zorkian/chibichonk/internal/events"
	"github.com/zorkian/chibichonk/internal/metrics"
	"github.com/zorkian/chibichonk/pkg/types"
)

// Outbox is a bounded FIFO of messages awaiting delivery. When full, the
// oldest entry is dropped to make room.
type Outbox struct {
	mu       sync.Mutex
	capacity int
	items    []types.Outbound
	events   events.Recorder
	metrics  metrics.OutboxRecorder
	notify   chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{
		capacity: capacity,
		items:    make([]types.Outbound, 0, capacity),
		notify:   make(chan struct{}, 1),
	}
}

func (q *Outbox) SetEventRecorder(rec events.Recorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = rec
}

func (q *Outbox) SetMetricsRecorder(rec metrics.OutboxRecorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = rec
}

// Enqueue appends msg and reports whether an older entry was dropped.
func (q *Outbox) Enqueue(msg types.Outbound) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.capacity && len(q.items) > 0 {
		removed := q.items[0]
		q.items = q.items[1:]
		dropped = true
		q.dropLocked(removed)
	}
	q.items = append(q.items, msg)
	q.observeDepthLocked()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Drain removes up to max entries (all when max <= 0).
func (q *Outbox) Drain(max int) []types.Outbound {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	drained := make([]types.Outbound, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	q.observeDepthLocked()
	return drained
}

// Ready is signalled after an Enqueue.
func (q *Outbox) Ready() <-chan struct{} {
	return q.notify
}

func (q *Outbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Requeue puts msg back at the head so it is drained next. A message that
// no longer fits is dropped, as the oldest entry, and false is returned.
func (q *Outbox) Requeue(msg types.Outbound) bool {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.dropLocked(msg)
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, types.Outbound{})
	copy(q.items[1:], q.items)
	q.items[0] = msg
	q.observeDepthLocked()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *Outbox) dropLocked(msg types.Outbound) {
	q.recordEvent(types.EventOutboxDrop, msg.DeviceName)
	if q.metrics != nil {
		q.metrics.IncOutboxDrops()
	}
}

func (q *Outbox) recordEvent(eventType types.EventType, device string) {
	if q.events == nil {
		return
	}
	q.events.Record(types.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Device:    device,
	})
}

func (q *Outbox) observeDepthLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.ObserveOutboxDepth(len(q.items))
}
