package router

import (
	"time"

	"github.com/google/uuid"
	"github.com/parcelview/gateway/internal/messaging"
)

// QueuedMessage exists only while awaiting execution. Retries re-insert it
// at the front of its priority class until the retry limit is exhausted.
type QueuedMessage struct {
	ID         string
	Env        *messaging.Envelope
	Priority   messaging.Priority
	EnqueuedAt time.Time
	Retries    int
}

func newQueuedMessage(env *messaging.Envelope, now time.Time) *QueuedMessage {
	return &QueuedMessage{
		ID:         uuid.NewString(),
		Env:        env,
		Priority:   env.ParsedPriority(),
		EnqueuedAt: now,
	}
}

// connQueue is one connection's bounded queue of medium/low messages,
// ordered by (priority desc, enqueue-time asc). Not safe for concurrent
// use; the hub's mutex serializes access.
type connQueue struct {
	items []*QueuedMessage
	max   int
}

func newConnQueue(max int) *connQueue {
	return &connQueue{max: max}
}

func (q *connQueue) len() int { return len(q.items) }

// push appends m in priority order. When the queue is full it evicts the
// oldest low-priority entry to make room; if there is none, the incoming
// message is rejected.
//
// Returns (evicted, accepted).
func (q *connQueue) push(m *QueuedMessage) (evicted *QueuedMessage, accepted bool) {
	if len(q.items) >= q.max {
		evicted = q.evictOldestLow()
		if evicted == nil {
			return nil, false
		}
	}

	// Insert before the first strictly-lower-priority item: equal-priority
	// messages keep arrival order.
	pos := len(q.items)
	for i, it := range q.items {
		if it.Priority < m.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = m
	return evicted, true
}

// pushFront re-inserts m at the front of its priority class (retry path).
func (q *connQueue) pushFront(m *QueuedMessage) {
	pos := len(q.items)
	for i, it := range q.items {
		if it.Priority <= m.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = m
}

// pop removes and returns the head (highest priority, oldest), or nil.
func (q *connQueue) pop() *QueuedMessage {
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m
}

// evictOldestLow removes and returns the oldest PriorityLow entry, or nil
// if the queue holds no low-priority messages. The queue is sorted
// (priority desc, time asc), so the first low entry found is the oldest.
func (q *connQueue) evictOldestLow() *QueuedMessage {
	for i, it := range q.items {
		if it.Priority == messaging.PriorityLow {
			evicted := it
			q.items = append(q.items[:i], q.items[i+1:]...)
			return evicted
		}
	}
	return nil
}
