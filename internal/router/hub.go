// Package router classifies, queues, and dispatches messages for registered
// connections, and owns the topic → subscriber pub-sub map.
//
// Critical/high messages execute synchronously on receipt. Medium/low
// messages land in a per-connection bounded priority queue serviced by the
// background drain cycle (driven from the supervisor tick). Delivery is
// best-effort: no persistence, no delivery guarantee, no back-pressure to
// the sender.
package router

import (
	"sync"
	"time"

	"github.com/parcelview/gateway/internal/breaker"
	"github.com/parcelview/gateway/internal/messaging"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/parcelview/gateway/internal/registry"
	"github.com/rs/zerolog"
)

// Executor runs a message's domain action. Implementations must be
// non-blocking: a domain call kicked off here signals completion through
// its own continuation, never by stalling the caller.
type Executor interface {
	Execute(connID string, env *messaging.Envelope) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(connID string, env *messaging.Envelope) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(connID string, env *messaging.Envelope) error {
	return f(connID, env)
}

// Config tunes the hub. Zero values take defaults.
type Config struct {
	QueueCapacity int // Per-connection queue bound (default: 64)
	DrainBatch    int // Executions per connection per drain tick (default: 8)
	MaxRetries    int // Retry bound for failed executions (default: 3)
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 64
	}
	if c.DrainBatch == 0 {
		c.DrainBatch = 8
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

// Hub is the message router and pub-sub hub. All map mutation is serialized
// by one mutex; executions happen outside it.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[string]struct{} // topic → set of connection ids
	queues map[string]*connQueue          // connection id → pending medium/low

	cfg    Config
	reg    *registry.Registry
	bank   *breaker.Bank
	exec   Executor
	logger zerolog.Logger
}

// NewHub creates a hub over the registry. Execution failures feed bank so
// misbehaving origins trip their breaker from the drain path too. exec runs
// each message's domain action; it may be swapped per test.
func NewHub(cfg Config, reg *registry.Registry, bank *breaker.Bank, exec Executor, logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[string]struct{}),
		queues: make(map[string]*connQueue),
		cfg:    cfg.withDefaults(),
		reg:    reg,
		bank:   bank,
		exec:   exec,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Dispatch routes one inbound message for connID at time now.
//
// Critical/high: executed immediately; the execution error (if any) is
// returned so the caller can feed connection counters and the breaker.
// Medium/low: enqueued for the drain cycle; a full queue evicts its oldest
// low entry or rejects the message.
func (h *Hub) Dispatch(connID string, env *messaging.Envelope, now time.Time) error {
	prio := env.ParsedPriority()

	if prio.Immediate() {
		return h.exec.Execute(connID, env)
	}

	h.mu.Lock()
	q := h.queues[connID]
	if q == nil {
		q = newConnQueue(h.cfg.QueueCapacity)
		h.queues[connID] = q
	}
	evicted, accepted := q.push(newQueuedMessage(env, now))
	h.mu.Unlock()

	if evicted != nil {
		monitoring.QueueEvictions.Inc()
		h.logger.Debug().
			Str("connection_id", connID).
			Str("evicted_id", evicted.ID).
			Msg("Queue full, evicted oldest low-priority message")
	}
	if !accepted {
		monitoring.QueueRejections.Inc()
		h.logger.Debug().
			Str("connection_id", connID).
			Str("type", env.Type).
			Msg("Queue full with no evictable entry, message rejected")
		return nil
	}

	monitoring.MessagesQueued.Inc()
	return nil
}

// QueueLen returns the pending queue length for connID.
func (h *Hub) QueueLen(connID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q := h.queues[connID]; q != nil {
		return q.len()
	}
	return 0
}

// DrainTick executes up to DrainBatch queued messages per connection.
// Every failed execution counts against the connection and feeds its
// origin's breaker, exactly like an immediate-priority failure; the message
// is then retried up to MaxRetries by re-inserting at the front of its
// priority class, beyond which it is dropped.
//
// Driven by the supervisor's scheduler tick.
func (h *Hub) DrainTick(now time.Time) (executed, dropped int) {
	h.mu.Lock()
	connIDs := make([]string, 0, len(h.queues))
	for id := range h.queues {
		connIDs = append(connIDs, id)
	}
	h.mu.Unlock()

	for _, connID := range connIDs {
		for i := 0; i < h.cfg.DrainBatch; i++ {
			h.mu.Lock()
			q := h.queues[connID]
			var m *QueuedMessage
			if q != nil {
				m = q.pop()
			}
			h.mu.Unlock()

			if m == nil {
				break
			}

			if err := h.exec.Execute(connID, m.Env); err != nil {
				if c := h.reg.Get(connID); c != nil {
					c.RecordError()
					h.bank.RecordFailure(c.Origin)
				}
				m.Retries++
				if m.Retries > h.cfg.MaxRetries {
					dropped++
					monitoring.MessagesDropped.Inc()
					h.logger.Warn().
						Str("connection_id", connID).
						Str("message_id", m.ID).
						Int("retries", m.Retries-1).
						Err(err).
						Msg("Dropping message after exhausting retries")
					continue
				}

				monitoring.MessageRetries.Inc()
				h.mu.Lock()
				// The connection may have closed between pop and retry;
				// its queue is gone and the message dies with it.
				if q := h.queues[connID]; q != nil {
					q.pushFront(m)
				}
				h.mu.Unlock()
				continue
			}
			executed++
		}
	}
	return executed, dropped
}

// Subscribe adds connID to topic's subscriber set. Subscribing to an
// already-subscribed topic is a no-op.
func (h *Hub) Subscribe(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.topics[topic]
	if set == nil {
		set = make(map[string]struct{})
		h.topics[topic] = set
	}
	set[connID] = struct{}{}
}

// Unsubscribe removes connID from topic. The topic entry is removed when
// the last subscriber leaves.
func (h *Hub) Unsubscribe(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.topics[topic]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.topics, topic)
	}
}

// Subscribers returns a snapshot of topic's subscriber ids.
func (h *Hub) Subscribers(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.topics[topic]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// BroadcastToTopic delivers payload to every current subscriber of topic
// except excludeID. Best-effort: send failures are logged and counted, and
// the broken connection is reported via the registry's evict handler.
func (h *Hub) BroadcastToTopic(topic string, payload []byte, excludeID string) int {
	delivered := 0
	for _, id := range h.Subscribers(topic) {
		if id == excludeID {
			continue
		}
		if h.sendTo(id, payload) {
			delivered++
		}
	}
	return delivered
}

// BroadcastToAll delivers payload to every live connection.
func (h *Hub) BroadcastToAll(payload []byte) int {
	delivered := 0
	for _, c := range h.reg.List() {
		if h.sendTo(c.ID, payload) {
			delivered++
		}
	}
	return delivered
}

// Unicast delivers payload to one connection. Returns false if the
// connection is unknown or the send failed.
func (h *Hub) Unicast(connID string, payload []byte) bool {
	return h.sendTo(connID, payload)
}

func (h *Hub) sendTo(connID string, payload []byte) bool {
	c := h.reg.Get(connID)
	if c == nil {
		return false
	}
	if err := c.Transport.Send(payload); err != nil {
		// SendFailure: the connection is broken and is removed right away
		// through the evict handler.
		c.RecordError()
		h.logger.Debug().
			Str("connection_id", connID).
			Err(err).
			Msg("Send failed, evicting connection")
		h.reg.Evict(c, "send_failure")
		return false
	}
	c.RecordSent(len(payload))
	monitoring.MessagesSent.Inc()
	monitoring.BytesSent.Add(float64(len(payload)))
	return true
}

// PurgeConnection discards connID's pending queue and removes it from
// every topic. Called when a connection enters Closed; queued messages
// are never executed after close.
func (h *Hub) PurgeConnection(connID string) (purged int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if q := h.queues[connID]; q != nil {
		purged = q.len()
		delete(h.queues, connID)
	}
	for topic, set := range h.topics {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	return purged
}

// TopicCount returns the number of live topics. Stats snapshot helper.
func (h *Hub) TopicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// PendingTotal returns the total queued messages across connections.
func (h *Hub) PendingTotal() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, q := range h.queues {
		total += q.len()
	}
	return total
}
