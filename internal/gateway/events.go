package gateway

import (
	"time"

	"github.com/parcelview/gateway/internal/messaging"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/parcelview/gateway/internal/registry"
)

// EventKind discriminates per-connection events.
type EventKind int

const (
	EventMessage EventKind = iota
	EventClose
	EventError
	EventHeartbeatAck
)

// Event is the typed per-connection event consumed by the dispatch function.
// Every transition in a connection's life arrives here, so each is testable
// on its own instead of being buried in pump control flow.
type Event struct {
	Kind   EventKind
	Env    *messaging.Envelope // EventMessage
	Err    error               // EventError
	Code   int                 // EventClose / EventError close code
	Reason string
}

// maxConnErrors is the fatal-to-connection error threshold. Crossing it
// tears the connection down; the process always survives.
const maxConnErrors = 10

// Dispatch consumes one event for connection c at time now.
func (s *Server) Dispatch(c *registry.Conn, ev Event, now time.Time) {
	switch ev.Kind {
	case EventMessage:
		c.Touch(now)
		s.handleEnvelope(c, ev.Env, now)

	case EventHeartbeatAck:
		if rtt, ok := c.PongReceived(now); ok {
			monitoring.RoundTripLatency.Observe(rtt.Seconds())
		}

	case EventError:
		c.RecordError()
		s.bank.RecordFailure(c.Origin)

		if _, fatal := ev.Err.(*ProtocolViolationError); fatal {
			code := ev.Code
			if code == 0 {
				code = CloseProtocolError
			}
			s.logger.Warn().
				Str("connection_id", c.ID).
				Err(ev.Err).
				Msg("Protocol violation, dropping connection")
			s.teardown(c, code, "protocol violation", "protocol_violation")
			return
		}

		if c.ErrorCount() >= maxConnErrors {
			s.logger.Warn().
				Str("connection_id", c.ID).
				Int64("errors", c.ErrorCount()).
				Msg("Error threshold exceeded, dropping connection")
			s.teardown(c, ClosePolicyViolation, "too many errors", "error_threshold")
			return
		}

		// TransientNetworkError: counted, breaker fed, connection kept.
		s.logger.Debug().
			Str("connection_id", c.ID).
			Err(ev.Err).
			Msg("Transient connection error")

	case EventClose:
		reason := ev.Reason
		if reason == "" {
			reason = "client_close"
		}
		s.teardown(c, ev.Code, reason, reason)
	}
}

// teardown drives the connection into Closed and runs the close contract:
// registry removal, subscription cleanup, queue purge. Queued messages are
// never executed after close.
func (s *Server) teardown(c *registry.Conn, code int, closeReason, cause string) {
	switch c.State() {
	case registry.StateOpen:
		if cause == "client_close" || cause == "shutdown" {
			c.Transition(registry.StateClosing)
		} else {
			c.Transition(registry.StateErroring)
		}
	case registry.StateClosed:
		return
	}
	c.Transition(registry.StateClosed)

	if code == 0 {
		code = CloseGoingAway
	}
	c.Transport.Close(code, closeReason)

	purged := s.hub.PurgeConnection(c.ID)
	s.reg.Remove(c.ID)
	monitoring.DisconnectsTotal.WithLabelValues(cause).Inc()

	s.logger.Info().
		Str("connection_id", c.ID).
		Str("origin", c.Origin).
		Str("cause", cause).
		Int("purged_messages", purged).
		Int64("messages", c.MessageCount()).
		Int64("errors", c.ErrorCount()).
		Msg("Connection closed")
}
