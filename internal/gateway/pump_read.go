package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/parcelview/gateway/internal/messaging"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/parcelview/gateway/internal/registry"
	"golang.org/x/time/rate"
)

// readPump reads frames off the socket, decodes envelopes, and feeds the
// dispatch function. It owns the connection's close event: whatever ends the
// loop, exactly one EventClose (or fatal EventError) goes through Dispatch.
func (s *Server) readPump(c *registry.Conn, t *wsTransport) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"connection_id": c.ID,
	})

	// Flood protection: a client exceeding this sees dropped messages and an
	// error notice, not a disconnect. Might be a temporary spike.
	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessageRate), s.cfg.MessageBurst)

	for {
		msg, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			// Read errors are client-initiated as far as we are concerned.
			s.Dispatch(c, Event{Kind: EventClose, Code: CloseGoingAway, Reason: "client_close"}, time.Now())
			return
		}

		now := time.Now()
		c.RecordReceived(len(msg))
		monitoring.MessagesReceived.Inc()
		monitoring.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText:
			if !limiter.Allow() {
				s.notifyRateLimited(c, t)
				continue
			}

			env, err := messaging.Decode(msg)
			if err != nil {
				code := CloseProtocolError
				if errors.Is(err, messaging.ErrOversized) {
					code = CloseTooLarge
				}
				s.Dispatch(c, Event{Kind: EventError, Err: &ProtocolViolationError{Err: err}, Code: code}, now)
				return
			}

			if !messaging.Recognized(env.Type) {
				// Unknown type: log but don't disconnect. Might be a future
				// feature we haven't implemented yet.
				s.logger.Warn().
					Str("connection_id", c.ID).
					Str("message_type", env.Type).
					Msg("Client sent unknown message type")
				continue
			}

			s.Dispatch(c, Event{Kind: EventMessage, Env: env}, now)
			if c.State() != registry.StateOpen {
				return
			}

		case ws.OpClose:
			s.Dispatch(c, Event{Kind: EventClose, Code: CloseGoingAway, Reason: "client_close"}, now)
			return
		}
	}
}

// notifyRateLimited tells the flooding client why its messages are being
// dropped. Best effort.
func (s *Server) notifyRateLimited(c *registry.Conn, t *wsTransport) {
	monitoring.MessagesDropped.Inc()
	s.logger.Warn().
		Str("connection_id", c.ID).
		Float64("rate_limit_per_sec", s.cfg.MessageRate).
		Msg("Client rate limited")

	notice := map[string]any{
		"type":    "error",
		"code":    "RATE_LIMIT_EXCEEDED",
		"message": "Too many messages, please slow down",
	}
	if data, err := json.Marshal(notice); err == nil {
		t.Send(data)
	}
}

// handleEnvelope routes one recognized envelope. Control types are answered
// inline; domain types go through the hub's priority scheduling.
func (s *Server) handleEnvelope(c *registry.Conn, env *messaging.Envelope, now time.Time) {
	switch env.Type {
	case messaging.TypePing, messaging.TypeHeartbeat:
		// Application-level keep-alive. Respond with server time so clients
		// can detect clock skew.
		s.reply(c, messaging.TypePong, map[string]int64{"ts": now.UnixMilli()})

	case messaging.TypePong:
		if rtt, ok := c.PongReceived(now); ok {
			monitoring.RoundTripLatency.Observe(rtt.Seconds())
		}

	case messaging.TypeSubscribe:
		topics := parseTopics(env.Data)
		for _, topic := range topics {
			s.hub.Subscribe(c.ID, topic)
		}
		s.logger.Info().
			Str("connection_id", c.ID).
			Strs("topics", topics).
			Msg("Client subscribed")
		s.reply(c, "subscription_ack", map[string]any{"subscribed": topics})

	case messaging.TypeUnsubscribe:
		topics := parseTopics(env.Data)
		for _, topic := range topics {
			s.hub.Unsubscribe(c.ID, topic)
		}
		s.logger.Info().
			Str("connection_id", c.ID).
			Strs("topics", topics).
			Msg("Client unsubscribed")
		s.reply(c, "unsubscription_ack", map[string]any{"unsubscribed": topics})

	case messaging.TypeInstanceRegister:
		c.SetInstance(env.Instance)
		s.reply(c, "instance_ack", map[string]string{"instance": env.Instance})

	case messaging.TypeHealthCheck:
		s.reply(c, "health_report", s.reg.Snapshot(now))

	default:
		// tool_status, chat_typing, integration_update: priority-scheduled
		// domain work.
		if err := s.hub.Dispatch(c.ID, env, now); err != nil {
			s.Dispatch(c, Event{Kind: EventError, Err: err}, now)
		}
	}
}

// parseTopics extracts {"topics": [...]} (or the legacy "channels" key) from
// a subscribe/unsubscribe payload.
func parseTopics(data json.RawMessage) []string {
	var req struct {
		Topics   []string `json:"topics"`
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil
	}
	if len(req.Topics) > 0 {
		return req.Topics
	}
	return req.Channels
}

// reply sends a typed envelope back on the connection. Best effort: a send
// failure is counted against the connection and left to the health sweep.
func (s *Server) reply(c *registry.Conn, msgType string, data any) {
	env, err := messaging.NewEnvelope(msgType, data)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", msgType).Msg("Reply not serializable")
		return
	}
	payload, err := env.Serialize()
	if err != nil {
		return
	}
	if err := c.Transport.Send(payload); err != nil {
		c.RecordError()
		return
	}
	c.RecordSent(len(payload))
	monitoring.MessagesSent.Inc()
	monitoring.BytesSent.Add(float64(len(payload)))
}
