package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/parcelview/gateway/internal/admission"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/parcelview/gateway/internal/registry"
)

// handleWebSocket runs admission, upgrades the connection, registers it, and
// starts the pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := s.classifier.Classify(r)

	// Reject new connections during graceful shutdown.
	if s.sup.Draining() {
		s.logger.Debug().
			Str("origin", id.Origin).
			Msg("Connection rejected: server shutting down")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	decision := s.ctl.CanAccept(id.Origin, id.UserID, id.Tier)
	if !decision.Allowed {
		denied := &AdmissionDeniedError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
		if decision.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
		}
		status := http.StatusServiceUnavailable
		if decision.Reason == admission.ReasonRateLimited || decision.Reason == admission.ReasonGlobalRate {
			status = http.StatusTooManyRequests
		}
		s.logger.Warn().
			Err(denied).
			Str("origin", id.Origin).
			Str("user_id", id.UserID).
			Str("tier", string(id.Tier)).
			Dur("elapsed", time.Since(start)).
			Msg("Connection rejected by admission control")
		http.Error(w, fmt.Sprintf("Connection rejected: %s", decision.Reason), status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.bank.RecordFailure(id.Origin)
		s.logger.Error().
			Err(err).
			Str("origin", id.Origin).
			Dur("elapsed", time.Since(start)).
			Msg("WebSocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	t := newWSTransport(conn, s.logger.With().Str("connection_id", connID).Logger())
	c := registry.NewConn(connID, id.Origin, id.UserID, id.Tier, decision.Priority, t, time.Now())

	if err := s.reg.Add(c); err != nil {
		t.Close(CloseInternalError, "registration failed")
		s.logger.Error().Err(err).Str("connection_id", connID).Msg("Connection registration failed")
		return
	}

	if err := c.Transition(registry.StateOpen); err != nil {
		s.reg.Remove(connID)
		t.Close(CloseInternalError, "bad connection state")
		return
	}

	// A successful establishment settles any half-open breaker trial for
	// this origin.
	s.bank.RecordSuccess(id.Origin)
	monitoring.ConnectionsTotal.Inc()

	s.logger.Info().
		Str("connection_id", connID).
		Str("origin", id.Origin).
		Str("user_id", id.UserID).
		Str("tier", string(id.Tier)).
		Str("priority", decision.Priority.String()).
		Int("live", s.reg.Len()).
		Dur("setup_time", time.Since(start)).
		Msg("Client connected")

	go t.writePump()
	go s.readPump(c, t)
}
