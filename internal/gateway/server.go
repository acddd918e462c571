// Package gateway assembles the connection gateway: HTTP endpoints, the
// WebSocket upgrade path, per-connection pumps, and the wiring between
// admission, registry, breaker bank, router, and supervisor.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/parcelview/gateway/internal/admission"
	"github.com/parcelview/gateway/internal/breaker"
	"github.com/parcelview/gateway/internal/config"
	"github.com/parcelview/gateway/internal/domain"
	"github.com/parcelview/gateway/internal/messaging"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/parcelview/gateway/internal/registry"
	"github.com/parcelview/gateway/internal/router"
	"github.com/parcelview/gateway/internal/storage"
	"github.com/parcelview/gateway/internal/supervisor"
	"github.com/rs/zerolog"
)

// Server is one gateway instance. Every component hangs off it by reference;
// nothing is process-global, so tests can run isolated instances side by side.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	reg        *registry.Registry
	monitor    *registry.Monitor
	bank       *breaker.Bank
	ctl        *admission.Controller
	hub        *router.Hub
	sup        *supervisor.Supervisor
	sink       storage.Sink
	services   domain.Services
	classifier domain.OriginClassifier

	httpSrv *http.Server
}

// New wires a gateway from configuration. sink, services, and classifier may
// be nil; no-op/default implementations are substituted.
func New(cfg *config.Config, logger zerolog.Logger, sink storage.Sink, services domain.Services, classifier domain.OriginClassifier) *Server {
	if sink == nil {
		sink = storage.NopSink{}
	}
	if services == nil {
		services = domain.NopServices{}
	}
	if classifier == nil {
		classifier = domain.HeaderClassifier{}
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "gateway").Logger(),
		sink:       sink,
		services:   services,
		classifier: classifier,
	}

	s.reg = registry.New(logger)
	s.monitor = registry.NewMonitor(s.reg, registry.MonitorConfig{
		IdleTimeout:        cfg.IdleTimeout,
		EvictionErrorCount: cfg.EvictionErrorCount,
	}, logger)

	s.bank = breaker.NewBank(breaker.Config{
		Threshold:   cfg.BreakerThreshold,
		Timeout:     cfg.BreakerTimeout,
		BurstCount:  cfg.BreakerBurstCount,
		BurstWindow: cfg.BreakerBurstWindow,
	}, logger)

	s.ctl = admission.NewController(admission.Limits{
		MaxConnections:      cfg.MaxConnections,
		CriticalReservePct:  cfg.CriticalReservePct,
		MaxPerOrigin:        cfg.MaxPerOrigin,
		MaxPerUser:          cfg.MaxPerUser,
		AdmissionsPerWindow: cfg.AdmissionsPerWindow,
		AdmissionWindow:     cfg.AdmissionWindow,
		GlobalRate:          cfg.GlobalRate,
		GlobalBurst:         cfg.GlobalBurst,
	}, s.reg, s.reg, s.bank, nil, logger)

	s.hub = router.NewHub(router.Config{
		QueueCapacity: cfg.QueueCapacity,
		DrainBatch:    cfg.DrainBatch,
		MaxRetries:    cfg.MaxRetries,
	}, s.reg, s.bank, router.ExecutorFunc(s.execute), logger)

	s.sup = supervisor.New(supervisor.Config{
		TickInterval:     cfg.TickInterval,
		HeartbeatIdle:    cfg.HeartbeatIdle,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ShutdownGrace:    cfg.ShutdownGrace,
	}, s.reg, s.monitor, s.hub, s.ctl, s.bank, nil, logger)

	// Every eviction path (staleness, self-healing, emergency cleanup, load
	// shedding, heartbeat) funnels through one teardown.
	s.reg.SetEvictHandler(func(c *registry.Conn, cause string) {
		code := CloseGoingAway
		if cause == "load_shed" || cause == "emergency" {
			code = CloseTryAgainLater
		}
		s.teardown(c, code, cause, cause)
	})

	return s
}

// Registry exposes the connection registry for collaborators.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Hub exposes broadcastToTopic/broadcastToAll/unicast to collaborators.
func (s *Server) Hub() *router.Hub { return s.hub }

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: mux,
	}

	go s.sup.Run(ctx)

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Gateway listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway listener failed: %w", err)
	}
	return nil
}

// Shutdown drains connections gracefully, then stops the HTTP listener and
// flushes the storage sink.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Gateway shutting down")
	s.sup.Shutdown(ctx)

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.sink.Close()
	return err
}

// handleHealthz serves the read-only stats snapshot.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	perf := s.sup.Performance()

	resp := map[string]any{
		"status":       "healthy",
		"stats":        s.reg.Snapshot(now),
		"pending":      s.hub.PendingTotal(),
		"topics":       s.hub.TopicCount(),
		"breakersOpen": s.bank.OpenCount(),
		"avgRttMs":     perf.AvgRTT.Milliseconds(),
		"errorRate":    perf.ErrorRate,
		"pressure":     perf.Pressure.String(),
	}
	if perf.Pressure >= supervisor.PressureHigh {
		resp["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// execute runs one domain message. Called by the hub for critical/high
// messages on receipt and for queued messages from the drain cycle. Domain
// calls are asynchronous by contract: outcomes come back through
// continuations, never by blocking here.
func (s *Server) execute(connID string, env *messaging.Envelope) error {
	payload, err := env.Serialize()
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}

	switch env.Type {
	case messaging.TypeToolStatus:
		s.services.ExecuteTool(env.SessionID, env.RequestID, env.Data, func(res domain.ToolResult) {
			s.sink.Publish(storage.KindToolResult, res)
			if out, err := messaging.NewEnvelope("tool_result", res); err == nil {
				if p, err := out.Serialize(); err == nil {
					s.hub.Unicast(connID, p)
				}
			}
		})

	case messaging.TypeChatTyping:
		s.hub.BroadcastToTopic("chat."+env.SessionID, payload, connID)
		s.sink.Publish(storage.KindChatEvent, env)

	case messaging.TypeIntegrationUpdate:
		s.hub.BroadcastToTopic("integrations", payload, connID)
		s.sink.Publish(storage.KindIntegrationLog, env)
		s.services.SyncMemory(env.SessionID, env.Data)
	}
	return nil
}
