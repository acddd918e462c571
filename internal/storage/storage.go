// Package storage is the fire-and-forget persistence sink for integration
// logs and tool results. Publishing never blocks the message path: records
// are handed to the NATS client's internal buffer and failures are counted,
// logged, and forgotten.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/rs/zerolog"
)

// Record kinds, appended to the subject prefix on publish.
const (
	KindIntegrationLog = "integration_logs"
	KindToolResult     = "tool_results"
	KindChatEvent      = "chat_events"
)

// Sink persists gateway records somewhere else. Implementations must never
// block the caller.
type Sink interface {
	Publish(kind string, record any)
	Close()
}

// Config tunes the NATS sink. Zero values take defaults.
type Config struct {
	URL           string        // default: nats.DefaultURL
	SubjectPrefix string        // default: "gateway"
	MaxReconnects int           // default: -1 (retry forever)
	ReconnectWait time.Duration // default: 2s
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "gateway"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// NATSSink publishes records over a NATS connection.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSSink connects to NATS and returns the sink. The connection
// reconnects in the background; publishes during an outage land in the
// client's pending buffer.
func NewNATSSink(cfg Config, logger zerolog.Logger) (*NATSSink, error) {
	cfg = cfg.withDefaults()
	log := logger.With().Str("component", "storage").Logger()

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", cfg.URL).Str("subject_prefix", cfg.SubjectPrefix).Msg("Storage sink connected")
	return &NATSSink{conn: conn, prefix: cfg.SubjectPrefix, logger: log}, nil
}

// Publish serializes record and hands it to NATS. Errors are absorbed: the
// caller's message path must not depend on storage being up.
func (s *NATSSink) Publish(kind string, record any) {
	data, err := json.Marshal(record)
	if err != nil {
		monitoring.StoragePublishes.WithLabelValues("marshal_error").Inc()
		s.logger.Warn().Err(err).Str("kind", kind).Msg("Storage record not serializable, dropped")
		return
	}

	subject := s.prefix + "." + kind
	if err := s.conn.Publish(subject, data); err != nil {
		monitoring.StoragePublishes.WithLabelValues("publish_error").Inc()
		s.logger.Warn().Err(err).Str("subject", subject).Msg("Storage publish failed, record dropped")
		return
	}
	monitoring.StoragePublishes.WithLabelValues("ok").Inc()
}

// Close flushes pending publishes and closes the connection.
func (s *NATSSink) Close() {
	if err := s.conn.Drain(); err != nil {
		s.logger.Debug().Err(err).Msg("NATS drain failed, closing hard")
		s.conn.Close()
	}
}

// NopSink discards every record. Used when no storage backend is configured
// and as the default in tests.
type NopSink struct{}

func (NopSink) Publish(string, any) {}
func (NopSink) Close()              {}
