package gateway

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/parcelview/gateway/internal/messaging"
	"github.com/rs/zerolog"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// wsTransport adapts a raw WebSocket connection to the registry's Transport.
// Send is non-blocking: payloads land in a bounded channel consumed by the
// write pump; a full channel means the client stopped reading and the send
// fails as a SendFailure.
type wsTransport struct {
	conn   net.Conn
	send   chan []byte
	done   chan struct{}
	logger zerolog.Logger

	closeOnce sync.Once
}

func newWSTransport(conn net.Conn, logger zerolog.Logger) *wsTransport {
	return &wsTransport{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues payload for the write pump.
func (t *wsTransport) Send(payload []byte) error {
	select {
	case <-t.done:
		return net.ErrClosed
	default:
	}

	select {
	case t.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Ping sends an application-level ping envelope. The client answers with a
// pong envelope, which settles the heartbeat and measures the round trip.
// (WebSocket-level pongs never surface from the frame reader, so heartbeats
// ride the envelope protocol.)
func (t *wsTransport) Ping() error {
	env, err := messaging.NewEnvelope(messaging.TypePing, nil)
	if err != nil {
		return err
	}
	payload, err := env.Serialize()
	if err != nil {
		return err
	}
	return t.Send(payload)
}

// Close writes the close frame with code and reason, then tears down the
// socket. Safe to call more than once.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		if werr := wsutil.WriteServerMessage(t.conn, ws.OpClose, body); werr != nil {
			t.logger.Debug().Err(werr).Msg("Close frame write failed")
		}
		err = t.conn.Close()
	})
	return err
}

// writePump batches queued messages onto the socket. This is the hot path:
// a buffered writer coalesces consecutive sends into one syscall.
func (t *wsTransport) writePump() {
	writer := bufio.NewWriter(t.conn)

	for {
		select {
		case <-t.done:
			return

		case message := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				t.logger.Debug().Err(err).Msg("Failed to write message")
				t.Close(CloseInternalError, "write failure")
				return
			}

			// Batch whatever else is already queued before flushing.
			n := len(t.send)
			for i := 0; i < n; i++ {
				message = <-t.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					t.logger.Debug().Err(err).Msg("Failed to write message")
					t.Close(CloseInternalError, "write failure")
					return
				}
			}

			if err := writer.Flush(); err != nil {
				t.logger.Debug().Err(err).Msg("Failed to flush writer")
				t.Close(CloseInternalError, "write failure")
				return
			}
		}
	}
}
