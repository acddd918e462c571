package gateway

import (
	"errors"
	"fmt"
	"time"
)

// WebSocket close codes sent with the reason string on teardown.
const (
	CloseGoingAway       = 1001 // shutdown, eviction
	CloseProtocolError   = 1002 // malformed envelope
	ClosePolicyViolation = 1008 // error threshold exceeded
	CloseTooLarge        = 1009 // frame over the payload bound
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013 // load shed
)

// ErrSendBufferFull is the SendFailure surfaced when a client stops reading
// and its outbound buffer fills. The connection is treated as broken.
var ErrSendBufferFull = errors.New("gateway: send buffer full")

// AdmissionDeniedError is returned to upgrade handling when the admission
// controller refuses a connection. Non-fatal: the client may retry after
// RetryAfter where the denial is time-based.
type AdmissionDeniedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *AdmissionDeniedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("admission denied: %s (retry after %s)", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// ProtocolViolationError wraps a malformed-envelope failure. Fatal to the
// connection, never to the process.
type ProtocolViolationError struct {
	Err error
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %v", e.Err)
}

func (e *ProtocolViolationError) Unwrap() error { return e.Err }
