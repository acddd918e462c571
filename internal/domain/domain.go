// Package domain holds the contracts the gateway consumes from the rest of
// the system: origin classification for incoming requests and the
// asynchronous domain services (tool execution, memory sync).
package domain

import (
	"net"
	"net/http"
	"strings"

	"github.com/parcelview/gateway/internal/admission"
	"github.com/parcelview/gateway/internal/registry"
)

// Identity is what the classifier derives from a connection request.
type Identity struct {
	Origin  string // client IP, the admission and breaker key
	UserID  string // empty for anonymous connections
	Tier    registry.Tier
	Trusted bool
}

// OriginClassifier maps connection request metadata to an identity. The
// default implementation reads proxy headers and query parameters; deployments
// with an auth layer substitute their own.
type OriginClassifier interface {
	Classify(r *http.Request) Identity
}

// HeaderClassifier derives identity from standard headers:
//
//	origin:  first X-Forwarded-For hop, else RemoteAddr host
//	user:    X-User-ID header, else "userId" query parameter
//	tier:    "tier" query parameter (main|floating|admin), default main
//	trusted: private/loopback origin
type HeaderClassifier struct{}

// Classify implements OriginClassifier.
func (HeaderClassifier) Classify(r *http.Request) Identity {
	origin := clientIP(r)

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}

	tier := registry.TierMain
	switch r.URL.Query().Get("tier") {
	case string(registry.TierFloating):
		tier = registry.TierFloating
	case string(registry.TierAdmin):
		tier = registry.TierAdmin
	}

	return Identity{
		Origin:  origin,
		UserID:  userID,
		Tier:    tier,
		Trusted: admission.PrivateNetwork(origin),
	}
}

// clientIP extracts the client IP from the request. Checks X-Forwarded-For
// first (for load balancers/proxies), then falls back to RemoteAddr.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// First IP in the chain is the client.
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ToolResult is the continuation payload from an asynchronous tool run.
type ToolResult struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"` // running | completed | failed
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Services are the domain calls a message handler may trigger. Both are
// asynchronous by contract: they must return immediately and deliver their
// outcome through the continuation. A blocking implementation stalls every
// connection on the loop and is a correctness bug.
type Services interface {
	// ExecuteTool starts a tool run for the session. done is invoked from
	// the service's own goroutine when the run settles.
	ExecuteTool(sessionID, requestID string, params []byte, done func(ToolResult))

	// SyncMemory propagates session state across instances. Fire-and-forget.
	SyncMemory(sessionID string, state []byte)
}

// NopServices accepts every call and immediately reports completion. The
// default when no domain backend is wired.
type NopServices struct{}

func (NopServices) ExecuteTool(sessionID, requestID string, params []byte, done func(ToolResult)) {
	go done(ToolResult{RequestID: requestID, Status: "completed"})
}

func (NopServices) SyncMemory(string, []byte) {}
