package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parcelview/gateway/internal/config"
	"github.com/parcelview/gateway/internal/domain"
	"github.com/parcelview/gateway/internal/messaging"
	"github.com/parcelview/gateway/internal/registry"
	"github.com/rs/zerolog"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	code   int
	reason string
}

func (f *fakeTransport) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTransport) Ping() error { return nil }

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, p := range f.sent {
		var env messaging.Envelope
		if json.Unmarshal(p, &env) == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

type fakeSink struct {
	mu      sync.Mutex
	records map[string]int
}

func (f *fakeSink) Publish(kind string, record any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]int)
	}
	f.records[kind]++
}

func (f *fakeSink) Close() {}

func (f *fakeSink) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[kind]
}

type fakeServices struct {
	mu       sync.Mutex
	executed []string
	synced   []string
}

func (f *fakeServices) ExecuteTool(sessionID, requestID string, params []byte, done func(domain.ToolResult)) {
	f.mu.Lock()
	f.executed = append(f.executed, requestID)
	f.mu.Unlock()
	done(domain.ToolResult{RequestID: requestID, Status: "completed"})
}

func (f *fakeServices) SyncMemory(sessionID string, state []byte) {
	f.mu.Lock()
	f.synced = append(f.synced, sessionID)
	f.mu.Unlock()
}

var gwTime = time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeSink, *fakeServices) {
	t.Helper()
	cfg := &config.Config{
		Addr:         ":0",
		MessageRate:  50,
		MessageBurst: 100,
	}
	if mutate != nil {
		mutate(cfg)
	}
	sink := &fakeSink{}
	services := &fakeServices{}
	return New(cfg, zerolog.Nop(), sink, services, nil), sink, services
}

func addOpenConn(t *testing.T, s *Server, id, origin, userID string) *fakeTransport {
	t.Helper()
	tr := &fakeTransport{}
	c := registry.NewConn(id, origin, userID, registry.TierMain, messaging.PriorityMedium, tr, gwTime)
	if err := c.Transition(registry.StateOpen); err != nil {
		t.Fatal(err)
	}
	if err := s.reg.Add(c); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestHandleWebSocket_AdmissionDenied(t *testing.T) {
	s, _, _ := newTestServer(t, func(c *config.Config) { c.MaxPerUser = 1 })
	addOpenConn(t, s, "existing", "203.0.113.5", "alice")

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()

	s.handleWebSocket(w, r)

	if w.Code != 503 {
		t.Fatalf("status = %d; want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "user_cap") {
		t.Errorf("body %q does not carry the denial reason", w.Body.String())
	}
}

func TestHandleWebSocket_RateLimitedGets429WithRetryAfter(t *testing.T) {
	s, _, _ := newTestServer(t, func(c *config.Config) {
		c.AdmissionsPerWindow = 1
		c.AdmissionWindow = time.Minute
	})

	// First attempt consumes the window (the upgrade itself fails on a plain
	// HTTP request; admission has already been recorded).
	r := httptest.NewRequest("GET", "/ws", nil)
	s.handleWebSocket(httptest.NewRecorder(), r)

	w := httptest.NewRecorder()
	s.handleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))

	if w.Code != 429 {
		t.Fatalf("status = %d; want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("rate-limited denial must carry a Retry-After header")
	}
}

func TestHandleWebSocket_RejectsWhileDraining(t *testing.T) {
	s, _, _ := newTestServer(t, func(c *config.Config) { c.ShutdownGrace = time.Millisecond })
	s.sup.Shutdown(context.Background())

	w := httptest.NewRecorder()
	s.handleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))

	if w.Code != 503 {
		t.Fatalf("status = %d; want 503 during drain", w.Code)
	}
}

func TestDispatch_CloseEventPurgesQueueAndSubscriptions(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	tr := addOpenConn(t, s, "c1", "203.0.113.5", "")

	// Queue 3 low-priority messages, then close. They must never execute.
	for i := 0; i < 3; i++ {
		env := &messaging.Envelope{Type: messaging.TypeToolStatus, Priority: "low", RequestID: "r"}
		if err := s.hub.Dispatch("c1", env, gwTime); err != nil {
			t.Fatal(err)
		}
	}
	s.hub.Subscribe("c1", "integrations")

	s.Dispatch(s.reg.Get("c1"), Event{Kind: EventClose, Code: CloseGoingAway}, gwTime)

	if s.reg.Get("c1") != nil {
		t.Fatal("closed connection must leave the registry")
	}
	if !tr.closed {
		t.Fatal("transport must be closed")
	}
	if s.hub.PendingTotal() != 0 {
		t.Fatal("queued messages must be purged on close")
	}
	if len(s.hub.Subscribers("integrations")) != 0 {
		t.Fatal("subscriptions must be cleaned up on close")
	}
}

func TestDispatch_ErrorThresholdDropsConnection(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	tr := addOpenConn(t, s, "c1", "203.0.113.5", "")
	c := s.reg.Get("c1")

	for i := 0; i < maxConnErrors; i++ {
		s.Dispatch(c, Event{Kind: EventError, Err: ErrSendBufferFull}, gwTime)
	}

	if s.reg.Get("c1") != nil {
		t.Fatal("connection past the error threshold must be dropped")
	}
	if tr.code != ClosePolicyViolation {
		t.Errorf("close code = %d; want %d", tr.code, ClosePolicyViolation)
	}
	if c.State() != registry.StateClosed {
		t.Errorf("state = %s; want closed", c.State())
	}
}

func TestDispatch_TransientErrorKeepsConnection(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	addOpenConn(t, s, "c1", "203.0.113.5", "")
	c := s.reg.Get("c1")

	s.Dispatch(c, Event{Kind: EventError, Err: ErrSendBufferFull}, gwTime)

	if s.reg.Get("c1") == nil {
		t.Fatal("a single transient error must not drop the connection")
	}
	if c.ErrorCount() != 1 {
		t.Errorf("ErrorCount = %d; want 1", c.ErrorCount())
	}
}

func TestHandleEnvelope_PingGetsPong(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	tr := addOpenConn(t, s, "c1", "203.0.113.5", "")

	env := &messaging.Envelope{Type: messaging.TypePing}
	s.Dispatch(s.reg.Get("c1"), Event{Kind: EventMessage, Env: env}, gwTime)

	types := tr.sentTypes()
	if len(types) != 1 || types[0] != messaging.TypePong {
		t.Fatalf("sent = %v; want [pong]", types)
	}
}

func TestHandleEnvelope_PongSettlesHeartbeat(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	addOpenConn(t, s, "c1", "203.0.113.5", "")
	c := s.reg.Get("c1")
	c.MarkPingSent(gwTime)

	env := &messaging.Envelope{Type: messaging.TypePong}
	s.Dispatch(c, Event{Kind: EventMessage, Env: env}, gwTime.Add(30*time.Millisecond))

	if got := c.LastRoundTrip(); got != 30*time.Millisecond {
		t.Fatalf("LastRoundTrip = %v; want 30ms", got)
	}
}

func TestHandleEnvelope_SubscribeRoutesAndAcks(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	tr := addOpenConn(t, s, "c1", "203.0.113.5", "")

	data, _ := json.Marshal(map[string][]string{"topics": {"sites.1", "sites.2"}})
	env := &messaging.Envelope{Type: messaging.TypeSubscribe, Data: data}
	s.Dispatch(s.reg.Get("c1"), Event{Kind: EventMessage, Env: env}, gwTime)

	if len(s.hub.Subscribers("sites.1")) != 1 || len(s.hub.Subscribers("sites.2")) != 1 {
		t.Fatal("subscribe must register the connection on every topic")
	}
	types := tr.sentTypes()
	if len(types) != 1 || types[0] != "subscription_ack" {
		t.Fatalf("sent = %v; want [subscription_ack]", types)
	}
}

func TestExecute_ToolStatusRunsServiceAndStoresResult(t *testing.T) {
	s, sink, services := newTestServer(t, nil)
	tr := addOpenConn(t, s, "c1", "203.0.113.5", "")

	env := &messaging.Envelope{
		Type:      messaging.TypeToolStatus,
		SessionID: "sess-1",
		RequestID: "req-7",
		Priority:  "high",
	}
	s.Dispatch(s.reg.Get("c1"), Event{Kind: EventMessage, Env: env}, gwTime)

	services.mu.Lock()
	executed := append([]string(nil), services.executed...)
	services.mu.Unlock()
	if len(executed) != 1 || executed[0] != "req-7" {
		t.Fatalf("executed = %v; want [req-7]", executed)
	}
	if sink.count("tool_results") != 1 {
		t.Error("tool result must be persisted fire-and-forget")
	}

	types := tr.sentTypes()
	if len(types) != 1 || types[0] != "tool_result" {
		t.Fatalf("sent = %v; want [tool_result]", types)
	}
}

func TestExecute_ChatTypingBroadcastsMinusSender(t *testing.T) {
	s, sink, _ := newTestServer(t, nil)
	sender := addOpenConn(t, s, "sender", "203.0.113.5", "")
	peer := addOpenConn(t, s, "peer", "203.0.113.6", "")
	s.hub.Subscribe("sender", "chat.sess-1")
	s.hub.Subscribe("peer", "chat.sess-1")

	env := &messaging.Envelope{
		Type:      messaging.TypeChatTyping,
		SessionID: "sess-1",
		Priority:  "high",
	}
	s.Dispatch(s.reg.Get("sender"), Event{Kind: EventMessage, Env: env}, gwTime)

	if len(peer.sentTypes()) != 1 {
		t.Error("peer subscriber must receive the typing event")
	}
	if len(sender.sentTypes()) != 0 {
		t.Error("sender must not receive its own typing event")
	}
	if sink.count("chat_events") != 1 {
		t.Error("chat event must be persisted fire-and-forget")
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	addOpenConn(t, s, "c1", "203.0.113.5", "")

	w := httptest.NewRecorder()
	s.handleHealthz(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	var resp struct {
		Status string `json:"status"`
		Stats  struct {
			Connections int `json:"connections"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q; want healthy", resp.Status)
	}
	if resp.Stats.Connections != 1 {
		t.Errorf("connections = %d; want 1", resp.Stats.Connections)
	}
}

func TestEvictHandler_LoadShedClosesWithTryAgainLater(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	tr := addOpenConn(t, s, "c1", "203.0.113.5", "")

	s.reg.EvictLowestPriority(1, "load_shed")

	if !tr.closed || tr.code != CloseTryAgainLater {
		t.Fatalf("close = (%v, %d); want (true, %d)", tr.closed, tr.code, CloseTryAgainLater)
	}
	if s.reg.Len() != 0 {
		t.Fatal("shed connection must leave the registry")
	}
}
