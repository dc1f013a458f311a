package relayserver

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Layr-Labs/walletlink-go/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

/*
Server is an in-memory relay speaking the WalletLink protocol. It is used by
the transport and relay tests and by the relay-server command for local
development.

Websocket endpoint:
  /rpc
    - "h" frames are echoed back unless heartbeats are being dropped
    - HostSession{id, sessionId, sessionKey}: the first host fixes the key for
      the session; later hosts must present the same key -> OK | Fail
    - IsLinked{id, sessionId} -> IsLinkedOK{linked, onlineGuests}
    - GetSessionConfig{id, sessionId} -> GetSessionConfigOK{metadata}
    - SetSessionConfig{id, sessionId, metadata} -> OK
    - PublishEvent{id, sessionId, event, data, callWebhook} -> PublishEventOK{eventId}

HTTP endpoints (Basic auth sessionId:sessionKey):
  GET  /events?unseen=true       -> {events: [{id, event, data}], timestamp}
  POST /events/{id}/seen         -> {}

The wallet side of a session is simulated with JoinGuest, PushMetadata,
PushEvent and StoreUnseenEvent. Events published by hosts are handed to the
publish handler so tests can answer them.
*/

// PublishHandler observes events published by a host.
type PublishHandler func(sessionID string, event types.UnseenEvent)

// Config configures the development relay
type Config struct {
	Port   int
	Logger *zap.Logger
}

// Server handles websocket and HTTP requests for the relay
type Server struct {
	logger     *zap.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu             sync.Mutex
	sessions       map[string]*sessionState
	nextEventID    uint64
	failNextHost   bool
	dropHeartbeats bool
	onPublish      PublishHandler
}

type storedEvent struct {
	types.UnseenEvent
	fromHost bool
	seen     bool
}

type sessionState struct {
	key          string
	metadata     map[string]string
	events       []*storedEvent
	hosts        map[*hostConn]struct{}
	onlineGuests int
	linked       bool
}

type hostConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
}

// NewServer creates a new relay server
func NewServer(cfg *Config) *Server {
	l := zap.NewNop()
	port := 0
	if cfg != nil {
		if cfg.Logger != nil {
			l = cfg.Logger
		}
		port = cfg.Port
	}

	s := &Server{
		logger:   l,
		sessions: make(map[string]*sessionState),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()

	// Relay socket
	mux.HandleFunc("/rpc", s.handleRPC)

	// Unseen event fallback
	mux.HandleFunc("GET /events", s.handleGetEvents)
	mux.HandleFunc("POST /events/{id}/seen", s.handleMarkSeen)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("Starting relay server", "port", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Sugar().Errorw("Relay server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the HTTP server and closes every host socket
func (s *Server) Stop() error {
	s.mu.Lock()
	var hosts []*hostConn
	for _, st := range s.sessions {
		for h := range st.hosts {
			hosts = append(hosts, h)
		}
	}
	s.mu.Unlock()
	for _, h := range hosts {
		_ = h.conn.Close()
	}
	return s.httpServer.Close()
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}

// SetPublishHandler registers fn to observe host-published events.
func (s *Server) SetPublishHandler(fn PublishHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPublish = fn
}

// FailNextHostSession makes the next HostSession reply Fail.
func (s *Server) FailNextHostSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextHost = true
}

// DropHeartbeats stops (or resumes) echoing heartbeat frames.
func (s *Server) DropHeartbeats(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropHeartbeats = drop
}

// JoinGuest simulates a wallet joining the session and notifies hosts.
func (s *Server) JoinGuest(sessionID string) {
	s.mu.Lock()
	st := s.sessionLocked(sessionID)
	st.onlineGuests++
	st.linked = true
	msg := &types.ServerMessage{
		Type:         types.ServerLinked,
		SessionID:    sessionID,
		Linked:       true,
		OnlineGuests: st.onlineGuests,
	}
	hosts := st.hostList()
	s.mu.Unlock()

	s.broadcast(hosts, msg)
}

// PushMetadata merges metadata into the session config and notifies hosts.
func (s *Server) PushMetadata(sessionID string, metadata map[string]string) {
	s.mu.Lock()
	st := s.sessionLocked(sessionID)
	for k, v := range metadata {
		st.metadata[k] = v
	}
	msg := &types.ServerMessage{
		Type:      types.ServerSessionConfigUpdated,
		SessionID: sessionID,
		Metadata:  copyMetadata(metadata),
	}
	hosts := st.hostList()
	s.mu.Unlock()

	s.broadcast(hosts, msg)
}

// PushEvent stores a wallet event and delivers it to connected hosts.
func (s *Server) PushEvent(sessionID, event, data string) string {
	s.mu.Lock()
	st := s.sessionLocked(sessionID)
	e := s.storeEventLocked(st, event, data, false)
	msg := &types.ServerMessage{
		Type:      types.ServerEvent,
		SessionID: sessionID,
		EventID:   e.ID,
		Event:     e.Event,
		Data:      e.Data,
	}
	hosts := st.hostList()
	s.mu.Unlock()

	s.broadcast(hosts, msg)
	return e.ID
}

// StoreUnseenEvent stores a wallet event without delivering it, as if the
// host was offline when the wallet published it.
func (s *Server) StoreUnseenEvent(sessionID, event, data string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeEventLocked(s.sessionLocked(sessionID), event, data, false).ID
}

// DisconnectHosts drops every host socket of the session.
func (s *Server) DisconnectHosts(sessionID string) {
	s.mu.Lock()
	var hosts []*hostConn
	if st, ok := s.sessions[sessionID]; ok {
		hosts = st.hostList()
	}
	s.mu.Unlock()
	for _, h := range hosts {
		_ = h.conn.Close()
	}
}

// HostCount returns the number of authenticated host sockets.
func (s *Server) HostCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return len(st.hosts)
	}
	return 0
}

// Metadata returns a copy of the session config.
func (s *Server) Metadata(sessionID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return copyMetadata(st.metadata)
	}
	return nil
}

// PublishedEvents returns events published by hosts, in order.
func (s *Server) PublishedEvents(sessionID string) []types.UnseenEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	var out []types.UnseenEvent
	for _, e := range st.events {
		if e.fromHost {
			out = append(out, e.UnseenEvent)
		}
	}
	return out
}

// UnseenCount returns how many wallet events have not been marked seen.
func (s *Server) UnseenCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range st.events {
		if !e.fromHost && !e.seen {
			n++
		}
	}
	return n
}

func (s *Server) sessionLocked(sessionID string) *sessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{
			metadata: make(map[string]string),
			hosts:    make(map[*hostConn]struct{}),
		}
		s.sessions[sessionID] = st
	}
	return st
}

func (s *Server) storeEventLocked(st *sessionState, event, data string, fromHost bool) *storedEvent {
	s.nextEventID++
	e := &storedEvent{
		UnseenEvent: types.UnseenEvent{
			ID:    fmt.Sprintf("evt-%d", s.nextEventID),
			Event: event,
			Data:  data,
		},
		fromHost: fromHost,
	}
	st.events = append(st.events, e)
	return e
}

func (st *sessionState) hostList() []*hostConn {
	out := make([]*hostConn, 0, len(st.hosts))
	for h := range st.hosts {
		out = append(out, h)
	}
	return out
}

func (s *Server) broadcast(hosts []*hostConn, msg *types.ServerMessage) {
	for _, h := range hosts {
		if err := h.writeJSON(msg); err != nil {
			s.logger.Sugar().Debugw("Failed to deliver to host", "session_id", h.sessionID, "error", err)
		}
	}
}

func (h *hostConn) writeJSON(v any) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return h.conn.WriteJSON(v)
}

func (h *hostConn) writeText(data string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return h.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
