package relayserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Layr-Labs/walletlink-go/pkg/types"
)

// handleRPC upgrades /rpc and serves one host socket until it closes
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Sugar().Warnw("Failed to upgrade relay socket", "error", err)
		return
	}
	h := &hostConn{conn: conn}
	defer s.dropHost(h)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == types.HeartbeatFrame {
			s.mu.Lock()
			drop := s.dropHeartbeats
			s.mu.Unlock()
			if !drop {
				_ = h.writeText(types.HeartbeatFrame)
			}
			continue
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Sugar().Debugw("Ignoring malformed client frame", "error", err)
			continue
		}

		reply := s.handleClientMessage(h, &msg)
		if reply != nil {
			if err := h.writeJSON(reply); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleClientMessage(h *hostConn, msg *types.ClientMessage) *types.ServerMessage {
	fail := func(reason string) *types.ServerMessage {
		return &types.ServerMessage{Type: types.ServerFail, ID: msg.ID, SessionID: msg.SessionID, Error: reason}
	}

	if msg.Type == types.ClientHostSession {
		return s.handleHostSession(h, msg, fail)
	}

	s.mu.Lock()
	if h.sessionID == "" || h.sessionID != msg.SessionID {
		s.mu.Unlock()
		return fail("not authenticated")
	}
	st := s.sessionLocked(msg.SessionID)

	switch msg.Type {
	case types.ClientIsLinked:
		reply := &types.ServerMessage{
			Type:         types.ServerIsLinkedOK,
			ID:           msg.ID,
			SessionID:    msg.SessionID,
			Linked:       st.linked,
			OnlineGuests: st.onlineGuests,
		}
		s.mu.Unlock()
		return reply

	case types.ClientGetSessionConfig:
		reply := &types.ServerMessage{
			Type:      types.ServerGetSessionConfigOK,
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Metadata:  copyMetadata(st.metadata),
		}
		s.mu.Unlock()
		return reply

	case types.ClientSetSessionConfig:
		for k, v := range msg.Metadata {
			st.metadata[k] = v
		}
		s.mu.Unlock()
		return &types.ServerMessage{Type: types.ServerOK, ID: msg.ID, SessionID: msg.SessionID}

	case types.ClientPublishEvent:
		e := s.storeEventLocked(st, msg.Event, msg.Data, true)
		published := e.UnseenEvent
		handler := s.onPublish
		s.mu.Unlock()
		if handler != nil {
			go handler(msg.SessionID, published)
		}
		return &types.ServerMessage{Type: types.ServerPublishEventOK, ID: msg.ID, SessionID: msg.SessionID, EventID: published.ID}

	default:
		s.mu.Unlock()
		return fail("unsupported message type " + string(msg.Type))
	}
}

func (s *Server) handleHostSession(h *hostConn, msg *types.ClientMessage, fail func(string) *types.ServerMessage) *types.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextHost {
		s.failNextHost = false
		return fail("session rejected")
	}
	if msg.SessionID == "" || msg.SessionKey == "" {
		return fail("sessionId and sessionKey are required")
	}
	st := s.sessionLocked(msg.SessionID)
	if st.key == "" {
		st.key = msg.SessionKey
	} else if st.key != msg.SessionKey {
		return fail("invalid session key")
	}
	h.sessionID = msg.SessionID
	st.hosts[h] = struct{}{}

	s.logger.Sugar().Debugw("Host joined session", "session_id", msg.SessionID, "hosts", len(st.hosts))
	return &types.ServerMessage{Type: types.ServerOK, ID: msg.ID, SessionID: msg.SessionID}
}

func (s *Server) dropHost(h *hostConn) {
	_ = h.conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[h.sessionID]; ok {
		delete(st.hosts, h)
	}
}

// authenticate checks Basic auth against the session key
func (s *Server) authenticate(r *http.Request) (*sessionState, bool) {
	id, key, ok := r.BasicAuth()
	if !ok {
		return nil, false
	}
	st, exists := s.sessions[id]
	if !exists || st.key == "" || st.key != key {
		return nil, false
	}
	return st, true
}

// handleGetEvents handles GET /events?unseen=true
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st, ok := s.authenticate(r)
	if !ok {
		s.mu.Unlock()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	unseenOnly := r.URL.Query().Get("unseen") == "true"
	resp := types.UnseenEventsResponse{
		Events:    []types.UnseenEvent{},
		Timestamp: time.Now().Unix(),
	}
	for _, e := range st.events {
		if e.fromHost || (unseenOnly && e.seen) {
			continue
		}
		resp.Events = append(resp.Events, e.UnseenEvent)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Sugar().Warnw("Failed to encode events response", "error", err)
	}
}

// handleMarkSeen handles POST /events/{id}/seen
func (s *Server) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st, ok := s.authenticate(r)
	if !ok {
		s.mu.Unlock()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")
	found := false
	for _, e := range st.events {
		if e.ID == id {
			e.seen = true
			found = true
		}
	}
	s.mu.Unlock()

	if !found {
		http.Error(w, "Event not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{}"))
}
