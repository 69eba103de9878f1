package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slidewise/conveyor/internal/apperr"
	"github.com/slidewise/conveyor/internal/log"
	"github.com/slidewise/conveyor/internal/progress"
)

const (
	// DefaultHeartbeat is the server ping interval keeping intermediaries
	// from idling the connection out.
	DefaultHeartbeat = 30 * time.Second

	// writeWait bounds a single frame write. A subscriber that cannot
	// drain within this window is dropped.
	writeWait = 10 * time.Second

	// maxInboundBytes caps client frames; inbound traffic is only small
	// control messages.
	maxInboundBytes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients authenticate with the X-User-ID header, which browsers
	// cannot set cross-origin, so the Origin check adds nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

var errSessionClosed = errors.New("websocket session closed")

// ProgressSocket upgrades the connection and subscribes it to the
// tenant's progress stream. The subscription lives until the client
// disconnects or a send fails.
// GET /ws/progress
func (h *Handler) ProgressSocket(w http.ResponseWriter, r *http.Request) {
	tenant := TenantID(r)
	if tenant == "" {
		writeError(w, apperr.Unauthenticatedf("%s header is required", HeaderTenantID))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		log.Warn(log.CatWS, "websocket upgrade failed",
			"tenant_id", tenant,
			"error", err.Error())
		return
	}

	session := &wsSession{conn: conn, tenantID: tenant, hub: h.hub}
	h.hub.Subscribe(tenant, session)
	log.Info(log.CatWS, "progress subscriber connected", "tenant_id", tenant)

	done := make(chan struct{})
	go session.pingLoop(h.heartbeat, done)
	session.readLoop(done)

	h.hub.Unsubscribe(tenant, session)
	session.close()
	log.Info(log.CatWS, "progress subscriber disconnected", "tenant_id", tenant)
}

// wsSession adapts one WebSocket connection to progress.Subscriber.
// The hub's broadcast goroutines and the ping loop both write, so writes
// serialize through mu.
type wsSession struct {
	conn     *websocket.Conn
	tenantID string
	hub      *progress.Hub

	mu     sync.Mutex
	closed bool
}

// Send marshals the envelope and writes it with a deadline. Any error
// makes the hub drop this subscriber.
func (s *wsSession) Send(env progress.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling %s envelope: %w", env.EnvelopeType(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing %s envelope: %w", env.EnvelopeType(), err)
	}
	return nil
}

// readLoop forwards client frames to the hub until the connection dies.
func (s *wsSession) readLoop(done chan<- struct{}) {
	defer close(done)

	s.conn.SetReadLimit(maxInboundBytes)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug(log.CatWS, "websocket read ended",
					"tenant_id", s.tenantID,
					"error", err.Error())
			}
			return
		}
		s.hub.HandleInbound(s.tenantID, s, raw)
	}
}

// pingLoop sends protocol-level pings on the heartbeat interval.
func (s *wsSession) pingLoop(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *wsSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}
