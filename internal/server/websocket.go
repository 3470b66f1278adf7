package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
	wsReadDeadline  = 90 * time.Second
	maxClientFrames = 512
)

// handleIncidentWS streams an incident's transition feed over a
// WebSocket. The client receives every retained transition first (so a
// late subscriber sees the full run), then live ones in order.
func (s *Server) handleIncidentWS(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.loadIncident(w, r)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Info("websocket subscriber connected", zap.String("incident_id", inc.ID))

	// Subscribe before replaying so nothing published in between is lost;
	// duplicates across the seam are filtered by sequence number.
	feed, cancel := s.hub.Subscribe(inc.ID)
	defer cancel()

	var lastSeq uint64
	for _, t := range s.hub.Replay(inc.ID, 0) {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(t); err != nil {
			return
		}
		lastSeq = t.Seq
	}

	// Drain client frames so pong handling and close detection work; the
	// feed is one-way otherwise.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(maxClientFrames)
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case t, ok := <-feed:
			if !ok {
				// Dropped by the hub (slow consumer or incident released).
				return
			}
			if t.Seq <= lastSeq {
				continue
			}
			lastSeq = t.Seq
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(t); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

// checkOrigin enforces the configured WebSocket origin allow-list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients carry no Origin header.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
