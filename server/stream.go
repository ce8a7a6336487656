package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rthomas/spiceai/status"
)

const (
	writeWait    = 10 * time.Second
	streamBuffer = 64
)

// handleStatusStream sends the current statuses, then every later transition,
// as one JSON text message per entry.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	if !s.trackStream() {
		s.writeJSONError(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.streams.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Debug("Status stream upgrade failed", "error", err)
		return
	}

	// subscribe before the snapshot so no transition falls between them
	entries, unsubscribe := s.status.Subscribe(streamBuffer)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-closed
	}()

	s.logger.Debug("Status stream opened", "remote", r.RemoteAddr)

	for _, e := range s.status.All() {
		if err := s.sendEntry(conn, e); err != nil {
			return
		}
	}

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.streamCtx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			s.logger.Debug("Status stream closed by client", "remote", r.RemoteAddr)
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if err := s.sendEntry(conn, e); err != nil {
				s.logger.Debug("Status stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// sendEntry is only called from the stream's own goroutine; gorilla/websocket
// allows one concurrent writer.
func (s *Server) sendEntry(conn *websocket.Conn, e status.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
