package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventsBuffer     = 64
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = eventsPongWait * 9 / 10
)

// checkOrigin allows non-browser clients and any origin when no
// allow-list is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.origins {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("events stream origin rejected", "origin", origin)
	return false
}

// handleEvents streams the operational event bus as JSON text frames
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe(eventsBuffer)
	defer s.events.Unsubscribe(sub)

	s.logger.Info("events subscriber connected", "remote", r.RemoteAddr)
	defer s.logger.Info("events subscriber disconnected", "remote", r.RemoteAddr)

	// The read side only handles control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("events write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		}
	}
}
