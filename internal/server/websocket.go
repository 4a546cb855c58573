package server

import (
	"net/http"

	"github.com/zeusync/zeuscollab/internal/core/observability/log"
)

// handleWebSocket upgrades the request and registers the channel. The
// registry owns the connection from then on.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ch, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		return
	}

	id, err := s.registry.Accept(ch)
	if err != nil {
		s.logger.Warn("Rejected websocket connection", log.Error(err))
		return
	}
	s.logger.Info("Client connected",
		log.String("connection_id", id.String()),
		log.String("transport", "websocket"),
		log.String("remote_addr", r.RemoteAddr))
}
