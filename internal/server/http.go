package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/ot"
	"github.com/zeusync/zeuscollab/internal/core/protocol"
	"github.com/zeusync/zeuscollab/internal/core/protocol/payload"
	"github.com/zeusync/zeuscollab/internal/core/rooms"
)

type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Documents   int    `json:"documents"`
	Dropped     uint64 `json:"droppedMessages"`
}

type RoomResponse struct {
	ID        protocol.RoomID         `json:"id"`
	Members   []protocol.ConnectionID `json:"members"`
	CreatedAt int64                   `json:"createdAt"`
	Version   uint64                  `json:"version"`
	Length    int                     `json:"length"`
	Users     int                     `json:"users"`
}

// Handler returns the HTTP routes: the websocket endpoint, health, metrics
// and a read-only room listing.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(s.config.WSPath, s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}", s.handleRoom).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.closed.Load() {
		status = "closed"
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:      status,
		Connections: s.registry.Len(),
		Rooms:       s.rooms.RoomCount(),
		Documents:   s.docs.Len(),
		Dropped:     s.registry.DroppedMessages(),
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	infos := s.rooms.Rooms()
	out := make([]RoomResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.roomResponse(info))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	id := protocol.RoomID(mux.Vars(r)["room"])
	info, ok := s.rooms.Room(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, payload.Error{Code: payload.CodeNotFound, Message: rooms.ErrRoomNotFound.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.roomResponse(info))
}

func (s *Server) roomResponse(info rooms.Info) RoomResponse {
	resp := RoomResponse{
		ID:        info.ID,
		Members:   info.Members,
		CreatedAt: info.CreatedAt.UnixMilli(),
	}
	if doc, ok := s.docs.Get(info.ID); ok {
		st := doc.State()
		resp.Version = st.Version
		resp.Length = ot.TextLen(st.Content)
		resp.Users = len(st.Cursors)
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Writing response failed", log.Error(err))
	}
}
