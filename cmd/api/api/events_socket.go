package api

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/openloupe/screencapd/lib/logger"
)

// HandleEventsSocket streams recording lifecycle events to a websocket
// listener.
// (GET /events)
func (s *ApiService) HandleEventsSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to accept events websocket", "err", err)
		return
	}
	defer s.broadcaster.Detach(conn)

	s.broadcaster.Attach(conn)

	// consume client frames until disconnect; the broadcaster does the writing
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// Routes mounts every endpoint on the router.
func (s *ApiService) Routes(r chiRouter) {
	r.Post("/recording/start", s.HandleStartRecording)
	r.Post("/recording/stop", s.HandleStopRecording)
	r.Post("/recording/reset", s.HandleResetRecording)
	r.Get("/recording/status", s.HandleRecordingStatus)

	r.Get("/recordings", s.HandleListRecordings)
	r.Get("/recordings/{id}", s.HandleGetRecording)
	r.Get("/recordings/{id}/download", s.HandleDownloadRecording)
	r.Get("/recordings/{id}/thumbnail", s.HandleRecordingThumbnail)
	r.Delete("/recordings/{id}", s.HandleDeleteRecording)

	r.Get("/events", s.HandleEventsSocket)
}

// chiRouter is the router surface Routes needs.
type chiRouter interface {
	Get(pattern string, h http.HandlerFunc)
	Post(pattern string, h http.HandlerFunc)
	Delete(pattern string, h http.HandlerFunc)
}
