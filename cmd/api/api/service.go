package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openloupe/screencapd/lib/catalog"
	"github.com/openloupe/screencapd/lib/events"
	"github.com/openloupe/screencapd/lib/logger"
	"github.com/openloupe/screencapd/lib/recording"
)

// ApiService exposes the recording coordinator and the catalog over HTTP.
type ApiService struct {
	coordinator *recording.Coordinator
	catalog     *catalog.Catalog
	broadcaster *events.Broadcaster
}

func New(coordinator *recording.Coordinator, cat *catalog.Catalog, broadcaster *events.Broadcaster) *ApiService {
	return &ApiService{
		coordinator: coordinator,
		catalog:     cat,
		broadcaster: broadcaster,
	}
}

// Shutdown closes the event listeners; the coordinator is stopped by its own
// context.
func (s *ApiService) Shutdown(ctx context.Context) error {
	s.broadcaster.Shutdown()
	return nil
}

type errorResponse struct {
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps lifecycle sentinels to HTTP statuses; anything
// unrecognized is a 500.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recording.ErrAlreadyRecording),
		errors.Is(err, recording.ErrNotRecording),
		errors.Is(err, recording.ErrStopInProgress),
		errors.Is(err, recording.ErrResetRequired),
		errors.Is(err, recording.ErrStartCancelled):
		status = http.StatusConflict
	case errors.Is(err, recording.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, recording.ErrEncoderMissing):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	respondJSON(w, status, errorResponse{Message: err.Error()})
}
