package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/openloupe/screencapd/lib/encoder"
	"github.com/openloupe/screencapd/lib/permission"
	"github.com/openloupe/screencapd/lib/recording"
)

type startRecordingRequest struct {
	Mode            string  `json:"mode,omitempty"`
	ResolutionScale float64 `json:"resolution_scale,omitempty"`
	Framerate       int     `json:"framerate,omitempty"`
	Audio           string  `json:"audio,omitempty"`
}

type statusResponse struct {
	State          string     `json:"state"`
	IsRecording    bool       `json:"is_recording"`
	IsStarting     bool       `json:"is_starting"`
	IsStopping     bool       `json:"is_stopping"`
	FrameCount     int64      `json:"frame_count"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	Width          int        `json:"width,omitempty"`
	Height         int        `json:"height,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	Error          *string    `json:"error,omitempty"`
	Recoverable    *bool      `json:"recoverable,omitempty"`
}

type recordingResponse struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	FrameCount      int64     `json:"frame_count"`
	SizeBytes       int64     `json:"size_bytes"`
	HasThumbnail    bool      `json:"has_thumbnail"`
	Missing         bool      `json:"missing,omitempty"`
}

func statusFromCoordinator(status recording.Status) statusResponse {
	resp := statusResponse{
		State:          status.State,
		IsRecording:    status.IsRecording,
		IsStarting:     status.IsStarting,
		IsStopping:     status.IsStopping,
		FrameCount:     status.FrameCount,
		ElapsedSeconds: status.ElapsedSeconds,
		Width:          status.Width,
		Height:         status.Height,
		StartedAt:      status.StartedAt,
	}
	if status.Error != "" {
		resp.Error = lo.ToPtr(status.Error)
		resp.Recoverable = lo.ToPtr(status.Recoverable)
	}
	return resp
}

// HandleStartRecording starts a new recording.
// (POST /recording/start)
func (s *ApiService) HandleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid request body: " + err.Error()})
			return
		}
	}

	audioMode, err := encoder.ParseAudioMode(req.Audio)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}

	cfg := recording.StartConfig{
		Mode:            permission.Mode(req.Mode),
		ResolutionScale: req.ResolutionScale,
		Framerate:       req.Framerate,
		AudioMode:       audioMode,
	}
	if err := s.coordinator.Start(r.Context(), cfg); err != nil {
		respondError(w, r, err)
		return
	}

	status, err := s.coordinator.Status(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, statusFromCoordinator(status))
}

// HandleStopRecording finishes the active recording and returns the saved
// entry.
// (POST /recording/stop)
func (s *ApiService) HandleStopRecording(w http.ResponseWriter, r *http.Request) {
	meta, err := s.coordinator.Stop(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recordingResponse{
		ID:              meta.ID,
		StartedAt:       meta.StartedAt,
		DurationSeconds: meta.DurationSeconds,
		Width:           meta.Width,
		Height:          meta.Height,
		FrameCount:      meta.FrameCount,
		SizeBytes:       meta.SizeBytes,
		HasThumbnail:    meta.ThumbnailPath != "",
	})
}

// HandleRecordingStatus reports the coordinator's current state.
// (GET /recording/status)
func (s *ApiService) HandleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coordinator.Status(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, statusFromCoordinator(status))
}

// HandleResetRecording clears a failed recording so new starts are accepted.
// (POST /recording/reset)
func (s *ApiService) HandleResetRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Reset(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	status, err := s.coordinator.Status(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, statusFromCoordinator(status))
}
