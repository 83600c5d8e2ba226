package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openloupe/screencapd/lib/catalog"
	"github.com/openloupe/screencapd/lib/logger"
)

func recordingFromRecord(rec catalog.Record) recordingResponse {
	return recordingResponse{
		ID:              rec.ID,
		StartedAt:       rec.StartedAt,
		DurationSeconds: rec.DurationSeconds,
		Width:           rec.Width,
		Height:          rec.Height,
		FrameCount:      rec.FrameCount,
		SizeBytes:       rec.SizeBytes,
		HasThumbnail:    rec.ThumbnailPath != "",
		Missing:         rec.Missing,
	}
}

// HandleListRecordings lists saved recordings, newest first.
// (GET /recordings)
func (s *ApiService) HandleListRecordings(w http.ResponseWriter, r *http.Request) {
	records, err := s.catalog.List(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]recordingResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, recordingFromRecord(rec))
	}
	respondJSON(w, http.StatusOK, out)
}

// HandleGetRecording returns one saved recording's metadata.
// (GET /recordings/{id})
func (s *ApiService) HandleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recordingFromRecord(rec))
}

// HandleDownloadRecording streams the video file.
// (GET /recordings/{id}/download)
func (s *ApiService) HandleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rec.Missing {
		respondJSON(w, http.StatusGone, errorResponse{Message: "recording file no longer on disk"})
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.ID+`.mp4"`)
	http.ServeFile(w, r, rec.VideoPath)
}

// HandleRecordingThumbnail serves the preview image.
// (GET /recordings/{id}/thumbnail)
func (s *ApiService) HandleRecordingThumbnail(w http.ResponseWriter, r *http.Request) {
	rec, err := s.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if rec.ThumbnailPath == "" {
		respondJSON(w, http.StatusNotFound, errorResponse{Message: "recording has no thumbnail"})
		return
	}
	http.ServeFile(w, r, rec.ThumbnailPath)
}

// HandleDeleteRecording removes the recording and its files.
// (DELETE /recordings/{id})
func (s *ApiService) HandleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.catalog.Delete(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("recording deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}
