package recording

import (
	"context"
	"time"

	"github.com/openloupe/screencapd/lib/capture"
	"github.com/openloupe/screencapd/lib/encoder"
	"github.com/openloupe/screencapd/lib/permission"
)

// StartConfig carries the caller's per-recording choices.
type StartConfig struct {
	Mode permission.Mode
	// ResolutionScale in (0,1] downscales the encoded output; 1 keeps the
	// captured size.
	ResolutionScale float64
	// Framerate is the encoder's target output rate.
	Framerate int
	AudioMode encoder.AudioMode
}

// Metadata is the finished record handed to the Stop caller and persisted in
// the catalog.
type Metadata struct {
	ID              string
	VideoPath       string
	ThumbnailPath   string
	StartedAt       time.Time
	DurationSeconds float64
	Width           int
	Height          int
	FrameCount      int64
	SizeBytes       int64
}

// Status is a point-in-time snapshot answered directly from coordinator state.
type Status struct {
	State          string
	IsRecording    bool
	IsStarting     bool
	IsStopping     bool
	FrameCount     int64
	ElapsedSeconds float64
	Width          int
	Height         int
	Error          string
	Recoverable    bool
	StartedAt      *time.Time
}

// Store persists finished recording metadata. The catalog schema belongs to
// the implementation.
type Store interface {
	Insert(ctx context.Context, meta Metadata) error
}

// Emitter publishes recording events to UI listeners. StateChanged mirrors
// the status snapshot; the started/stopped signals exist for
// backward-compatible listeners.
type Emitter interface {
	StateChanged(status Status)
	RecordingStarted(id string)
	RecordingStopped(id string)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) StateChanged(Status)     {}
func (NoopEmitter) RecordingStarted(string) {}
func (NoopEmitter) RecordingStopped(string) {}

// SourceFactory opens a native stream over a negotiated grant.
type SourceFactory func(grant permission.Grant) (capture.Source, error)
