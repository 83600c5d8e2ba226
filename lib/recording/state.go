package recording

import (
	"time"
)

// State is the recording lifecycle state. Exactly one State value lives inside
// the Coordinator; workers never see it. The closed set of implementations
// makes illegal combinations (e.g. "recording" with no session) unrepresentable.
type State interface {
	isState()
	// Name returns the lifecycle phase as a stable string for status payloads.
	Name() string
}

type Idle struct{}

type Starting struct {
	StartedAt time.Time
}

type Recording struct {
	StartedAt time.Time
	Width     int
	Height    int
}

type Stopping struct {
	StartedAt       time.Time
	StopRequestedAt time.Time
	Width           int
	Height          int
}

type Failed struct {
	Err         error
	Recoverable bool
}

func (Idle) isState()      {}
func (Starting) isState()  {}
func (Recording) isState() {}
func (Stopping) isState()  {}
func (Failed) isState()    {}

func (Idle) Name() string      { return "idle" }
func (Starting) Name() string  { return "starting" }
func (Recording) Name() string { return "recording" }
func (Stopping) Name() string  { return "stopping" }
func (Failed) Name() string    { return "failed" }

// Event is an input to the state machine, produced either by an external
// command or by a worker reporting back.
type Event interface{ isEvent() }

type StartRequested struct{}

type StopRequested struct{}

type PermissionReady struct {
	Width  int
	Height int
}

type PermissionFailed struct {
	Err error
}

type CaptureCompleted struct {
	FrameCount int64
}

type CaptureFailed struct {
	Err error
}

type EncodingCompleted struct{}

type EncodingFailed struct {
	Err error
}

type Reset struct{}

func (StartRequested) isEvent()    {}
func (StopRequested) isEvent()     {}
func (PermissionReady) isEvent()   {}
func (PermissionFailed) isEvent()  {}
func (CaptureCompleted) isEvent()  {}
func (CaptureFailed) isEvent()     {}
func (EncodingCompleted) isEvent() {}
func (EncodingFailed) isEvent()    {}
func (Reset) isEvent()             {}

// Effect is a data-described action the Coordinator carries out after a
// transition. The transition function never performs I/O itself.
type Effect interface{ isEffect() }

type InitiatePermissionNegotiation struct{}

type StartCapture struct {
	Width  int
	Height int
}

type SignalStop struct{}

type EmitStateChange struct {
	State State
}

type Cleanup struct{}

type SaveRecording struct{}

func (InitiatePermissionNegotiation) isEffect() {}
func (StartCapture) isEffect()                  {}
func (SignalStop) isEffect()                    {}
func (EmitStateChange) isEffect()               {}
func (Cleanup) isEffect()                       {}
func (SaveRecording) isEffect()                 {}

// Transition computes the next state and the side effects the Coordinator must
// execute, as a pure function of the current state and the incoming event.
// Any (state, event) pair not covered below is a no-op: the state is returned
// unchanged with no effects.
func Transition(state State, event Event, now time.Time) (State, []Effect) {
	switch s := state.(type) {
	case Idle:
		if _, ok := event.(StartRequested); ok {
			next := Starting{StartedAt: now}
			return next, []Effect{InitiatePermissionNegotiation{}, EmitStateChange{State: next}}
		}

	case Starting:
		switch ev := event.(type) {
		case PermissionReady:
			next := Recording{StartedAt: s.StartedAt, Width: ev.Width, Height: ev.Height}
			return next, []Effect{StartCapture{Width: ev.Width, Height: ev.Height}, EmitStateChange{State: next}}
		case PermissionFailed:
			next := Failed{Err: ev.Err, Recoverable: IsRecoverable(ev.Err)}
			return next, []Effect{Cleanup{}, EmitStateChange{State: next}}
		case StopRequested:
			next := Idle{}
			return next, []Effect{Cleanup{}, EmitStateChange{State: next}}
		}

	case Recording:
		switch ev := event.(type) {
		case StopRequested:
			next := Stopping{StartedAt: s.StartedAt, StopRequestedAt: now, Width: s.Width, Height: s.Height}
			return next, []Effect{SignalStop{}, EmitStateChange{State: next}}
		case CaptureFailed:
			next := Failed{Err: ev.Err, Recoverable: IsRecoverable(ev.Err)}
			return next, []Effect{Cleanup{}, EmitStateChange{State: next}}
		}

	case Stopping:
		switch ev := event.(type) {
		case CaptureCompleted:
			// The capture side is done; keep waiting for the encoder to flush.
			return s, nil
		case EncodingCompleted:
			next := Idle{}
			return next, []Effect{SaveRecording{}, EmitStateChange{State: next}}
		case CaptureFailed:
			next := Failed{Err: ev.Err, Recoverable: IsRecoverable(ev.Err)}
			return next, []Effect{Cleanup{}, EmitStateChange{State: next}}
		case EncodingFailed:
			next := Failed{Err: ev.Err, Recoverable: IsRecoverable(ev.Err)}
			return next, []Effect{Cleanup{}, EmitStateChange{State: next}}
		}

	case Failed:
		if _, ok := event.(Reset); ok {
			next := Idle{}
			return next, []Effect{EmitStateChange{State: next}}
		}
	}

	return state, nil
}
