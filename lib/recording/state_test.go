package recording

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloupe/screencapd/lib/permission"
)

func effectNames(effects []Effect) []string {
	names := make([]string, 0, len(effects))
	for _, e := range effects {
		switch e.(type) {
		case InitiatePermissionNegotiation:
			names = append(names, "negotiate")
		case StartCapture:
			names = append(names, "start-capture")
		case SignalStop:
			names = append(names, "signal-stop")
		case EmitStateChange:
			names = append(names, "emit")
		case Cleanup:
			names = append(names, "cleanup")
		case SaveRecording:
			names = append(names, "save")
		}
	}
	return names
}

func TestTransitionIdleStart(t *testing.T) {
	now := time.Now()
	next, effects := Transition(Idle{}, StartRequested{}, now)

	starting, ok := next.(Starting)
	require.True(t, ok, "expected Starting, got %T", next)
	assert.Equal(t, now, starting.StartedAt)
	assert.Equal(t, []string{"negotiate", "emit"}, effectNames(effects))
}

func TestTransitionStartingPermissionReady(t *testing.T) {
	startedAt := time.Now().Add(-time.Second)
	next, effects := Transition(Starting{StartedAt: startedAt}, PermissionReady{Width: 1280, Height: 720}, time.Now())

	rec, ok := next.(Recording)
	require.True(t, ok, "expected Recording, got %T", next)
	assert.Equal(t, startedAt, rec.StartedAt)
	assert.Equal(t, 1280, rec.Width)
	assert.Equal(t, 720, rec.Height)

	require.Equal(t, []string{"start-capture", "emit"}, effectNames(effects))
	capturing := effects[0].(StartCapture)
	assert.Equal(t, 1280, capturing.Width)
	assert.Equal(t, 720, capturing.Height)
}

func TestTransitionStartingPermissionFailed(t *testing.T) {
	cause := errors.New("portal exploded")
	next, effects := Transition(Starting{StartedAt: time.Now()}, PermissionFailed{Err: cause}, time.Now())

	failed, ok := next.(Failed)
	require.True(t, ok, "expected Failed, got %T", next)
	assert.Equal(t, cause, failed.Err)
	assert.False(t, failed.Recoverable)
	assert.Equal(t, []string{"cleanup", "emit"}, effectNames(effects))
}

func TestTransitionStartingStopCancels(t *testing.T) {
	next, effects := Transition(Starting{StartedAt: time.Now()}, StopRequested{}, time.Now())

	assert.IsType(t, Idle{}, next)
	assert.Equal(t, []string{"cleanup", "emit"}, effectNames(effects))
}

func TestTransitionRecordingStop(t *testing.T) {
	startedAt := time.Now().Add(-10 * time.Second)
	now := time.Now()
	next, effects := Transition(Recording{StartedAt: startedAt, Width: 1920, Height: 1080}, StopRequested{}, now)

	stopping, ok := next.(Stopping)
	require.True(t, ok, "expected Stopping, got %T", next)
	assert.Equal(t, startedAt, stopping.StartedAt)
	assert.Equal(t, now, stopping.StopRequestedAt)
	// the resolution stays visible while the encoder drains
	assert.Equal(t, 1920, stopping.Width)
	assert.Equal(t, 1080, stopping.Height)
	assert.Equal(t, []string{"signal-stop", "emit"}, effectNames(effects))
}

func TestTransitionRecordingCaptureFailed(t *testing.T) {
	cause := errors.New("stream died")
	next, effects := Transition(Recording{StartedAt: time.Now()}, CaptureFailed{Err: cause}, time.Now())

	failed, ok := next.(Failed)
	require.True(t, ok)
	assert.Equal(t, cause, failed.Err)
	assert.Equal(t, []string{"cleanup", "emit"}, effectNames(effects))
}

func TestTransitionStoppingCaptureCompletedWaits(t *testing.T) {
	state := Stopping{StartedAt: time.Now(), StopRequestedAt: time.Now()}
	next, effects := Transition(state, CaptureCompleted{FrameCount: 120}, time.Now())

	// the encoder is still flushing; nothing happens yet
	assert.Equal(t, state, next)
	assert.Empty(t, effects)
}

func TestTransitionStoppingEncodingCompleted(t *testing.T) {
	state := Stopping{StartedAt: time.Now(), StopRequestedAt: time.Now()}
	next, effects := Transition(state, EncodingCompleted{}, time.Now())

	assert.IsType(t, Idle{}, next)
	assert.Equal(t, []string{"save", "emit"}, effectNames(effects))
}

func TestTransitionStoppingFailures(t *testing.T) {
	state := Stopping{StartedAt: time.Now(), StopRequestedAt: time.Now()}

	for name, ev := range map[string]Event{
		"capture":  CaptureFailed{Err: errors.New("capture broke")},
		"encoding": EncodingFailed{Err: errors.New("encoder broke")},
	} {
		t.Run(name, func(t *testing.T) {
			next, effects := Transition(state, ev, time.Now())
			_, ok := next.(Failed)
			require.True(t, ok, "expected Failed, got %T", next)
			assert.Equal(t, []string{"cleanup", "emit"}, effectNames(effects))
		})
	}
}

func TestTransitionFailedReset(t *testing.T) {
	next, effects := Transition(Failed{Err: errors.New("boom")}, Reset{}, time.Now())

	assert.IsType(t, Idle{}, next)
	assert.Equal(t, []string{"emit"}, effectNames(effects))
}

// Pairs outside the table must be strict no-ops; late worker reports after a
// failure or reset land here.
func TestTransitionUnlistedPairsAreNoOps(t *testing.T) {
	now := time.Now()
	states := []State{
		Idle{},
		Starting{StartedAt: now},
		Recording{StartedAt: now, Width: 640, Height: 480},
		Stopping{StartedAt: now, StopRequestedAt: now},
		Failed{Err: errors.New("boom")},
	}
	events := []Event{
		StartRequested{},
		StopRequested{},
		PermissionReady{Width: 1, Height: 1},
		PermissionFailed{Err: errors.New("x")},
		CaptureCompleted{FrameCount: 1},
		CaptureFailed{Err: errors.New("x")},
		EncodingCompleted{},
		EncodingFailed{Err: errors.New("x")},
		Reset{},
	}
	listed := map[string]bool{
		"idle/recording.StartRequested":        true,
		"starting/recording.PermissionReady":   true,
		"starting/recording.PermissionFailed":  true,
		"starting/recording.StopRequested":     true,
		"recording/recording.StopRequested":    true,
		"recording/recording.CaptureFailed":    true,
		"stopping/recording.CaptureCompleted":  true,
		"stopping/recording.EncodingCompleted": true,
		"stopping/recording.CaptureFailed":     true,
		"stopping/recording.EncodingFailed":    true,
		"failed/recording.Reset":               true,
	}

	for _, state := range states {
		for _, event := range events {
			key := fmt.Sprintf("%s/%T", state.Name(), event)
			if listed[key] {
				continue
			}
			next, effects := Transition(state, event, now)
			assert.Equal(t, state, next, "pair %s must keep state", key)
			assert.Empty(t, effects, "pair %s must produce no effects", key)
		}
	}
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(permission.ErrUserCancelled))
	assert.True(t, IsRecoverable(permission.ErrTokenInvalid))
	assert.False(t, IsRecoverable(permission.ErrTimeout))
	assert.False(t, IsRecoverable(permission.ErrBrokerUnavailable))
	assert.False(t, IsRecoverable(errors.New("anything else")))
	assert.False(t, IsRecoverable(nil))
}

func TestFailedRecoverabilityCarriedIntoState(t *testing.T) {
	next, _ := Transition(Starting{StartedAt: time.Now()}, PermissionFailed{Err: permission.ErrUserCancelled}, time.Now())
	failed, ok := next.(Failed)
	require.True(t, ok)
	assert.True(t, failed.Recoverable)
}
