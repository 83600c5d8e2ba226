package recording

import (
	"errors"

	"github.com/openloupe/screencapd/lib/permission"
)

var (
	ErrAlreadyRecording = errors.New("a recording is already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrResetRequired    = errors.New("previous recording failed; reset required")
	ErrEncoderMissing   = errors.New("encoder binary not found")
	ErrInvalidConfig    = errors.New("invalid recording configuration")
	ErrShuttingDown     = errors.New("coordinator is shutting down")
)

// IsRecoverable reports whether an error allows the caller to silently retry.
// Only a user cancelling the permission dialog and a rejected restore token
// qualify; everything else is terminal for the session.
func IsRecoverable(err error) bool {
	return errors.Is(err, permission.ErrUserCancelled) || errors.Is(err, permission.ErrTokenInvalid)
}
