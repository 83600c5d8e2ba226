package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode selects what the user is asked to share.
type Mode string

const (
	ModeFullscreen Mode = "fullscreen"
	ModeArea       Mode = "area"
)

var (
	ErrBrokerUnavailable = errors.New("capture permission broker unavailable")
	ErrUserCancelled     = errors.New("capture permission request cancelled by user")
	ErrTokenInvalid      = errors.New("restore token rejected by broker")
	ErrTimeout           = errors.New("permission negotiation timed out")
)

// Request carries the negotiation parameters sent to the broker.
type Request struct {
	Mode          Mode
	RestoreToken  string
	AllowMultiple bool // area mode permits selecting several sources
	EmbedCursor   bool
}

// Grant is the broker's response: a live transport handle the native stream
// connects over, plus an optional token that skips future consent dialogs.
// Width/Height are advisory; the stream's negotiated format is authoritative.
type Grant struct {
	TransportFD  int
	StreamID     uint32
	Width        int
	Height       int
	RestoreToken string
}

// Broker is the privileged capture-permission service. Implementations must
// honor ctx cancellation during Negotiate; Release must be safe to call after
// the broker's counterpart has already torn the grant down.
type Broker interface {
	Negotiate(ctx context.Context, req Request) (Grant, error)
	Release(grant Grant) error
}

// classify maps raw broker failures onto the package's sentinel errors.
// Brokers report user cancellation textually, so match on the message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUserCancelled) || errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrBrokerUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "cancel") {
		return fmt.Errorf("%w: %v", ErrUserCancelled, err)
	}
	return fmt.Errorf("session negotiation failed: %w", err)
}
