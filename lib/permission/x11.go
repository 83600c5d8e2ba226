package permission

import (
	"context"
	"fmt"
	"os"
)

// X11Broker grants capture access to a local X display. X11 has no consent
// dialog, so negotiation reduces to verifying the display socket exists; a
// deterministic restore token is still echoed back so the persistence path
// behaves the same as with consent-based brokers.
type X11Broker struct {
	DisplayNum int
}

func NewX11Broker(displayNum int) *X11Broker {
	return &X11Broker{DisplayNum: displayNum}
}

func (b *X11Broker) Negotiate(ctx context.Context, req Request) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}

	socket := fmt.Sprintf("/tmp/.X11-unix/X%d", b.DisplayNum)
	if _, err := os.Stat(socket); err != nil {
		return Grant{}, fmt.Errorf("%w: display :%d not reachable: %v", ErrBrokerUnavailable, b.DisplayNum, err)
	}

	return Grant{
		// Frames travel over the grab subprocess's pipe rather than a shared
		// descriptor.
		TransportFD:  -1,
		StreamID:     uint32(b.DisplayNum),
		RestoreToken: fmt.Sprintf("x11:%d", b.DisplayNum),
	}, nil
}

func (b *X11Broker) Release(Grant) error {
	return nil
}
