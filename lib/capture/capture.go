package capture

import (
	"context"
	"errors"
)

var (
	ErrStreamFailed       = errors.New("capture stream failed")
	ErrWriterStalled      = errors.New("frame consumer stalled")
	ErrWriterDisconnected = errors.New("frame consumer disconnected")
	ErrNoFrames           = errors.New("capture produced no frames")
	ErrMaxDuration        = errors.New("maximum recording duration exceeded")
)

// PixelFormat names an interleaved 4-byte-per-pixel layout.
type PixelFormat string

const (
	PixelFormatBGRx PixelFormat = "BGRx"
	PixelFormatBGRA PixelFormat = "BGRA"
	PixelFormatRGBx PixelFormat = "RGBx"
	PixelFormatRGBA PixelFormat = "RGBA"
)

// Format is the negotiated stream format.
type Format struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
}

// FormatRequest enumerates what the loop will accept from the native stream.
type FormatRequest struct {
	// PixelFormats in preference order.
	PixelFormats []PixelFormat

	MinWidth, MinHeight         int
	MaxWidth, MaxHeight         int
	DefaultWidth, DefaultHeight int

	MinFramerate, MaxFramerate int
	DefaultFramerate           int
}

// DefaultFormatRequest builds the standard request: BGRx-family formats, sizes
// from 1x1 up to 4096x4096, framerates from 0 to 1000.
func DefaultFormatRequest(width, height, framerate int) FormatRequest {
	return FormatRequest{
		PixelFormats:     []PixelFormat{PixelFormatBGRx, PixelFormatBGRA, PixelFormatRGBx, PixelFormatRGBA},
		MinWidth:         1,
		MinHeight:        1,
		MaxWidth:         4096,
		MaxHeight:        4096,
		DefaultWidth:     width,
		DefaultHeight:    height,
		MinFramerate:     0,
		MaxFramerate:     1000,
		DefaultFramerate: framerate,
	}
}

// Message is the frame-channel payload between the capture loop and the
// writer. Exactly one Metadata precedes all Frames; exactly one EndOfStream
// terminates the stream (the channel closing substitutes for it).
type Message interface{ isMessage() }

type Metadata struct {
	Width  int
	Height int
}

// Frame holds one RGBA frame. The slice is owned by the receiver.
type Frame struct {
	Data []byte
}

type EndOfStream struct{}

func (Metadata) isMessage()    {}
func (Frame) isMessage()       {}
func (EndOfStream) isMessage() {}

// Buffer is one dequeued native frame buffer. Data is the whole mapped
// region; the frame's chunk occupies [Offset, Offset+Size).
type Buffer struct {
	Data   []byte
	Offset int
	Size   int
}

// Source is a native frame-streaming session over a negotiated transport.
// Implementations are driven from a single goroutine.
type Source interface {
	// Negotiate connects the stream and fixes the frame format.
	Negotiate(ctx context.Context, req FormatRequest) (Format, error)
	// ReadBuffer blocks until the next frame buffer, ctx expiry, or stream
	// end (io.EOF).
	ReadBuffer(ctx context.Context) (Buffer, error)
	Close() error
}
