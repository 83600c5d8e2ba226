package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/openloupe/screencapd/lib/logger"
)

const (
	defaultSendTimeout  = 5 * time.Second
	defaultDrainWindow  = 200 * time.Millisecond
	defaultMaxDuration  = 4 * time.Hour
	defaultPollInterval = 100 * time.Millisecond
)

// LoopParams configures one run of the capture loop.
type LoopParams struct {
	Request FormatRequest

	// Frames is the bounded channel feeding the writer. The loop never closes
	// it; the goroutine that owns the loop does once Run returns.
	Frames chan<- Message
	// WriterDone is closed when the consumer goroutine exits; a send observed
	// against it is a disconnect rather than a stall.
	WriterDone <-chan struct{}
	// Stop is the external stop signal, polled each iteration.
	Stop *atomic.Bool
	// FrameCount, when set, is updated with the live frame total so status
	// queries can report progress without touching the loop.
	FrameCount *atomic.Int64

	SendTimeout time.Duration
	DrainWindow time.Duration
	MaxDuration time.Duration
	// PollInterval bounds each buffer read so stop and elapsed-time checks
	// run at a steady cadence.
	PollInterval time.Duration
}

// Stats summarizes a completed capture.
type Stats struct {
	Frames       int64
	Duration     time.Duration
	ObservedRate float64
	Width        int
	Height       int
}

func (p *LoopParams) applyDefaults() {
	if p.SendTimeout <= 0 {
		p.SendTimeout = defaultSendTimeout
	}
	if p.DrainWindow <= 0 {
		p.DrainWindow = defaultDrainWindow
	}
	if p.MaxDuration <= 0 {
		p.MaxDuration = defaultMaxDuration
	}
	if p.PollInterval <= 0 {
		p.PollInterval = defaultPollInterval
	}
}

// Run drives the native stream until a stop signal, stream end, or failure.
// It sends exactly one Metadata before the first Frame and a final
// EndOfStream on exit. The caller owns the goroutine it runs on.
func Run(ctx context.Context, src Source, params LoopParams) (Stats, error) {
	log := logger.FromContext(ctx)
	params.applyDefaults()

	guard := &loopGuard{ctx: ctx, src: src}
	defer guard.finish()

	format, err := src.Negotiate(ctx, params.Request)
	if err != nil {
		guard.complete()
		return Stats{}, fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}
	log.Info("capture format negotiated", "width", format.Width, "height", format.Height, "pixelFormat", format.PixelFormat)

	frameSize := format.Width * format.Height * 4
	start := time.Now()

	var (
		frames       int64
		metadataSent bool
		drainStart   time.Time
	)

	send := func(msg Message) error {
		select {
		case params.Frames <- msg:
			return nil
		case <-params.WriterDone:
			return ErrWriterDisconnected
		case <-time.After(params.SendTimeout):
			return ErrWriterStalled
		}
	}

	finish := func(cause error) (Stats, error) {
		guard.complete()

		// best-effort end-of-stream so the writer can flush what it has
		select {
		case params.Frames <- EndOfStream{}:
		case <-params.WriterDone:
		case <-time.After(params.SendTimeout):
		}

		elapsed := time.Since(start)
		stats := Stats{
			Frames:   frames,
			Duration: elapsed,
			Width:    format.Width,
			Height:   format.Height,
		}
		if elapsed > 0 {
			stats.ObservedRate = float64(frames) / elapsed.Seconds()
		}
		if cause == nil && frames == 0 {
			cause = ErrNoFrames
		}
		return stats, cause
	}

	for {
		if params.Stop != nil && params.Stop.Load() && drainStart.IsZero() {
			drainStart = time.Now()
			log.Info("stop signal observed; draining in-flight frames", "window", params.DrainWindow)
		}
		if !drainStart.IsZero() && time.Since(drainStart) >= params.DrainWindow {
			return finish(nil)
		}
		if time.Since(start) >= params.MaxDuration {
			log.Error("maximum recording duration exceeded; force-stopping capture", "max", params.MaxDuration)
			return finish(ErrMaxDuration)
		}

		rctx, cancel := context.WithTimeout(ctx, params.PollInterval)
		buf, err := src.ReadBuffer(rctx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// no frame this tick; re-check stop and elapsed time
			continue
		case errors.Is(err, io.EOF):
			// stream end is only legitimate once a stop is in flight;
			// otherwise the native stream died under us
			if (params.Stop != nil && params.Stop.Load()) || !drainStart.IsZero() {
				return finish(nil)
			}
			return finish(fmt.Errorf("%w: stream ended unexpectedly", ErrStreamFailed))
		case ctx.Err() != nil:
			return finish(ctx.Err())
		default:
			return finish(fmt.Errorf("%w: %v", ErrStreamFailed, err))
		}

		if !metadataSent {
			if serr := send(Metadata{Width: format.Width, Height: format.Height}); serr != nil {
				return finish(serr)
			}
			metadataSent = true
		}

		if buf.Offset < 0 || buf.Size <= 0 || buf.Offset+buf.Size > len(buf.Data) {
			log.Warn("frame chunk out of buffer bounds; dropping", "offset", buf.Offset, "size", buf.Size, "buffer", len(buf.Data))
			continue
		}
		if buf.Size != frameSize {
			log.Warn("frame chunk has unexpected size; dropping", "size", buf.Size, "want", frameSize)
			continue
		}

		frame := swizzle(format.PixelFormat, buf.Data[buf.Offset:buf.Offset+buf.Size])
		if serr := send(Frame{Data: frame}); serr != nil {
			return finish(serr)
		}
		frames++
		if params.FrameCount != nil {
			params.FrameCount.Store(frames)
		}
	}
}

// swizzle converts one frame to RGBA with opaque alpha, copying out of the
// native buffer (which is reused by the stream).
func swizzle(pf PixelFormat, src []byte) []byte {
	out := make([]byte, len(src))
	switch pf {
	case PixelFormatBGRx, PixelFormatBGRA:
		for i := 0; i+3 < len(src); i += 4 {
			out[i] = src[i+2]
			out[i+1] = src[i+1]
			out[i+2] = src[i]
			out[i+3] = 0xFF
		}
	default:
		copy(out, src)
		for i := 3; i < len(out); i += 4 {
			out[i] = 0xFF
		}
	}
	return out
}

// loopGuard closes the native stream when the loop unwinds. If the loop never
// reached a deliberate exit path (panic, early return), the close is an
// abnormal termination and is logged as such so leaked mainloops are visible.
type loopGuard struct {
	ctx       context.Context
	src       Source
	completed bool
}

func (g *loopGuard) complete() {
	g.completed = true
}

func (g *loopGuard) finish() {
	log := logger.FromContext(g.ctx)
	if !g.completed {
		log.Warn("capture mainloop terminated abnormally; force-quitting stream")
	}
	if err := g.src.Close(); err != nil {
		log.Warn("failed to close capture stream", "err", err)
	}
}
