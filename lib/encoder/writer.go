package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/openloupe/screencapd/lib/capture"
	"github.com/openloupe/screencapd/lib/logger"
)

const (
	defaultCalibrationFrames = 30
	// measured input rates are clamped into this range
	minMeasuredRate = 1.0
	maxMeasuredRate = 240.0

	// how long the encoder may keep running after its input ends
	encoderExitTimeout = 30 * time.Second

	stderrTailLimit = 2048
)

// WriterParams configures one run of the writer.
type WriterParams struct {
	BinaryPath  string
	FFprobePath string
	OutputPath  string

	TargetFramerate int
	// ResolutionScale in (0,1] downscales the output; 1 keeps native size.
	ResolutionScale float64

	AudioMode    AudioMode
	AudioSources AudioSourceProvider

	// CalibrationFrames is the number of initial frames buffered to measure
	// the actually delivered input rate. Defaults to 30.
	CalibrationFrames int
}

// Result describes a finished encode.
type Result struct {
	DurationSeconds float64
	Width           int
	Height          int
	FrameCount      int64
}

// MeasureRate computes the delivered input framerate from a calibration
// window of n frames buffered over elapsed wall-clock time, clamped into
// [1, 240]. The first frame starts the clock, so n frames span n-1 intervals.
func MeasureRate(frames int, elapsed time.Duration) float64 {
	if frames <= 1 || elapsed <= 0 {
		return minMeasuredRate
	}
	rate := float64(frames-1) / elapsed.Seconds()
	if rate < minMeasuredRate {
		return minMeasuredRate
	}
	if rate > maxMeasuredRate {
		return maxMeasuredRate
	}
	return rate
}

// Run consumes capture messages until the stream ends, driving an external
// encoder subprocess fed over stdin. The caller owns the goroutine it runs on.
func Run(ctx context.Context, frames <-chan capture.Message, params WriterParams) (Result, error) {
	log := logger.FromContext(ctx)
	if params.CalibrationFrames <= 0 {
		params.CalibrationFrames = defaultCalibrationFrames
	}

	// Metadata phase: nothing can start until the stream's dimensions arrive.
	meta, err := awaitMetadata(ctx, frames)
	if err != nil {
		return Result{}, err
	}

	// Calibration phase: buffer initial frames and measure the delivered rate.
	buffered, calElapsed, streamEnded := calibrate(frames, params.CalibrationFrames)
	if len(buffered) == 0 {
		return Result{}, capture.ErrNoFrames
	}
	measuredRate := MeasureRate(len(buffered), calElapsed)
	log.Info("input framerate calibrated",
		"frames", len(buffered), "elapsed", calElapsed, "rate", measuredRate)

	audioDevices, err := resolveAudioDevices(ctx, params.AudioMode, params.AudioSources)
	if err != nil {
		return Result{}, err
	}

	args := encodeArgs(encodeParams{
		Width:           meta.Width,
		Height:          meta.Height,
		InputFramerate:  measuredRate,
		TargetFramerate: params.TargetFramerate,
		ResolutionScale: params.ResolutionScale,
		AudioOffset:     calElapsed,
		AudioDevices:    audioDevices,
		OutputPath:      params.OutputPath,
	})
	log.Info(fmt.Sprintf("%s %s", params.BinaryPath, strings.Join(args, " ")))

	var stderr bytes.Buffer
	cmd := exec.Command(params.BinaryPath, args...)
	// create process group to ensure all processes are signaled together
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start encoder process: %w", err)
	}

	guard := &processGuard{cmd: cmd, outputPath: params.OutputPath}
	defer guard.finish(ctx)

	var frameCount int64

	// Encode phase: flush the calibration buffer, then stream live frames.
	for _, data := range buffered {
		if _, werr := stdin.Write(data); werr != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrWriteFailed, werr)
		}
		frameCount++
	}

	for !streamEnded {
		msg, ok := <-frames
		if !ok {
			break
		}
		switch m := msg.(type) {
		case capture.Frame:
			if _, werr := stdin.Write(m.Data); werr != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrWriteFailed, werr)
			}
			frameCount++
		case capture.EndOfStream:
			streamEnded = true
		case capture.Metadata:
			log.Warn("duplicate metadata mid-stream; ignoring")
		}
	}

	if err := stdin.Close(); err != nil {
		log.Warn("failed to close encoder stdin", "err", err)
	}

	// Wait bounded: a wedged encoder is killed by the guard.
	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()
	if werr := waitForChan(ctx, encoderExitTimeout, exited); werr != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrEncodeTimeout, werr)
	}

	if waitErr != nil || cmd.ProcessState.ExitCode() != 0 {
		return Result{}, &ProcessError{
			ExitCode: cmd.ProcessState.ExitCode(),
			Stderr:   stderrTail(stderr.Bytes()),
		}
	}

	result := Result{
		Width:      meta.Width,
		Height:     meta.Height,
		FrameCount: frameCount,
	}
	if duration, perr := probeDurationSeconds(ctx, params.FFprobePath, params.OutputPath); perr == nil {
		result.DurationSeconds = duration
	} else {
		log.Warn("failed to probe output duration; estimating from frame count", "err", perr)
		result.DurationSeconds = float64(frameCount) / measuredRate
	}

	guard.complete()
	return result, nil
}

// awaitMetadata blocks until the stream's Metadata arrives. Frames seen first
// are discarded with a warning; stream end before metadata means no frames
// were ever captured.
func awaitMetadata(ctx context.Context, frames <-chan capture.Message) (capture.Metadata, error) {
	log := logger.FromContext(ctx)
	for {
		msg, ok := <-frames
		if !ok {
			return capture.Metadata{}, capture.ErrNoFrames
		}
		switch m := msg.(type) {
		case capture.Metadata:
			return m, nil
		case capture.Frame:
			log.Warn("frame received before metadata; discarding")
		case capture.EndOfStream:
			return capture.Metadata{}, capture.ErrNoFrames
		}
	}
}

// calibrate buffers up to limit frames, timing the wall clock from the first.
// It reports the buffered frames, the elapsed window, and whether the stream
// already ended.
func calibrate(frames <-chan capture.Message, limit int) ([][]byte, time.Duration, bool) {
	var (
		buffered [][]byte
		start    time.Time
	)
	elapsed := func() time.Duration {
		if start.IsZero() {
			return 0
		}
		return time.Since(start)
	}
	for len(buffered) < limit {
		msg, ok := <-frames
		if !ok {
			return buffered, elapsed(), true
		}
		switch m := msg.(type) {
		case capture.Frame:
			if start.IsZero() {
				start = time.Now()
			}
			buffered = append(buffered, m.Data)
		case capture.EndOfStream:
			return buffered, elapsed(), true
		}
	}
	return buffered, elapsed(), false
}

// resolveAudioDevices maps the audio mode onto concrete platform devices at
// invocation time. Order matters for the amix filter: system first, then mic.
func resolveAudioDevices(ctx context.Context, mode AudioMode, sources AudioSourceProvider) ([]string, error) {
	if mode == AudioNone || mode == "" {
		return nil, nil
	}
	if sources == nil {
		return nil, fmt.Errorf("audio mode %q requested but no audio source provider configured", mode)
	}

	var devices []string
	if mode == AudioSystem || mode == AudioBoth {
		monitor, err := sources.DefaultMonitor(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve system audio source: %w", err)
		}
		devices = append(devices, monitor)
	}
	if mode == AudioMic || mode == AudioBoth {
		input, err := sources.DefaultInput(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve microphone source: %w", err)
		}
		devices = append(devices, input)
	}
	return devices, nil
}

func stderrTail(b []byte) string {
	if len(b) > stderrTailLimit {
		b = b[len(b)-stderrTailLimit:]
	}
	return string(bytes.TrimSpace(b))
}
