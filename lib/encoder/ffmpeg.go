package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/openloupe/screencapd/lib/logger"
)

var (
	ErrEncoderNotFound = errors.New("encoder binary not found")
	ErrWriteFailed     = errors.New("failed to write frame to encoder")
	ErrEncodeTimeout   = errors.New("encoder did not exit after input ended")
)

// ProcessError reports a non-zero encoder exit.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("encoder exited with code %d: %s", e.ExitCode, e.Stderr)
}

// encodeParams is everything needed to assemble the encoder invocation.
type encodeParams struct {
	Width           int
	Height          int
	InputFramerate  float64
	TargetFramerate int
	ResolutionScale float64
	AudioOffset     time.Duration
	AudioDevices    []string
	OutputPath      string
}

// encodeArgs generates the ffmpeg command line: raw RGBA frames on stdin at
// the measured input rate, optional pulse audio inputs offset by the
// calibration duration, target-framerate conversion and optional downscale.
// Order matters: input options precede each -i, output options come last.
func encodeArgs(p encodeParams) []string {
	args := []string{
		// Raw video on stdin
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"-framerate", formatRate(p.InputFramerate),
		"-i", "-",
	}

	// Audio inputs start offset by the calibration window so tracks line up
	// with the first encoded frame.
	offset := formatRate(p.AudioOffset.Seconds())
	for _, device := range p.AudioDevices {
		args = append(args,
			"-itsoffset", offset,
			"-f", "pulse",
			"-i", device,
		)
	}

	// Video filter chain: framerate conversion, then optional downscale kept
	// to even dimensions for yuv420p.
	filter := fmt.Sprintf("fps=%d", p.TargetFramerate)
	if p.ResolutionScale > 0 && p.ResolutionScale < 1 {
		filter += fmt.Sprintf(",scale=trunc(iw*%[1]s/2)*2:trunc(ih*%[1]s/2)*2", formatRate(p.ResolutionScale))
	}
	args = append(args, "-vf", filter)

	// Stream mapping
	switch len(p.AudioDevices) {
	case 0:
		args = append(args, "-map", "0:v", "-an")
	case 1:
		args = append(args, "-map", "0:v", "-map", "1:a", "-c:a", "aac")
	default:
		// merge system and mic into one stereo track
		args = append(args,
			"-filter_complex", "[1:a][2:a]amix=inputs=2:duration=longest[aout]",
			"-map", "0:v", "-map", "[aout]",
			"-ac", "2",
			"-c:a", "aac",
		)
	}

	args = append(args,
		// Video encoding
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y", // Overwrite output file if it exists
		p.OutputPath,
	)

	return args
}

// formatRate renders a float without trailing zeros, as ffmpeg expects.
func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// processGuard kills the encoder process group and deletes the partial output
// unless the encode was explicitly marked complete, so no orphaned process or
// corrupt artifact survives an error or panic.
type processGuard struct {
	cmd        *exec.Cmd
	outputPath string
	completed  bool
}

func (g *processGuard) complete() {
	g.completed = true
}

func (g *processGuard) finish(ctx context.Context) {
	if g.completed {
		return
	}
	log := logger.FromContext(ctx)
	log.Warn("aborting encode; killing encoder and removing partial output", "output", g.outputPath)

	if g.cmd != nil && g.cmd.Process != nil {
		// negative PGID targets the whole group
		_ = syscall.Kill(-g.cmd.Process.Pid, syscall.SIGKILL)
		_ = g.cmd.Wait()
	}
	if err := os.Remove(g.outputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove partial output", "path", g.outputPath, "err", err)
	}
}

// waitForChan returns nil if and only if the channel is closed
func waitForChan(ctx context.Context, timeout time.Duration, c <-chan struct{}) error {
	select {
	case <-c:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("process did not exit within %v timeout", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
