package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/openloupe/screencapd/lib/logger"
)

// X11GrabSource streams raw BGRx frames from a local X display by driving an
// ffmpeg x11grab subprocess whose stdout pipe is the transport.
type X11GrabSource struct {
	binaryPath string
	displayNum int

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    lockedBuffer
	format    Format
	buffers   chan []byte
	readErrs  chan error
	closeOnce sync.Once
	closed    chan struct{}
}

func NewX11GrabSource(binaryPath string, displayNum int) *X11GrabSource {
	return &X11GrabSource{
		binaryPath: binaryPath,
		displayNum: displayNum,
		buffers:    make(chan []byte, 1),
		readErrs:   make(chan error, 1),
		closed:     make(chan struct{}),
	}
}

func (s *X11GrabSource) Negotiate(ctx context.Context, req FormatRequest) (Format, error) {
	log := logger.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return Format{}, fmt.Errorf("stream already connected")
	}

	width := clamp(req.DefaultWidth, req.MinWidth, req.MaxWidth)
	height := clamp(req.DefaultHeight, req.MinHeight, req.MaxHeight)
	framerate := clamp(req.DefaultFramerate, 1, req.MaxFramerate)

	args := []string{
		// Input options for X11
		"-f", "x11grab",
		"-framerate", strconv.Itoa(framerate),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-draw_mouse", "1",
		// Input file
		"-i", fmt.Sprintf(":%d", s.displayNum),
		// Raw frames on stdout
		"-f", "rawvideo",
		"-pix_fmt", "bgr0",
		"-",
	}
	log.Info(fmt.Sprintf("%s %s", s.binaryPath, strings.Join(args, " ")))

	cmd := exec.Command(s.binaryPath, args...)
	// process group so the grab helper is signaled with any children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = &s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Format{}, fmt.Errorf("failed to open grab pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Format{}, fmt.Errorf("failed to start grab process: %w", err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.format = Format{Width: width, Height: height, PixelFormat: PixelFormatBGRx}

	frameSize := width * height * 4
	go s.pump(frameSize)

	return s.format, nil
}

// pump reads fixed-size frames off the pipe and hands them to ReadBuffer.
func (s *X11GrabSource) pump(frameSize int) {
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			select {
			case s.readErrs <- err:
			case <-s.closed:
			}
			return
		}
		select {
		case s.buffers <- buf:
		case <-s.closed:
			return
		}
	}
}

func (s *X11GrabSource) ReadBuffer(ctx context.Context) (Buffer, error) {
	select {
	case buf := <-s.buffers:
		return Buffer{Data: buf, Offset: 0, Size: len(buf)}, nil
	case err := <-s.readErrs:
		if errors.Is(err, io.EOF) {
			return Buffer{}, io.EOF
		}
		return Buffer{}, fmt.Errorf("grab pipe read failed: %w (stderr: %s)", err, s.stderr.tail(512))
	case <-s.closed:
		return Buffer{}, io.EOF
	case <-ctx.Done():
		return Buffer{}, ctx.Err()
	}
}

func (s *X11GrabSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// negative PGID targets the whole group
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	_ = cmd.Wait()
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// lockedBuffer serializes writes from exec's stderr copier against tail
// snapshots taken while the process is still alive.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) tail(limit int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw := b.buf.Bytes()
	if len(raw) > limit {
		raw = raw[len(raw)-limit:]
	}
	return string(bytes.TrimSpace(raw))
}
