package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openloupe/screencapd/lib/capture"
	"github.com/openloupe/screencapd/lib/encoder"
	"github.com/openloupe/screencapd/lib/logger"
	"github.com/openloupe/screencapd/lib/permission"
)

var (
	ErrStartCancelled = errors.New("recording start cancelled")
	ErrStopInProgress = errors.New("a stop is already in progress")
)

const (
	// cleanup joins workers with this per-worker ceiling
	workerJoinTimeout = 10 * time.Second
	// worker events are buffered so workers never block on a coordinator
	// that is busy joining them
	eventChannelCapacity = 16
)

// Params wires the Coordinator's collaborators and timing knobs.
type Params struct {
	Broker        permission.Broker
	Tokens        *permission.TokenStore
	SourceFactory SourceFactory
	AudioSources  encoder.AudioSourceProvider
	Store         Store
	Emitter       Emitter

	OutputDir   string
	FFmpegPath  string
	FFprobePath string

	DefaultFramerate int
	CaptureWidth     int
	CaptureHeight    int

	FrameChannelCapacity int
	FrameSendTimeout     time.Duration
	DrainWindow          time.Duration
	MaxDuration          time.Duration

	PermissionTimeout   time.Duration
	TokenRestoreTimeout time.Duration
}

// Coordinator is the single actor owning the recording lifecycle. External
// commands and worker events are serialized through two channels and
// processed one at a time; the Coordinator alone touches OS-level handles.
type Coordinator struct {
	params Params

	cmds   chan command
	events chan eventEnvelope

	// everything below is owned by the Run goroutine
	state        State
	session      *session
	pendingStart *startCmd
	pendingStop  *stopCmd
	permCancel   context.CancelFunc
}

type command interface{ isCommand() }

type startCmd struct {
	cfg   StartConfig
	reply chan error
}

type stopCmd struct {
	reply chan stopResult
}

type stopResult struct {
	meta Metadata
	err  error
}

type statusCmd struct {
	reply chan Status
}

type resetCmd struct {
	reply chan error
}

func (*startCmd) isCommand()  {}
func (*stopCmd) isCommand()   {}
func (*statusCmd) isCommand() {}
func (*resetCmd) isCommand()  {}

// eventEnvelope wraps a state-machine event with the worker payloads the
// transition function must not see.
type eventEnvelope struct {
	event        Event
	permSession  *permission.Session
	captureStats *capture.Stats
	encodeResult *encoder.Result
}

// session is the ephemeral per-recording bookkeeping, created when capture
// starts and destroyed on save or cleanup.
type session struct {
	id        string
	dir       string
	videoPath string
	thumbPath string
	startedAt time.Time
	cfg       StartConfig

	stop       atomic.Bool
	frameCount atomic.Int64
	frames     chan capture.Message

	perm        *permission.Session
	writerDone  chan struct{}
	captureDone chan struct{}

	captureStats *capture.Stats
	encodeResult *encoder.Result
}

func New(params Params) *Coordinator {
	if params.Emitter == nil {
		params.Emitter = NoopEmitter{}
	}
	return &Coordinator{
		params: params,
		cmds:   make(chan command),
		events: make(chan eventEnvelope, eventChannelCapacity),
		state:  Idle{},
	}
}

// Run processes commands and worker events until ctx is cancelled. Any active
// recording is torn down before Run returns.
func (c *Coordinator) Run(ctx context.Context) {
	log := logger.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("coordinator shutting down")
			c.shutdown(ctx)
			return
		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)
		case env := <-c.events:
			c.handleEvent(ctx, env)
		}
	}
}

// Start requests a new recording and blocks until capture is running (or the
// attempt failed).
func (c *Coordinator) Start(ctx context.Context, cfg StartConfig) error {
	cmd := &startCmd{cfg: cfg, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop requests the active recording be finished and blocks until the
// encoded result has been saved.
func (c *Coordinator) Stop(ctx context.Context) (Metadata, error) {
	cmd := &stopCmd{reply: make(chan stopResult, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return Metadata{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res.meta, res.err
	case <-ctx.Done():
		return Metadata{}, ctx.Err()
	}
}

// Status answers directly from current state without side effects.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	cmd := &statusCmd{reply: make(chan Status, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-cmd.reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Reset clears a failed state so a new Start is accepted again.
func (c *Coordinator) Reset(ctx context.Context) error {
	cmd := &resetCmd{reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) handleCommand(ctx context.Context, cmd command) {
	switch cmd := cmd.(type) {
	case *startCmd:
		c.handleStart(ctx, cmd)
	case *stopCmd:
		c.handleStop(ctx, cmd)
	case *statusCmd:
		cmd.reply <- c.snapshot()
	case *resetCmd:
		c.dispatch(ctx, Reset{}, eventEnvelope{})
		cmd.reply <- nil
	}
}

func (c *Coordinator) handleStart(ctx context.Context, cmd *startCmd) {
	switch c.state.(type) {
	case Idle:
	case Failed:
		cmd.reply <- ErrResetRequired
		return
	default:
		cmd.reply <- ErrAlreadyRecording
		return
	}

	if _, err := exec.LookPath(c.params.FFmpegPath); err != nil {
		cmd.reply <- fmt.Errorf("%w: %v", ErrEncoderMissing, err)
		return
	}

	cfg, err := c.normalizeConfig(cmd.cfg)
	if err != nil {
		cmd.reply <- err
		return
	}
	cmd.cfg = cfg

	c.pendingStart = cmd
	c.dispatch(ctx, StartRequested{}, eventEnvelope{})
}

func (c *Coordinator) handleStop(ctx context.Context, cmd *stopCmd) {
	switch c.state.(type) {
	case Idle, Failed:
		cmd.reply <- stopResult{err: ErrNotRecording}
		return
	case Stopping:
		cmd.reply <- stopResult{err: ErrStopInProgress}
		return
	}
	if c.pendingStop != nil {
		cmd.reply <- stopResult{err: ErrStopInProgress}
		return
	}

	c.pendingStop = cmd
	c.dispatch(ctx, StopRequested{}, eventEnvelope{})
}

func (c *Coordinator) handleEvent(ctx context.Context, env eventEnvelope) {
	if c.session != nil {
		// stash worker payloads for SaveRecording before transitioning
		if env.captureStats != nil {
			c.session.captureStats = env.captureStats
		}
		if env.encodeResult != nil {
			c.session.encodeResult = env.encodeResult
		}
	}

	c.dispatch(ctx, env.event, env)

	// a permission session that no transition claimed must not leak its grant
	if env.permSession != nil && (c.session == nil || c.session.perm != env.permSession) {
		go env.permSession.Close()
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ev Event, env eventEnvelope) {
	next, effects := Transition(c.state, ev, time.Now())
	c.state = next
	for _, eff := range effects {
		c.execute(ctx, eff, ev, env)
	}
}

// execute performs one side effect. This is the only place effects turn into
// I/O; the switch is exhaustive over the closed Effect set.
func (c *Coordinator) execute(ctx context.Context, eff Effect, ev Event, env eventEnvelope) {
	log := logger.FromContext(ctx)

	switch eff := eff.(type) {
	case InitiatePermissionNegotiation:
		c.negotiatePermission(ctx)

	case StartCapture:
		if err := c.startWorkers(ctx, eff, env.permSession); err != nil {
			log.Error("failed to start capture workers", "err", err)
			c.dispatch(ctx, CaptureFailed{Err: err}, eventEnvelope{})
		}

	case SignalStop:
		if c.session != nil {
			c.session.stop.Store(true)
		}

	case EmitStateChange:
		c.params.Emitter.StateChanged(c.snapshot())

	case Cleanup:
		c.cleanup(ctx, causeOf(ev))

	case SaveRecording:
		c.save(ctx)
	}
}

// causeOf extracts the failure carried by an event, if any.
func causeOf(ev Event) error {
	switch ev := ev.(type) {
	case PermissionFailed:
		return ev.Err
	case CaptureFailed:
		return ev.Err
	case EncodingFailed:
		return ev.Err
	case StopRequested:
		return ErrStartCancelled
	}
	return nil
}

func (c *Coordinator) normalizeConfig(cfg StartConfig) (StartConfig, error) {
	if cfg.Mode == "" {
		cfg.Mode = permission.ModeFullscreen
	}
	if cfg.Mode != permission.ModeFullscreen && cfg.Mode != permission.ModeArea {
		return cfg, fmt.Errorf("%w: unknown capture mode %q", ErrInvalidConfig, cfg.Mode)
	}
	if cfg.ResolutionScale == 0 {
		cfg.ResolutionScale = 1
	}
	if cfg.ResolutionScale <= 0 || cfg.ResolutionScale > 1 {
		return cfg, fmt.Errorf("%w: resolution scale must be in (0, 1], got %v", ErrInvalidConfig, cfg.ResolutionScale)
	}
	if cfg.Framerate == 0 {
		cfg.Framerate = c.params.DefaultFramerate
	}
	if cfg.Framerate <= 0 || cfg.Framerate > 1000 {
		return cfg, fmt.Errorf("%w: framerate must be between 1 and 1000, got %d", ErrInvalidConfig, cfg.Framerate)
	}
	if cfg.AudioMode == "" {
		cfg.AudioMode = encoder.AudioNone
	}
	if _, err := encoder.ParseAudioMode(string(cfg.AudioMode)); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// negotiatePermission spawns the permission worker and wires its outcome back
// into the event channel.
func (c *Coordinator) negotiatePermission(ctx context.Context) {
	cfg := c.pendingStart.cfg

	nctx, cancel := context.WithCancel(ctx)
	c.permCancel = cancel

	go func() {
		sess, err := permission.Acquire(nctx, c.params.Broker, c.params.Tokens, permission.AcquireParams{
			Mode:           cfg.Mode,
			Timeout:        c.params.PermissionTimeout,
			RestoreTimeout: c.params.TokenRestoreTimeout,
		})
		if err != nil {
			c.send(ctx, eventEnvelope{event: PermissionFailed{Err: err}})
			return
		}

		grant := sess.Grant()
		width, height := grant.Width, grant.Height
		if width == 0 || height == 0 {
			width, height = c.params.CaptureWidth, c.params.CaptureHeight
		}
		c.send(ctx, eventEnvelope{
			event:       PermissionReady{Width: width, Height: height},
			permSession: sess,
		})
	}()
}

func (c *Coordinator) send(ctx context.Context, env eventEnvelope) {
	select {
	case c.events <- env:
	case <-ctx.Done():
		if env.permSession != nil {
			env.permSession.Close()
		}
	}
}

// startWorkers allocates the session and spawns the capture and writer
// threads wired back to the event channel.
func (c *Coordinator) startWorkers(ctx context.Context, eff StartCapture, permSess *permission.Session) error {
	log := logger.FromContext(ctx)

	if permSess == nil {
		return fmt.Errorf("no permission session for capture start")
	}
	cfg := c.pendingStart.cfg

	scratch, err := os.MkdirTemp(c.params.OutputDir, ".rec-")
	if err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	source, err := c.params.SourceFactory(permSess.Grant())
	if err != nil {
		_ = os.RemoveAll(scratch)
		return fmt.Errorf("failed to open capture source: %w", err)
	}

	id := uuid.NewString()
	sess := &session{
		id:          id,
		dir:         scratch,
		videoPath:   filepath.Join(scratch, id+".mp4"),
		thumbPath:   filepath.Join(scratch, id+".jpg"),
		startedAt:   time.Now(),
		cfg:         cfg,
		frames:      make(chan capture.Message, c.params.FrameChannelCapacity),
		perm:        permSess,
		writerDone:  make(chan struct{}),
		captureDone: make(chan struct{}),
	}
	c.session = sess
	c.permCancel = nil

	go func() {
		defer close(sess.captureDone)
		stats, cerr := capture.Run(ctx, source, capture.LoopParams{
			Request:     capture.DefaultFormatRequest(eff.Width, eff.Height, cfg.Framerate),
			Frames:      sess.frames,
			WriterDone:  sess.writerDone,
			Stop:        &sess.stop,
			FrameCount:  &sess.frameCount,
			SendTimeout: c.params.FrameSendTimeout,
			DrainWindow: c.params.DrainWindow,
			MaxDuration: c.params.MaxDuration,
		})
		// definite stream end for the writer, beyond the best-effort EndOfStream
		close(sess.frames)

		if cerr != nil {
			c.send(ctx, eventEnvelope{event: CaptureFailed{Err: cerr}, captureStats: &stats})
			return
		}
		c.send(ctx, eventEnvelope{event: CaptureCompleted{FrameCount: stats.Frames}, captureStats: &stats})
	}()

	go func() {
		defer close(sess.writerDone)
		result, werr := encoder.Run(ctx, sess.frames, encoder.WriterParams{
			BinaryPath:      c.params.FFmpegPath,
			FFprobePath:     c.params.FFprobePath,
			OutputPath:      sess.videoPath,
			TargetFramerate: cfg.Framerate,
			ResolutionScale: cfg.ResolutionScale,
			AudioMode:       cfg.AudioMode,
			AudioSources:    c.params.AudioSources,
		})
		if werr != nil {
			c.send(ctx, eventEnvelope{event: EncodingFailed{Err: werr}})
			return
		}
		c.send(ctx, eventEnvelope{event: EncodingCompleted{}, encodeResult: &result})
	}()

	log.Info("recording started", "id", id, "width", eff.Width, "height", eff.Height,
		"framerate", cfg.Framerate, "audio", cfg.AudioMode)
	c.params.Emitter.RecordingStarted(id)

	if c.pendingStart != nil {
		c.pendingStart.reply <- nil
		c.pendingStart = nil
	}
	return nil
}

// cleanup tears down whatever the failed or cancelled session left behind:
// force the stop flag, join writer then capture (the writer must observe
// stream end before the capture handle is dropped), release the permission
// grant last, delete the scratch directory, and fail any pending callers.
func (c *Coordinator) cleanup(ctx context.Context, cause error) {
	log := logger.FromContext(ctx)

	if c.permCancel != nil {
		c.permCancel()
		c.permCancel = nil
	}

	if sess := c.session; sess != nil {
		sess.stop.Store(true)

		if err := waitForChan(ctx, workerJoinTimeout, sess.writerDone); err != nil {
			log.Error("writer did not exit during cleanup", "err", err)
		}
		if err := waitForChan(ctx, workerJoinTimeout, sess.captureDone); err != nil {
			log.Error("capture loop did not exit during cleanup", "err", err)
		}
		sess.perm.Close()

		if err := os.RemoveAll(sess.dir); err != nil {
			log.Warn("failed to remove session directory", "dir", sess.dir, "err", err)
		}
		c.session = nil
	}

	if cause == nil {
		cause = fmt.Errorf("recording aborted")
	}
	if c.pendingStart != nil {
		c.pendingStart.reply <- cause
		c.pendingStart = nil
	}
	if c.pendingStop != nil {
		c.pendingStop.reply <- stopResult{err: cause}
		c.pendingStop = nil
	}
}

// save finalizes a successful recording: move the video out of the scratch
// directory, generate a thumbnail (best-effort), persist catalog metadata,
// and hand the finished record to the pending Stop caller.
func (c *Coordinator) save(ctx context.Context) {
	log := logger.FromContext(ctx)

	sess := c.session
	if sess == nil {
		log.Error("save requested with no active session")
		return
	}

	finalVideo := filepath.Join(c.params.OutputDir, sess.id+".mp4")
	finalThumb := filepath.Join(c.params.OutputDir, sess.id+".jpg")

	meta := Metadata{
		ID:            sess.id,
		VideoPath:     finalVideo,
		ThumbnailPath: finalThumb,
		StartedAt:     sess.startedAt,
	}
	if res := sess.encodeResult; res != nil {
		meta.DurationSeconds = res.DurationSeconds
		meta.Width = res.Width
		meta.Height = res.Height
		meta.FrameCount = res.FrameCount
	} else if stats := sess.captureStats; stats != nil {
		meta.DurationSeconds = stats.Duration.Seconds()
		meta.Width = stats.Width
		meta.Height = stats.Height
		meta.FrameCount = stats.Frames
	}

	err := os.Rename(sess.videoPath, finalVideo)
	if err != nil {
		log.Error("failed to move finished recording into place", "err", err)
	} else {
		if info, serr := os.Stat(finalVideo); serr == nil {
			meta.SizeBytes = info.Size()
		}
		if terr := encoder.GenerateThumbnail(ctx, c.params.FFmpegPath, finalVideo, finalThumb); terr != nil {
			log.Warn("thumbnail generation failed", "id", sess.id, "err", terr)
			meta.ThumbnailPath = ""
		}
		if ierr := c.params.Store.Insert(ctx, meta); ierr != nil {
			log.Error("failed to persist recording metadata", "id", sess.id, "err", ierr)
		}
	}

	sess.perm.Close()
	if rerr := os.RemoveAll(sess.dir); rerr != nil {
		log.Warn("failed to remove session directory", "dir", sess.dir, "err", rerr)
	}
	c.session = nil

	log.Info("recording saved", "id", meta.ID, "video", meta.VideoPath, "duration", meta.DurationSeconds)
	c.params.Emitter.RecordingStopped(meta.ID)

	if c.pendingStop != nil {
		if err != nil {
			c.pendingStop.reply <- stopResult{err: fmt.Errorf("failed to finalize recording: %w", err)}
		} else {
			c.pendingStop.reply <- stopResult{meta: meta}
		}
		c.pendingStop = nil
	}
}

// snapshot builds the status payload from current state plus the session's
// live counters.
func (c *Coordinator) snapshot() Status {
	st := Status{State: c.state.Name()}

	switch s := c.state.(type) {
	case Starting:
		st.IsStarting = true
		startedAt := s.StartedAt
		st.StartedAt = &startedAt
		st.ElapsedSeconds = time.Since(s.StartedAt).Seconds()
	case Recording:
		st.IsRecording = true
		startedAt := s.StartedAt
		st.StartedAt = &startedAt
		st.ElapsedSeconds = time.Since(s.StartedAt).Seconds()
		st.Width = s.Width
		st.Height = s.Height
	case Stopping:
		st.IsStopping = true
		startedAt := s.StartedAt
		st.StartedAt = &startedAt
		st.ElapsedSeconds = time.Since(s.StartedAt).Seconds()
		st.Width = s.Width
		st.Height = s.Height
	case Failed:
		if s.Err != nil {
			st.Error = s.Err.Error()
		}
		st.Recoverable = s.Recoverable
	}

	if c.session != nil {
		st.FrameCount = c.session.frameCount.Load()
	}
	return st
}

// shutdown force-stops any active recording before Run returns.
func (c *Coordinator) shutdown(ctx context.Context) {
	if c.permCancel != nil {
		c.permCancel()
		c.permCancel = nil
	}
	if c.session != nil || c.pendingStart != nil || c.pendingStop != nil {
		c.cleanup(ctx, ErrShuttingDown)
	}
	c.state = Idle{}
}

// waitForChan returns nil if and only if the channel is closed
func waitForChan(ctx context.Context, timeout time.Duration, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker did not exit within %v timeout", timeout)
	case <-ctx.Done():
		// during shutdown the parent context is already cancelled; still give
		// workers a bounded window to unwind
		select {
		case <-ch:
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("worker did not exit within %v timeout", timeout)
		}
	}
}
