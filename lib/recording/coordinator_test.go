package recording

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloupe/screencapd/lib/capture"
	"github.com/openloupe/screencapd/lib/encoder"
	"github.com/openloupe/screencapd/lib/permission"
)

var mockEncoder = filepath.Join("testdata", "mock_ffmpeg.sh")

const (
	testWidth  = 4
	testHeight = 3
)

// fakeBroker grants immediately with a fixed geometry and counts releases.
type fakeBroker struct {
	mu           sync.Mutex
	negotiateErr error
	negotiations int
	releases     int
}

func (b *fakeBroker) Negotiate(ctx context.Context, req permission.Request) (permission.Grant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.negotiations++
	if b.negotiateErr != nil {
		return permission.Grant{}, b.negotiateErr
	}
	return permission.Grant{
		TransportFD:  -1,
		StreamID:     7,
		Width:        testWidth,
		Height:       testHeight,
		RestoreToken: "tok",
	}, nil
}

func (b *fakeBroker) Release(grant permission.Grant) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	return nil
}

func (b *fakeBroker) released() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releases
}

// blockingBroker parks every negotiation until its context is cancelled.
type blockingBroker struct {
	started chan struct{}
}

func (b *blockingBroker) Negotiate(ctx context.Context, req permission.Request) (permission.Grant, error) {
	close(b.started)
	<-ctx.Done()
	return permission.Grant{}, ctx.Err()
}

func (b *blockingBroker) Release(permission.Grant) error { return nil }

// fakeStreamSource emits a fixed number of BGRx frames, then idles until the
// loop stops polling. With dieAfterFrames set it reports end-of-stream
// instead, like a grab helper crashing mid-recording.
type fakeStreamSource struct {
	frames         int
	emitted        int
	dieAfterFrames bool
}

func (s *fakeStreamSource) Negotiate(ctx context.Context, req capture.FormatRequest) (capture.Format, error) {
	return capture.Format{
		Width:       req.DefaultWidth,
		Height:      req.DefaultHeight,
		PixelFormat: capture.PixelFormatBGRx,
	}, nil
}

func (s *fakeStreamSource) ReadBuffer(ctx context.Context) (capture.Buffer, error) {
	if s.emitted < s.frames {
		s.emitted++
		data := make([]byte, testWidth*testHeight*4)
		return capture.Buffer{Data: data, Offset: 0, Size: len(data)}, nil
	}
	if s.dieAfterFrames {
		return capture.Buffer{}, io.EOF
	}
	<-ctx.Done()
	return capture.Buffer{}, ctx.Err()
}

func (s *fakeStreamSource) Close() error { return nil }

type fakeStore struct {
	mu       sync.Mutex
	inserted []Metadata
}

func (s *fakeStore) Insert(ctx context.Context, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, meta)
	return nil
}

func (s *fakeStore) records() []Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Metadata(nil), s.inserted...)
}

type fakeEmitter struct {
	mu      sync.Mutex
	states  []string
	started []string
	stopped []string
}

func (e *fakeEmitter) StateChanged(status Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, status.State)
}

func (e *fakeEmitter) RecordingStarted(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, id)
}

func (e *fakeEmitter) RecordingStopped(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, id)
}

func (e *fakeEmitter) stateTrail() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.states...)
}

type testHarness struct {
	coord   *Coordinator
	broker  *fakeBroker
	store   *fakeStore
	emitter *fakeEmitter
	outDir  string
}

func newHarness(t *testing.T, mutate func(*Params)) *testHarness {
	t.Helper()

	outDir := t.TempDir()
	broker := &fakeBroker{}
	store := &fakeStore{}
	emitter := &fakeEmitter{}
	tokens := permission.NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))

	params := Params{
		Broker: broker,
		Tokens: tokens,
		SourceFactory: func(grant permission.Grant) (capture.Source, error) {
			return &fakeStreamSource{frames: 5}, nil
		},
		AudioSources:         &encoder.StaticAudioProvider{},
		Store:                store,
		Emitter:              emitter,
		OutputDir:            outDir,
		FFmpegPath:           mockEncoder,
		FFprobePath:          filepath.Join(t.TempDir(), "no_such_ffprobe"),
		DefaultFramerate:     30,
		CaptureWidth:         testWidth,
		CaptureHeight:        testHeight,
		FrameChannelCapacity: 16,
		FrameSendTimeout:     time.Second,
		DrainWindow:          20 * time.Millisecond,
		MaxDuration:          time.Minute,
		PermissionTimeout:    time.Second,
		TokenRestoreTimeout:  100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&params)
	}

	coord := New(params)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("coordinator did not shut down")
		}
	})

	return &testHarness{coord: coord, broker: broker, store: store, emitter: emitter, outDir: outDir}
}

func TestCoordinatorHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, StartConfig{}))

	status, err := h.coord.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsRecording)
	assert.Equal(t, "recording", status.State)
	assert.Equal(t, testWidth, status.Width)
	assert.Equal(t, testHeight, status.Height)
	require.NotNil(t, status.StartedAt)

	// let the source drain its frames through the loop
	require.Eventually(t, func() bool {
		st, serr := h.coord.Status(ctx)
		return serr == nil && st.FrameCount == 5
	}, 5*time.Second, 10*time.Millisecond)

	meta, err := h.coord.Stop(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, int64(5), meta.FrameCount)
	assert.Equal(t, testWidth, meta.Width)
	assert.Equal(t, testHeight, meta.Height)
	assert.Greater(t, meta.DurationSeconds, 0.0)
	assert.Equal(t, filepath.Join(h.outDir, meta.ID+".mp4"), meta.VideoPath)

	content, err := os.ReadFile(meta.VideoPath)
	require.NoError(t, err)
	assert.Equal(t, "video", string(content))
	assert.Greater(t, meta.SizeBytes, int64(0))

	// the scratch directory is gone once the recording is saved
	entries, err := os.ReadDir(h.outDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, entry.IsDir(), "leftover session directory %s", entry.Name())
	}

	records := h.store.records()
	require.Len(t, records, 1)
	assert.Equal(t, meta.ID, records[0].ID)

	status, err = h.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", status.State)

	assert.Equal(t, 1, h.broker.released())
	trail := h.emitter.stateTrail()
	assert.Equal(t, []string{"starting", "recording", "stopping", "idle"}, trail)
}

func TestCoordinatorStartWhileRecording(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, StartConfig{}))
	err := h.coord.Start(ctx, StartConfig{})
	require.ErrorIs(t, err, ErrAlreadyRecording)

	_, err = h.coord.Stop(ctx)
	require.NoError(t, err)
}

func TestCoordinatorStopWhenIdle(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.coord.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotRecording)
}

func TestCoordinatorInvalidStartConfig(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.coord.Start(ctx, StartConfig{Mode: "window"})
	require.Error(t, err)

	err = h.coord.Start(ctx, StartConfig{ResolutionScale: 1.5})
	require.Error(t, err)

	err = h.coord.Start(ctx, StartConfig{Framerate: -1})
	require.Error(t, err)

	// invalid attempts must not wedge the lifecycle
	require.NoError(t, h.coord.Start(ctx, StartConfig{}))
	_, err = h.coord.Stop(ctx)
	require.NoError(t, err)
}

func TestCoordinatorEncoderBinaryMissing(t *testing.T) {
	h := newHarness(t, func(p *Params) {
		p.FFmpegPath = filepath.Join(t.TempDir(), "no_such_ffmpeg")
	})

	err := h.coord.Start(context.Background(), StartConfig{})
	require.ErrorIs(t, err, ErrEncoderMissing)
}

func TestCoordinatorPermissionDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.negotiateErr = permission.ErrUserCancelled
	ctx := context.Background()

	err := h.coord.Start(ctx, StartConfig{})
	require.ErrorIs(t, err, permission.ErrUserCancelled)

	status, serr := h.coord.Status(ctx)
	require.NoError(t, serr)
	assert.Equal(t, "failed", status.State)
	assert.True(t, status.Recoverable)

	// a failed coordinator refuses new starts until reset
	err = h.coord.Start(ctx, StartConfig{})
	require.ErrorIs(t, err, ErrResetRequired)

	require.NoError(t, h.coord.Reset(ctx))
	h.broker.negotiateErr = nil
	require.NoError(t, h.coord.Start(ctx, StartConfig{}))
	_, err = h.coord.Stop(ctx)
	require.NoError(t, err)
}

func TestCoordinatorEncoderFailure(t *testing.T) {
	t.Setenv("MOCK_FFMPEG_EXIT_CODE", "1")
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, StartConfig{}))

	_, err := h.coord.Stop(ctx)
	require.Error(t, err)
	var perr *encoder.ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Stderr, "mock encoder failure")

	status, serr := h.coord.Status(ctx)
	require.NoError(t, serr)
	assert.Equal(t, "failed", status.State)
	assert.False(t, status.Recoverable)

	// the partial output never reaches the library directory
	entries, rerr := os.ReadDir(h.outDir)
	require.NoError(t, rerr)
	assert.Empty(t, entries)
}

func TestCoordinatorStreamDeathFailsRecording(t *testing.T) {
	h := newHarness(t, func(p *Params) {
		p.SourceFactory = func(grant permission.Grant) (capture.Source, error) {
			return &fakeStreamSource{frames: 3, dieAfterFrames: true}, nil
		}
	})
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, StartConfig{}))

	// the source dies mid-recording; the coordinator must not stay "recording"
	require.Eventually(t, func() bool {
		st, serr := h.coord.Status(ctx)
		return serr == nil && st.State == "failed"
	}, 5*time.Second, 10*time.Millisecond)

	status, err := h.coord.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.IsRecording)
	assert.False(t, status.Recoverable)

	// stop returns immediately instead of waiting on dead workers
	stopDone := make(chan error, 1)
	go func() {
		_, serr := h.coord.Stop(ctx)
		stopDone <- serr
	}()
	select {
	case serr := <-stopDone:
		require.ErrorIs(t, serr, ErrNotRecording)
	case <-time.After(5 * time.Second):
		t.Fatal("stop hung after the stream died")
	}

	require.NoError(t, h.coord.Reset(ctx))
	status, err = h.coord.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, 1, h.broker.released(), "failed session must release its grant")
}

func TestCoordinatorStopCancelsPendingStart(t *testing.T) {
	blocking := &blockingBroker{started: make(chan struct{})}
	h := newHarness(t, func(p *Params) {
		p.Broker = blocking
		p.PermissionTimeout = 10 * time.Second
	})
	ctx := context.Background()

	startErr := make(chan error, 1)
	go func() {
		startErr <- h.coord.Start(ctx, StartConfig{})
	}()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("negotiation never started")
	}

	_, err := h.coord.Stop(ctx)
	require.ErrorIs(t, err, ErrStartCancelled)

	select {
	case err := <-startErr:
		require.ErrorIs(t, err, ErrStartCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("pending start never resolved")
	}

	status, serr := h.coord.Status(ctx)
	require.NoError(t, serr)
	assert.Equal(t, "idle", status.State)
}

func TestCoordinatorConcurrentStops(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx, StartConfig{}))

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = h.coord.Stop(ctx)
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrStopInProgress)
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one stop wins")
	assert.Equal(t, 3, rejected)
	require.Len(t, h.store.records(), 1)
}

func TestStatusDuringStopKeepsResolution(t *testing.T) {
	c := New(Params{})
	c.state = Stopping{
		StartedAt:       time.Now().Add(-2 * time.Second),
		StopRequestedAt: time.Now(),
		Width:           testWidth,
		Height:          testHeight,
	}

	st := c.snapshot()
	assert.True(t, st.IsStopping)
	assert.Equal(t, testWidth, st.Width)
	assert.Equal(t, testHeight, st.Height)
	assert.Greater(t, st.ElapsedSeconds, 0.0)
}

func TestCoordinatorShutdownCleansUp(t *testing.T) {
	outDir := t.TempDir()
	broker := &fakeBroker{}
	tokens := permission.NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))

	coord := New(Params{
		Broker: broker,
		Tokens: tokens,
		SourceFactory: func(grant permission.Grant) (capture.Source, error) {
			return &fakeStreamSource{frames: 5}, nil
		},
		Store:                &fakeStore{},
		OutputDir:            outDir,
		FFmpegPath:           mockEncoder,
		FFprobePath:          filepath.Join(t.TempDir(), "no_such_ffprobe"),
		DefaultFramerate:     30,
		CaptureWidth:         testWidth,
		CaptureHeight:        testHeight,
		FrameChannelCapacity: 16,
		FrameSendTimeout:     time.Second,
		DrainWindow:          20 * time.Millisecond,
		MaxDuration:          time.Minute,
		PermissionTimeout:    time.Second,
		TokenRestoreTimeout:  100 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()

	require.NoError(t, coord.Start(ctx, StartConfig{}))

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not shut down with an active recording")
	}

	assert.Equal(t, 1, broker.released(), "shutdown must release the permission grant")

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "aborted session must leave no files behind")
}
