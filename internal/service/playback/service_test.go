package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keep-on-walking/mpv-pi-player/internal/media"
	"github.com/keep-on-walking/mpv-pi-player/internal/player"
)

type fakeProcess struct {
	mu         sync.Mutex
	started    []player.StartParams
	commands   [][]any
	props      map[string]any
	queries    int
	terminated int
	startErr   error
	cmdErr     error
	queryErr   error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{props: map[string]any{
		"time-pos":    0.0,
		"duration":    120.0,
		"pause":       false,
		"eof-reached": false,
	}}
}

func (f *fakeProcess) Start(_ context.Context, params *player.StartParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, *params)
	return nil
}

func (f *fakeProcess) SendCommand(_ context.Context, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cmdErr != nil {
		return f.cmdErr
	}
	f.commands = append(f.commands, args)
	return nil
}

func (f *fakeProcess) QueryProperty(_ context.Context, name string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	v, ok := f.props[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", player.ErrRejected, name)
	}
	return v, nil
}

func (f *fakeProcess) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.terminated++
	return nil
}

func (f *fakeProcess) lastCommand() []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.commands) == 0 {
		return nil
	}
	return f.commands[len(f.commands)-1]
}

type fakeMedia map[string]string

func (m fakeMedia) Resolve(name string) (string, error) {
	path, ok := m[name]
	if !ok {
		return "", media.ErrNotFound
	}
	return path, nil
}

type fixture struct {
	svc   *service
	proc  *fakeProcess
	clock time.Time
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &Config{Volume: 100}
	}

	f := &fixture{
		proc:  newFakeProcess(),
		clock: time.Unix(1700000000, 0),
	}
	f.svc = NewService(f.proc, fakeMedia{"movie.mp4": "/media/movie.mp4"}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.svc.now = func() time.Time { return f.clock }

	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestPlay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	st, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, st.State)
	assert.Equal(t, "movie.mp4", st.CurrentFile)
	assert.True(t, st.ProcessAlive)

	require.Len(t, f.proc.started, 1)
	assert.Equal(t, player.StartParams{File: "/media/movie.mp4", Volume: 100}, f.proc.started[0])
}

func TestPlayUnknownFile(t *testing.T) {
	f := newFixture(t, nil)

	st, err := f.svc.Play(context.Background(), "missing.mp4")
	require.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, f.proc.started)
}

func TestPlayLaunchError(t *testing.T) {
	f := newFixture(t, nil)
	f.proc.startErr = fmt.Errorf("%w: exec: \"mpv\": executable file not found", player.ErrLaunch)

	st, err := f.svc.Play(context.Background(), "movie.mp4")
	require.ErrorIs(t, err, player.ErrLaunch)
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.ProcessAlive)
}

func TestPauseToggles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	st, err := f.svc.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, f.proc.commands)

	_, err = f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	st, err = f.svc.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st.State)
	assert.Equal(t, []any{"set_property", "pause", true}, f.proc.lastCommand())

	st, err = f.svc.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, st.State)
	assert.Equal(t, []any{"set_property", "pause", false}, f.proc.lastCommand())
}

func TestSetPausedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	st, err := f.svc.SetPaused(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, st.State)
	assert.Empty(t, f.proc.commands)

	st, err = f.svc.SetPaused(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st.State)

	st, err = f.svc.SetPaused(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st.State)
	assert.Len(t, f.proc.commands, 1)
}

func TestSeekClampsToDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	for _, tc := range []struct {
		requested float64
		expected  float64
	}{
		{requested: 30, expected: 30},
		{requested: 500, expected: 120},
		{requested: -10, expected: 0},
		{requested: 120, expected: 120},
	} {
		st, err := f.svc.Seek(ctx, tc.requested)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, st.PositionSeconds)
		assert.GreaterOrEqual(t, st.PositionSeconds, 0.0)
		assert.LessOrEqual(t, st.PositionSeconds, st.DurationSeconds)
		assert.Equal(t, []any{"seek", tc.expected, "absolute"}, f.proc.lastCommand())
	}
}

func TestSeekWithoutFile(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Seek(context.Background(), 10)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestSeekUnknownDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	delete(f.proc.props, "duration")
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	st, err := f.svc.Seek(ctx, 10)
	require.ErrorIs(t, err, ErrInvalidRange)
	assert.Equal(t, StatePlaying, st.State)
}

func TestSkip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	f.proc.props["time-pos"] = 100.0
	st, err := f.svc.Skip(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 120.0, st.PositionSeconds)

	f.proc.props["time-pos"] = 20.0
	f.advance(time.Second)
	st, err = f.svc.Skip(ctx, -30)
	require.NoError(t, err)
	assert.Equal(t, 0.0, st.PositionSeconds)
}

func TestSetSpeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.SetSpeed(ctx, 1.05)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	st, err := f.svc.SetSpeed(ctx, 0.95)
	require.NoError(t, err)
	assert.Equal(t, 0.95, st.Speed)
	assert.Equal(t, []any{"set_property", "speed", 0.95}, f.proc.lastCommand())

	st, err = f.svc.SetSpeed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 4.0, st.Speed)

	st, err = f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, NormalSpeed, st.Speed)
}

func TestSetVolumeClamps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	st, err := f.svc.SetVolume(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, 100, st.VolumePercent)

	st, err = f.svc.SetVolume(ctx, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, st.VolumePercent)
	assert.Empty(t, f.proc.commands)

	_, err = f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, 0, f.proc.started[0].Volume)

	st, err = f.svc.SetVolume(ctx, 150)
	require.NoError(t, err)
	assert.Equal(t, 100, st.VolumePercent)
	assert.Equal(t, []any{"set_property", "volume", 100}, f.proc.lastCommand())
}

func TestChannelErrorOnRefreshGoesIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	f.proc.queryErr = fmt.Errorf("%w: broken pipe", player.ErrChannel)

	st := f.svc.Snapshot(ctx)
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.ProcessAlive)
	assert.Equal(t, 1, f.proc.terminated)
}

func TestChannelErrorOnCommandGoesIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	f.proc.cmdErr = fmt.Errorf("%w: socket closed", player.ErrChannel)

	_, err = f.svc.Pause(ctx)
	require.ErrorIs(t, err, player.ErrChannel)

	f.proc.cmdErr = nil
	st := f.svc.Snapshot(ctx)
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.ProcessAlive)
}

func TestRelaunchOnlyOnExplicitPlay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	f.proc.props["time-pos"] = 42.0
	st := f.svc.Snapshot(ctx)
	require.Equal(t, 42.0, st.PositionSeconds)

	f.proc.queryErr = fmt.Errorf("%w: eof", player.ErrChannel)
	f.advance(time.Second)
	st = f.svc.Snapshot(ctx)
	require.Equal(t, StateIdle, st.State)

	f.proc.queryErr = nil
	f.advance(time.Second)
	f.svc.Snapshot(ctx)
	require.Len(t, f.proc.started, 1)

	st, err = f.svc.Play(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, st.State)
	assert.Equal(t, "movie.mp4", st.CurrentFile)
	require.Len(t, f.proc.started, 2)
	assert.Equal(t, 42.0, f.proc.started[1].StartPosition)
	assert.Equal(t, "/media/movie.mp4", f.proc.started[1].File)
}

func TestResumeFromIdleWithoutHistory(t *testing.T) {
	f := newFixture(t, nil)

	st, err := f.svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, f.proc.started)
}

func TestStopClearsRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	st, err := f.svc.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, st.CurrentFile)
	assert.Equal(t, 1, f.proc.terminated)

	_, err = f.svc.Play(ctx, "")
	require.NoError(t, err)
	assert.Len(t, f.proc.started, 1)
}

func TestSnapshotIsMemoized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	f.svc.Snapshot(ctx)
	queries := f.proc.queries
	require.Positive(t, queries)

	f.advance(100 * time.Millisecond)
	f.svc.Snapshot(ctx)
	assert.Equal(t, queries, f.proc.queries)

	f.advance(500 * time.Millisecond)
	f.svc.Snapshot(ctx)
	assert.Greater(t, f.proc.queries, queries)
}

func TestSnapshotFollowsPauseFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	f.proc.props["pause"] = true
	st := f.svc.Snapshot(ctx)
	assert.Equal(t, StatePaused, st.State)
}

func TestEndOfFileStops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	f.proc.props["eof-reached"] = true
	f.proc.props["time-pos"] = 120.0
	st := f.svc.Snapshot(ctx)
	assert.Equal(t, StateStopped, st.State)
	assert.True(t, st.ProcessAlive)

	f.proc.props["eof-reached"] = false
	st, err = f.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, st.State)
	assert.Equal(t, 0.0, st.PositionSeconds)
	assert.Contains(t, f.proc.commands, []any{"seek", 0, "absolute"})
}

func TestResumeAfterSeekPastEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	f.proc.props["eof-reached"] = true
	f.proc.props["time-pos"] = 120.0
	st := f.svc.Snapshot(ctx)
	require.Equal(t, StateStopped, st.State)

	st, err = f.svc.Seek(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st.State)
	assert.Equal(t, 50.0, st.PositionSeconds)

	f.proc.props["eof-reached"] = false
	f.proc.props["time-pos"] = 50.0
	f.proc.props["pause"] = true
	f.advance(time.Second)
	assert.Equal(t, StatePaused, f.svc.Snapshot(ctx).State)

	st, err = f.svc.Play(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, st.State)
	assert.Equal(t, 50.0, st.PositionSeconds)
	assert.Equal(t, []any{"set_property", "pause", false}, f.proc.lastCommand())
	assert.NotContains(t, f.proc.commands, []any{"seek", 0, "absolute"})
}

func TestResumeStoppedMidFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	// stopped early, e.g. a truncated file
	f.proc.props["eof-reached"] = true
	f.proc.props["time-pos"] = 80.0
	st := f.svc.Snapshot(ctx)
	require.Equal(t, StateStopped, st.State)

	st, err = f.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, st.State)
	assert.Equal(t, 80.0, st.PositionSeconds)
	assert.NotContains(t, f.proc.commands, []any{"seek", 0, "absolute"})
}

func TestEndOfFileLoops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &Config{Volume: 100, Loop: true})
	_, err := f.svc.Play(ctx, "movie.mp4")
	require.NoError(t, err)

	f.proc.props["eof-reached"] = true
	st := f.svc.Snapshot(ctx)
	assert.Equal(t, StatePlaying, st.State)
	assert.Equal(t, 0.0, st.PositionSeconds)
	assert.Contains(t, f.proc.commands, []any{"seek", 0, "absolute"})
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, &Config{Volume: 100, MonitorInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
