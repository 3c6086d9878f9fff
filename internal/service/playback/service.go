package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keep-on-walking/mpv-pi-player/internal/media"
	"github.com/keep-on-walking/mpv-pi-player/internal/player"
)

// endTolerance is how close to the duration a stopped player counts as being
// at the end of the file.
const endTolerance = 0.5

type iProcess interface {
	Start(context.Context, *player.StartParams) error
	SendCommand(ctx context.Context, args ...any) error
	QueryProperty(ctx context.Context, name string) (any, error)
	Terminate() error
}

type iMediaStore interface {
	Resolve(name string) (string, error)
}

type Config struct {
	Volume          int
	Loop            bool
	RefreshInterval time.Duration
	MonitorInterval time.Duration
}

// service is the only writer of PlayerState. Every exported method takes mu
// for its whole duration, so process round-trips are serialized too.
type service struct {
	process         iProcess
	mediaStore      iMediaStore
	logger          *slog.Logger
	loop            bool
	refreshInterval time.Duration
	monitorInterval time.Duration
	now             func() time.Time

	mu          sync.Mutex
	state       PlayerState
	lastRefresh time.Time
	recovery    *recoveryPoint
}

func NewService(process iProcess, mediaStore iMediaStore, cfg *Config, logger *slog.Logger) *service {
	s := service{
		process:         process,
		mediaStore:      mediaStore,
		logger:          logger,
		loop:            cfg.Loop,
		refreshInterval: cfg.RefreshInterval,
		monitorInterval: cfg.MonitorInterval,
		now:             time.Now,
		state: PlayerState{
			State:         StateIdle,
			VolumePercent: clampVolume(cfg.Volume),
			Speed:         NormalSpeed,
		},
	}

	if s.refreshInterval <= 0 {
		s.refreshInterval = 500 * time.Millisecond
	}
	if s.monitorInterval <= 0 {
		s.monitorInterval = time.Second
	}

	return &s
}

// Play starts file from the beginning. An empty file resumes instead.
func (s *service) Play(ctx context.Context, file string) (PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if file == "" {
		err := s.resume(ctx)
		return s.state, err
	}

	path, err := s.mediaStore.Resolve(file)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return s.state, fmt.Errorf("%w: %s", ErrFileNotFound, file)
		}
		return s.state, fmt.Errorf("failed to resolve file: %w", err)
	}

	err = s.launch(ctx, file, path, 0)
	return s.state, err
}

func (s *service) Resume(ctx context.Context) (PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.resume(ctx)
	return s.state, err
}

// Pause toggles between playing and paused.
func (s *service) Pause(ctx context.Context) (PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch s.state.State {
	case StatePlaying:
		err = s.setPause(ctx, true)
	case StatePaused:
		err = s.setPause(ctx, false)
	}

	return s.state, err
}

func (s *service) SetPaused(ctx context.Context, paused bool) (PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch {
	case paused && s.state.State == StatePlaying:
		err = s.setPause(ctx, true)
	case !paused && s.state.State == StatePaused:
		err = s.setPause(ctx, false)
	}

	return s.state, err
}

func (s *service) Stop(ctx context.Context) (PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.process.Terminate(); err != nil {
		s.logger.WarnContext(ctx, "failed to terminate player", "error", err)
	}

	s.recovery = nil
	s.setIdle()

	s.logger.InfoContext(ctx, "playback stopped")
	return s.state, nil
}

func (s *service) Seek(ctx context.Context, position float64) (PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.seek(ctx, position)
	return s.state, err
}

func (s *service) Skip(ctx context.Context, delta float64) (PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.ProcessAlive || s.state.CurrentFile == "" {
		return s.state, fmt.Errorf("%w: no file loaded", ErrInvalidRange)
	}

	s.poll(ctx)
	if !s.state.ProcessAlive {
		return s.state, fmt.Errorf("%w: player process lost", player.ErrChannel)
	}

	err := s.seek(ctx, s.state.PositionSeconds+delta)
	return s.state, err
}

// SetVolume clamps percent to 0..100. Without a running player the value is
// kept and applied on the next launch.
func (s *service) SetVolume(ctx context.Context, percent int) (PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.VolumePercent = clampVolume(percent)
	if !s.state.ProcessAlive {
		return s.state, nil
	}

	if err := s.process.SendCommand(ctx, "set_property", "volume", s.state.VolumePercent); err != nil {
		return s.state, s.fail(ctx, fmt.Errorf("failed to set volume: %w", err))
	}

	return s.state, nil
}

// SetSpeed changes the playback rate of the running player, clamped to
// 0.25..4. mpv starts every file at normal speed.
func (s *service) SetSpeed(ctx context.Context, speed float64) (PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.ProcessAlive {
		return s.state, fmt.Errorf("%w: no file loaded", ErrInvalidRange)
	}

	speed = clamp(speed, 0.25, 4)
	if err := s.process.SendCommand(ctx, "set_property", "speed", speed); err != nil {
		return s.state, s.fail(ctx, fmt.Errorf("failed to set speed: %w", err))
	}

	s.state.Speed = speed
	s.logger.DebugContext(ctx, "speed changed", "speed", speed)
	return s.state, nil
}

// Snapshot returns the current state, querying the player at most once per
// refresh interval.
func (s *service) Snapshot(ctx context.Context) PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.poll(ctx)
	return s.state
}

// Run polls the player until ctx is done. It is the only way a crash is
// noticed while nobody calls the controller.
func (s *service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.refresh(ctx)
			s.mu.Unlock()
		}
	}
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setIdle()
	if err := s.process.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate player: %w", err)
	}

	return nil
}

func (s *service) launch(ctx context.Context, file, path string, position float64) error {
	if err := s.process.Start(ctx, &player.StartParams{
		File:          path,
		Volume:        s.state.VolumePercent,
		StartPosition: position,
	}); err != nil {
		s.setIdle()
		return fmt.Errorf("failed to start player: %w", err)
	}

	s.recovery = nil
	s.lastRefresh = time.Time{}
	s.state.State = StatePlaying
	s.state.CurrentFile = file
	s.state.PositionSeconds = position
	s.state.DurationSeconds = 0
	s.state.Speed = NormalSpeed
	s.state.ProcessAlive = true

	s.logger.InfoContext(ctx, "playback started", "file", file, "position", position)
	return nil
}

func (s *service) resume(ctx context.Context) error {
	switch s.state.State {
	case StatePaused:
		return s.setPause(ctx, false)
	case StateStopped:
		if s.atEnd() {
			if err := s.process.SendCommand(ctx, "seek", 0, "absolute"); err != nil {
				return s.fail(ctx, fmt.Errorf("failed to rewind: %w", err))
			}
			s.state.PositionSeconds = 0
		}
		return s.setPause(ctx, false)
	case StateIdle:
		if s.recovery == nil {
			return nil
		}

		rp := *s.recovery
		path, err := s.mediaStore.Resolve(rp.file)
		if err != nil {
			s.recovery = nil
			if errors.Is(err, media.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrFileNotFound, rp.file)
			}
			return fmt.Errorf("failed to resolve file: %w", err)
		}

		s.logger.InfoContext(ctx, "relaunching after player loss", "file", rp.file, "position", rp.position)
		return s.launch(ctx, rp.file, path, rp.position)
	}

	return nil
}

func (s *service) setPause(ctx context.Context, paused bool) error {
	if err := s.process.SendCommand(ctx, "set_property", "pause", paused); err != nil {
		return s.fail(ctx, fmt.Errorf("failed to set pause: %w", err))
	}

	if paused {
		s.state.State = StatePaused
	} else {
		s.state.State = StatePlaying
	}

	return nil
}

func (s *service) seek(ctx context.Context, position float64) error {
	if !s.state.ProcessAlive || s.state.CurrentFile == "" {
		return fmt.Errorf("%w: no file loaded", ErrInvalidRange)
	}

	if s.state.DurationSeconds <= 0 {
		d, err := s.queryFloat(ctx, "duration")
		if err != nil {
			if errors.Is(err, player.ErrChannel) {
				return s.fail(ctx, fmt.Errorf("failed to query duration: %w", err))
			}
			return fmt.Errorf("%w: duration unknown", ErrInvalidRange)
		}
		if d <= 0 {
			return fmt.Errorf("%w: duration unknown", ErrInvalidRange)
		}
		s.state.DurationSeconds = d
	}

	target := clamp(position, 0, s.state.DurationSeconds)
	if err := s.process.SendCommand(ctx, "seek", target, "absolute"); err != nil {
		return s.fail(ctx, fmt.Errorf("failed to seek: %w", err))
	}

	s.state.PositionSeconds = target
	if s.state.State == StateStopped {
		// mpv keeps the file open and paused after the end
		s.state.State = StatePaused
	}

	s.logger.DebugContext(ctx, "seek", "requested", position, "target", target)
	return nil
}

// atEnd reports whether the position is within endTolerance of the end of
// the file, or the duration is unknown.
func (s *service) atEnd() bool {
	return s.state.DurationSeconds <= 0 || s.state.PositionSeconds >= s.state.DurationSeconds-endTolerance
}

func (s *service) poll(ctx context.Context) {
	if s.now().Sub(s.lastRefresh) < s.refreshInterval {
		return
	}

	s.refresh(ctx)
}

// refresh reads position, pause flag, duration and end-of-file from the
// player. Rejected queries mean the property is not available yet and are
// skipped; a lost channel turns the state idle.
func (s *service) refresh(ctx context.Context) {
	s.lastRefresh = s.now()
	if !s.state.ProcessAlive {
		return
	}

	pos, err := s.queryFloat(ctx, "time-pos")
	if s.lost(ctx, err) {
		return
	}
	if err == nil {
		s.state.PositionSeconds = pos
	}

	if s.state.DurationSeconds <= 0 {
		d, err := s.queryFloat(ctx, "duration")
		if s.lost(ctx, err) {
			return
		}
		if err == nil {
			s.state.DurationSeconds = d
		}
	}

	paused, err := s.queryBool(ctx, "pause")
	if s.lost(ctx, err) {
		return
	}
	pausedKnown := err == nil

	eof, err := s.queryBool(ctx, "eof-reached")
	if s.lost(ctx, err) {
		return
	}

	if s.state.DurationSeconds > 0 {
		s.state.PositionSeconds = clamp(s.state.PositionSeconds, 0, s.state.DurationSeconds)
	}

	switch {
	case eof && s.state.Active():
		s.endOfFile(ctx)
	case pausedKnown && s.state.State == StatePlaying && paused:
		s.state.State = StatePaused
	case pausedKnown && s.state.State == StatePaused && !paused:
		s.state.State = StatePlaying
	}
}

func (s *service) endOfFile(ctx context.Context) {
	if !s.loop {
		s.state.State = StateStopped
		s.logger.InfoContext(ctx, "end of file reached", "file", s.state.CurrentFile)
		return
	}

	if err := s.process.SendCommand(ctx, "seek", 0, "absolute"); err != nil {
		s.fail(ctx, fmt.Errorf("failed to loop: %w", err))
		return
	}
	if err := s.process.SendCommand(ctx, "set_property", "pause", false); err != nil {
		s.fail(ctx, fmt.Errorf("failed to loop: %w", err))
		return
	}

	s.state.State = StatePlaying
	s.state.PositionSeconds = 0
	s.logger.DebugContext(ctx, "looping", "file", s.state.CurrentFile)
}

func (s *service) lost(ctx context.Context, err error) bool {
	if err == nil || !errors.Is(err, player.ErrChannel) {
		return false
	}

	s.fail(ctx, err)
	return true
}

// fail records a lost player as idle and keeps a recovery point for the next
// explicit play. Other errors pass through untouched.
func (s *service) fail(ctx context.Context, err error) error {
	if !errors.Is(err, player.ErrChannel) {
		return err
	}

	s.logger.WarnContext(ctx, "player process lost",
		"error", err,
		"file", s.state.CurrentFile,
		"position", s.state.PositionSeconds,
	)

	if s.state.CurrentFile != "" {
		s.recovery = &recoveryPoint{
			file:     s.state.CurrentFile,
			position: s.state.PositionSeconds,
		}
	}

	s.setIdle()
	if terr := s.process.Terminate(); terr != nil {
		s.logger.WarnContext(ctx, "failed to reap player", "error", terr)
	}

	return err
}

func (s *service) setIdle() {
	s.state.State = StateIdle
	s.state.CurrentFile = ""
	s.state.PositionSeconds = 0
	s.state.DurationSeconds = 0
	s.state.Speed = NormalSpeed
	s.state.ProcessAlive = false
}

func (s *service) queryFloat(ctx context.Context, name string) (float64, error) {
	v, err := s.process.QueryProperty(ctx, name)
	if err != nil {
		return 0, err
	}

	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T", player.ErrRejected, name, v)
	}

	return f, nil
}

func (s *service) queryBool(ctx context.Context, name string) (bool, error) {
	v, err := s.process.QueryProperty(ctx, name)
	if err != nil {
		return false, err
	}

	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s is %T", player.ErrRejected, name, v)
	}

	return b, nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

func clampVolume(v int) int {
	return max(0, min(v, 100))
}
