package syncnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/keep-on-walking/mpv-pi-player/internal/repository/settings"
	"github.com/keep-on-walking/mpv-pi-player/internal/service/playback"
	"github.com/keep-on-walking/mpv-pi-player/internal/transport"
)

type iController interface {
	Play(ctx context.Context, file string) (playback.PlayerState, error)
	Resume(context.Context) (playback.PlayerState, error)
	Pause(context.Context) (playback.PlayerState, error)
	SetPaused(ctx context.Context, paused bool) (playback.PlayerState, error)
	Stop(context.Context) (playback.PlayerState, error)
	Seek(ctx context.Context, position float64) (playback.PlayerState, error)
	Skip(ctx context.Context, delta float64) (playback.PlayerState, error)
	SetVolume(ctx context.Context, percent int) (playback.PlayerState, error)
	SetSpeed(ctx context.Context, speed float64) (playback.PlayerState, error)
	Snapshot(context.Context) playback.PlayerState
}

type iHub interface {
	Open(transport.JoinFunc)
	Close()
	Broadcast(ctx context.Context, v any) error
	SendTo(ctx context.Context, sessionID string, v any) error
	Sessions() []transport.SessionInfo
}

type iSettingsRepo interface {
	Get(context.Context) (settings.Settings, error)
	Update(context.Context, *settings.UpdateParams) error
}

type Config struct {
	// DriftThreshold is in seconds. Above it a slave seeks.
	DriftThreshold float64
	// Between SpeedBand and DriftThreshold seconds a slave nudges its
	// playback speed by SpeedAdjust instead.
	SpeedBand         float64
	SpeedAdjust       float64
	SnapshotInterval  time.Duration
	ReconcileInterval time.Duration
	VolumeTolerance   int
	Transport         transport.ClientConfig
	// Used by Restore when nothing has been saved yet.
	InitialMode          Mode
	InitialMasterAddress string
}

type service struct {
	controller   iController
	hub          iHub
	settingsRepo iSettingsRepo
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time

	mu   sync.RWMutex
	role role
}

func NewService(controller iController, hub iHub, settingsRepo iSettingsRepo, cfg *Config, logger *slog.Logger) *service {
	s := service{
		controller:   controller,
		hub:          hub,
		settingsRepo: settingsRepo,
		cfg:          *cfg,
		logger:       logger,
		now:          time.Now,
		role:         standaloneRole{},
	}

	if s.cfg.DriftThreshold <= 0 {
		s.cfg.DriftThreshold = 2.0
	}
	if s.cfg.SpeedBand <= 0 {
		s.cfg.SpeedBand = 0.2
	}
	if s.cfg.SpeedAdjust <= 0 {
		s.cfg.SpeedAdjust = 0.05
	}
	if s.cfg.SnapshotInterval <= 0 {
		s.cfg.SnapshotInterval = time.Second
	}
	if s.cfg.ReconcileInterval <= 0 {
		s.cfg.ReconcileInterval = s.cfg.SnapshotInterval
	}
	if s.cfg.VolumeTolerance <= 0 {
		s.cfg.VolumeTolerance = 5
	}

	return &s
}

// Execute applies cmd to the local controller. On a master the applied
// command is broadcast to the slaves with toggles and relative seeks resolved,
// so every slave replays the same absolute intent. Pause and resume requests
// that left the player as it was are not broadcast.
func (s *service) Execute(ctx context.Context, cmd Command) (playback.PlayerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	applied, st, changed, err := s.apply(ctx, cmd)
	if err != nil {
		return st, err
	}

	if m, ok := s.role.(*masterRole); ok && changed {
		m.emit(ctx, s, EventCommand, st, &applied)
	}

	return st, nil
}

// apply runs cmd and reports whether it changed the player. Only commands
// that may be no-ops (pause, resume and toggles) are checked; the rest always
// count as changes.
func (s *service) apply(ctx context.Context, cmd Command) (Command, playback.PlayerState, bool, error) {
	var (
		st  playback.PlayerState
		err error
	)

	var before *playback.PlayerState
	switch {
	case cmd.Name == CommandResume, cmd.Name == CommandPause, cmd.Name == CommandTogglePause,
		cmd.Name == CommandPlay && cmd.Args.File == "":
		prev := s.controller.Snapshot(ctx)
		before = &prev
	}

	switch cmd.Name {
	case CommandPlay:
		st, err = s.controller.Play(ctx, cmd.Args.File)
		if err == nil && cmd.Args.File == "" {
			cmd = Command{Name: CommandResume}
		}
	case CommandResume:
		st, err = s.controller.Resume(ctx)
	case CommandPause:
		st, err = s.controller.SetPaused(ctx, true)
	case CommandTogglePause:
		st, err = s.controller.Pause(ctx)
		switch {
		case err != nil:
		case before.State == st.State:
			// nothing to toggle in idle or stopped
		case st.State == playback.StatePaused:
			cmd = Command{Name: CommandPause}
		case st.State == playback.StatePlaying:
			cmd = Command{Name: CommandResume}
		}
	case CommandStop:
		st, err = s.controller.Stop(ctx)
	case CommandSeek:
		st, err = s.controller.Seek(ctx, cmd.Args.Position)
	case CommandSkip:
		st, err = s.controller.Skip(ctx, cmd.Args.Delta)
		if err == nil {
			cmd = Command{Name: CommandSeek, Args: CommandArgs{Position: st.PositionSeconds}}
		}
	case CommandVolume:
		st, err = s.controller.SetVolume(ctx, cmd.Args.Volume)
		if err == nil {
			s.saveVolume(ctx, st.VolumePercent)
		}
	default:
		return cmd, s.controller.Snapshot(ctx), false, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}

	if err != nil {
		return cmd, st, false, fmt.Errorf("failed to %s: %w", cmd.Name, err)
	}

	changed := before == nil || before.State != st.State || before.CurrentFile != st.CurrentFile
	return cmd, st, changed, nil
}

func (s *service) Status() RoleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status()
}

func (s *service) status() RoleStatus {
	switch r := s.role.(type) {
	case *masterRole:
		return RoleStatus{Mode: ModeMaster, Slaves: s.hub.Sessions()}
	case *slaveRole:
		return RoleStatus{
			Mode:          ModeSlave,
			MasterAddress: r.address,
			Connected:     r.isConnected(),
			MissingFile:   r.missing(),
		}
	default:
		return RoleStatus{Mode: ModeStandalone}
	}
}

// Slaves lists the sessions connected to this master.
func (s *service) Slaves() ([]transport.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.role.(*masterRole); !ok {
		return nil, ErrNotMaster
	}

	return s.hub.Sessions(), nil
}

func (s *service) BecomeMaster(ctx context.Context) (RoleStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.role.(*masterRole); ok {
		return s.status(), nil
	}

	s.stopRole(ctx)
	s.role = s.startMaster()
	s.saveRole(ctx, ModeMaster, "")

	s.logger.InfoContext(ctx, "became master")
	return s.status(), nil
}

// ConnectToMaster switches to the slave role. If the first dial fails the
// node still stays a slave and keeps retrying in the background; the error
// is returned so the caller knows the master is not reachable yet.
func (s *service) ConnectToMaster(ctx context.Context, address string) (RoleStatus, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil || host == "" || port == "" {
		return s.Status(), fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopRole(ctx)
	sl := s.startSlave(address)
	s.role = sl
	s.saveRole(ctx, ModeSlave, address)

	conn, err := sl.client.Dial(ctx, address)
	s.runSlave(sl, conn)

	if err != nil {
		s.logger.WarnContext(ctx, "master not reachable, retrying in background", "address", address, "error", err)
		return s.status(), err
	}

	s.logger.InfoContext(ctx, "connected to master", "address", address)
	return s.status(), nil
}

func (s *service) Disconnect(ctx context.Context) (RoleStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopRole(ctx)
	s.saveRole(ctx, ModeStandalone, "")

	s.logger.InfoContext(ctx, "switched to standalone")
	return s.status(), nil
}

// Close stops the current role without saving anything.
func (s *service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopRole(context.Background())
}

// Restore brings back the saved volume and role. A master that cannot be
// reached is not an error here; the node keeps retrying.
func (s *service) Restore(ctx context.Context) error {
	saved, err := s.settingsRepo.Get(ctx)
	if err != nil {
		if !errors.Is(err, settings.ErrNotFound) {
			return fmt.Errorf("failed to get settings: %w", err)
		}
		saved = settings.Settings{
			Mode:          string(s.cfg.InitialMode),
			MasterAddress: s.cfg.InitialMasterAddress,
			Volume:        -1,
		}
	}

	if saved.Volume >= 0 {
		if _, err := s.controller.SetVolume(ctx, saved.Volume); err != nil {
			s.logger.WarnContext(ctx, "failed to restore volume", "error", err)
		}
	}

	var roleErr error
	switch Mode(saved.Mode) {
	case ModeMaster:
		_, roleErr = s.BecomeMaster(ctx)
	case ModeSlave:
		_, roleErr = s.ConnectToMaster(ctx, saved.MasterAddress)
		if errors.Is(roleErr, transport.ErrConnect) {
			roleErr = nil
		}
	}
	if roleErr != nil {
		return fmt.Errorf("failed to restore role: %w", roleErr)
	}

	return nil
}

// stopRole cancels the loops of the current role and waits for them, so no
// reconciliation or broadcast from the old role runs after it returns.
func (s *service) stopRole(ctx context.Context) {
	switch r := s.role.(type) {
	case *masterRole:
		s.hub.Close()
		r.stop()
		s.logger.InfoContext(ctx, "stopped broadcasting")
	case *slaveRole:
		r.stop()
		s.logger.InfoContext(ctx, "stopped following master", "address", r.address)
	}

	s.role = standaloneRole{}
}

func (s *service) saveRole(ctx context.Context, mode Mode, address string) {
	m := string(mode)
	if err := s.settingsRepo.Update(ctx, &settings.UpdateParams{
		Mode:          &m,
		MasterAddress: &address,
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to save role", "error", err)
	}
}

func (s *service) saveVolume(ctx context.Context, volume int) {
	if err := s.settingsRepo.Update(ctx, &settings.UpdateParams{Volume: &volume}); err != nil {
		s.logger.WarnContext(ctx, "failed to save volume", "error", err)
	}
}
