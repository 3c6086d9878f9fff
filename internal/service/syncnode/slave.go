package syncnode

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keep-on-walking/mpv-pi-player/internal/service/playback"
	"github.com/keep-on-walking/mpv-pi-player/internal/transport"
	"github.com/keep-on-walking/mpv-pi-player/pkg/ctxlogger"
	"github.com/keep-on-walking/mpv-pi-player/pkg/wsrouter"
)

type slaveRole struct {
	address string
	client  *transport.Client
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// applyMu serializes replayed commands and reconciliation.
	applyMu sync.Mutex

	mu          sync.Mutex
	lastSeq     uint64
	synced      bool
	connected   bool
	latest      *Event
	receivedAt  time.Time
	missingFile string
}

func (*slaveRole) mode() Mode { return ModeSlave }

func (s *service) startSlave(address string) *slaveRole {
	ctx := ctxlogger.AppendCtx(context.Background(), slog.String("role", string(ModeSlave)))
	ctx = ctxlogger.AppendCtx(ctx, slog.String("master_address", address))
	ctx, cancel := context.WithCancel(ctx)

	sl := &slaveRole{
		address: address,
		ctx:     ctx,
		cancel:  cancel,
	}

	router := wsrouter.New()
	router.OnError(func(ctx context.Context, conn *websocket.Conn, err error) {
		s.logger.WarnContext(ctx, "bad event from master", "error", err)
	})
	onEvent := func(ctx context.Context, conn *websocket.Conn, ev Event) error {
		s.onEvent(ctx, sl, ev)
		return nil
	}
	wsrouter.Handle(router, string(EventSnapshot), onEvent)
	wsrouter.Handle(router, string(EventCommand), onEvent)

	sl.client = transport.NewClient(router, transport.ClientHooks{
		OnConnect: func(ctx context.Context) {
			sl.resetSession(true)
			s.logger.InfoContext(ctx, "master session started")
		},
		OnDisconnect: func(ctx context.Context, err error) {
			sl.resetSession(false)
			s.logger.InfoContext(ctx, "master session ended", "error", err)
		},
	}, &s.cfg.Transport, s.logger)

	return sl
}

// runSlave serves conn, when the first dial succeeded, and keeps the
// reconnect and reconciliation loops going until the role is stopped.
func (s *service) runSlave(sl *slaveRole, conn *websocket.Conn) {
	sl.wg.Add(2)
	go func() {
		defer sl.wg.Done()
		sl.client.Run(sl.ctx, sl.address, conn)
	}()
	go func() {
		defer sl.wg.Done()
		s.reconcileLoop(sl)
	}()
}

func (sl *slaveRole) stop() {
	sl.cancel()
	sl.wg.Wait()
}

// resetSession starts sequence tracking from scratch: a new session carries
// no sequence context, and nothing is reconciled until its first snapshot.
func (sl *slaveRole) resetSession(connected bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	sl.connected = connected
	sl.lastSeq = 0
	sl.synced = false
	sl.latest = nil
}

func (sl *slaveRole) isConnected() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	return sl.connected
}

func (sl *slaveRole) missing() string {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	return sl.missingFile
}

// accept records ev as applied. Events at or below the last applied
// sequence, and commands before the first snapshot, are refused.
func (sl *slaveRole) accept(ev Event, now time.Time) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if ev.Sequence <= sl.lastSeq {
		return false
	}
	if ev.Kind != EventSnapshot && !sl.synced {
		return false
	}

	sl.lastSeq = ev.Sequence
	if ev.Kind == EventSnapshot {
		sl.synced = true
	}
	sl.latest = &ev
	sl.receivedAt = now

	return true
}

func (s *service) onEvent(ctx context.Context, sl *slaveRole, ev Event) {
	if !sl.accept(ev, s.now()) {
		s.logger.DebugContext(ctx, "discarding event", "sequence", ev.Sequence, "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case EventSnapshot:
		s.reconcile(ctx, sl)
	case EventCommand:
		if ev.Command != nil {
			s.replay(ctx, sl, *ev.Command)
		}
	}
}

func (s *service) replay(ctx context.Context, sl *slaveRole, cmd Command) {
	sl.applyMu.Lock()
	defer sl.applyMu.Unlock()

	s.logger.DebugContext(ctx, "replaying command", "command", cmd.Name)

	_, _, _, err := s.apply(ctx, cmd)
	switch {
	case errors.Is(err, playback.ErrFileNotFound):
		s.fileMissing(ctx, sl, cmd.Args.File)
	case err != nil:
		s.logger.WarnContext(ctx, "failed to replay command", "command", cmd.Name, "error", err)
	}
}

func (s *service) reconcileLoop(sl *slaveRole) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sl.ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(sl.ctx, sl)
		}
	}
}

// reconcile moves the local player towards the last state seen from the
// master: same file, same play/pause state, position within the drift
// threshold and volume within tolerance. Small drift is absorbed by running
// slightly faster or slower rather than seeking.
func (s *service) reconcile(ctx context.Context, sl *slaveRole) {
	sl.applyMu.Lock()
	defer sl.applyMu.Unlock()

	sl.mu.Lock()
	ev, receivedAt := sl.latest, sl.receivedAt
	if ev != nil && sl.missingFile != "" && ev.State.CurrentFile != sl.missingFile {
		sl.missingFile = ""
	}
	missing := sl.missingFile
	sl.mu.Unlock()

	if ev == nil {
		return
	}

	master := ev.State
	local := s.controller.Snapshot(ctx)

	if master.State == playback.StateIdle || master.CurrentFile == "" {
		if local.State != playback.StateIdle {
			s.logger.InfoContext(ctx, "master is idle, stopping")
			s.correct(ctx, "stop", func() (playback.PlayerState, error) {
				return s.controller.Stop(ctx)
			})
		}
		return
	}

	if master.CurrentFile == missing {
		return
	}

	if local.CurrentFile != master.CurrentFile || !local.ProcessAlive {
		s.logger.InfoContext(ctx, "following master to file", "file", master.CurrentFile)
		st, err := s.controller.Play(ctx, master.CurrentFile)
		if errors.Is(err, playback.ErrFileNotFound) {
			s.fileMissing(ctx, sl, master.CurrentFile)
			return
		}
		if err != nil {
			s.logger.WarnContext(ctx, "failed to play master's file", "file", master.CurrentFile, "error", err)
			return
		}
		local = st
	}

	switch {
	case master.State == playback.StatePaused && local.State == playback.StatePlaying,
		master.State == playback.StateStopped && local.State == playback.StatePlaying:
		local = s.correct(ctx, "pause", func() (playback.PlayerState, error) {
			return s.controller.SetPaused(ctx, true)
		})
	case master.State == playback.StatePlaying && local.State == playback.StatePaused:
		local = s.correct(ctx, "resume", func() (playback.PlayerState, error) {
			return s.controller.SetPaused(ctx, false)
		})
	case master.State == playback.StatePlaying && local.State == playback.StateStopped:
		local = s.correct(ctx, "resume", func() (playback.PlayerState, error) {
			return s.controller.Resume(ctx)
		})
	}

	if !local.ProcessAlive {
		return
	}

	target := master.PositionSeconds
	if master.State == playback.StatePlaying {
		target += s.now().Sub(receivedAt).Seconds()
	}

	// positive when the slave is behind
	drift := target - local.PositionSeconds
	speed := playback.NormalSpeed
	switch {
	case math.Abs(drift) > s.cfg.DriftThreshold:
		s.logger.InfoContext(ctx, "correcting drift",
			"drift", drift,
			"local_position", local.PositionSeconds,
			"target", target,
		)
		local = s.correct(ctx, "seek", func() (playback.PlayerState, error) {
			return s.controller.Seek(ctx, target)
		})
	case math.Abs(drift) > s.cfg.SpeedBand && master.State == playback.StatePlaying && local.State == playback.StatePlaying:
		if drift > 0 {
			speed += s.cfg.SpeedAdjust
		} else {
			speed -= s.cfg.SpeedAdjust
		}
	}

	if current := local.Speed; current != speed && (current != 0 || speed != playback.NormalSpeed) {
		s.logger.DebugContext(ctx, "adjusting speed", "drift", drift, "speed", speed)
		local = s.correct(ctx, "speed", func() (playback.PlayerState, error) {
			return s.controller.SetSpeed(ctx, speed)
		})
	}

	if diff := master.VolumePercent - local.VolumePercent; diff > s.cfg.VolumeTolerance || -diff > s.cfg.VolumeTolerance {
		s.correct(ctx, "volume", func() (playback.PlayerState, error) {
			return s.controller.SetVolume(ctx, master.VolumePercent)
		})
	}
}

// correct runs one corrective call. Failures are logged and left for the
// next tick; the returned state is the controller's view either way.
func (s *service) correct(ctx context.Context, what string, fn func() (playback.PlayerState, error)) playback.PlayerState {
	st, err := fn()
	if err != nil {
		s.logger.WarnContext(ctx, "correction failed", "correction", what, "error", err)
	}

	return st
}

func (s *service) fileMissing(ctx context.Context, sl *slaveRole, file string) {
	sl.mu.Lock()
	already := sl.missingFile == file
	sl.missingFile = file
	sl.mu.Unlock()

	if !already {
		s.logger.WarnContext(ctx, "halting sync for file", "file", file, "error", ErrFileNotFoundOnSync)
	}
}
