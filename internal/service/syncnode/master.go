package syncnode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keep-on-walking/mpv-pi-player/internal/service/playback"
	"github.com/keep-on-walking/mpv-pi-player/pkg/ctxlogger"
)

// role is one of standaloneRole, *masterRole or *slaveRole.
type role interface {
	mode() Mode
}

type standaloneRole struct{}

func (standaloneRole) mode() Mode { return ModeStandalone }

type masterRole struct {
	cancel context.CancelFunc
	done   chan struct{}

	// sendMu keeps sequence numbers in the order events are queued.
	sendMu sync.Mutex
	seq    uint64
}

func (*masterRole) mode() Mode { return ModeMaster }

func (s *service) startMaster() *masterRole {
	ctx := ctxlogger.AppendCtx(context.Background(), slog.String("role", string(ModeMaster)))
	ctx, cancel := context.WithCancel(ctx)

	m := &masterRole{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.hub.Open(func(ctx context.Context, sessionID string) {
		m.sendSnapshot(ctx, s, sessionID, s.controller.Snapshot(ctx))
	})
	go m.run(ctx, s)

	return m
}

// run broadcasts a snapshot every interval, with or without commands in
// between, so drifted slaves catch up.
func (m *masterRole) run(ctx context.Context, s *service) {
	defer close(m.done)

	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emit(ctx, s, EventSnapshot, s.controller.Snapshot(ctx), nil)
		}
	}
}

func (m *masterRole) stop() {
	m.cancel()
	<-m.done
}

func (m *masterRole) emit(ctx context.Context, s *service, kind EventKind, st playback.PlayerState, cmd *Command) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.seq++
	ev := Event{
		Sequence:  m.seq,
		Kind:      kind,
		Timestamp: unixSeconds(s.now()),
		State:     st,
		Command:   cmd,
	}

	if err := s.hub.Broadcast(ctx, ev); err != nil {
		s.logger.DebugContext(ctx, "failed to broadcast event", "sequence", ev.Sequence, "error", err)
	}
}

func (m *masterRole) sendSnapshot(ctx context.Context, s *service, sessionID string, st playback.PlayerState) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.seq++
	ev := Event{
		Sequence:  m.seq,
		Kind:      EventSnapshot,
		Timestamp: unixSeconds(s.now()),
		State:     st,
	}

	if err := s.hub.SendTo(ctx, sessionID, ev); err != nil {
		s.logger.WarnContext(ctx, "failed to send snapshot to new slave", "error", err)
	}
}
