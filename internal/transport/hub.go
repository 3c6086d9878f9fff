package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/keep-on-walking/mpv-pi-player/internal/repository/connection/inmemory"
	"github.com/keep-on-walking/mpv-pi-player/pkg/ctxlogger"
	"github.com/keep-on-walking/mpv-pi-player/pkg/rest"
	"github.com/keep-on-walking/mpv-pi-player/pkg/wsrouter"
)

var (
	ErrHubClosed       = errors.New("sync hub is closed")
	ErrSessionNotFound = errors.New("sync session not found")
)

// Heartbeat is sent by slaves to keep their session alive.
type Heartbeat struct {
	Kind      string  `json:"kind"`
	Timestamp float64 `json:"timestamp"`
}

type iPeerRepo interface {
	Add(*peer, string) error
	RemoveByPeer(*peer) (string, error)
	GetPeer(string) (*peer, error)
	List() []*peer
	Count() int
}

// JoinFunc is called once a new session is registered, before any frame
// from it is read.
type JoinFunc func(ctx context.Context, sessionID string)

type HubConfig struct {
	SendTimeout time.Duration
	SendQueue   int
	ReadTimeout time.Duration
}

type peer struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	lastSeen atomic.Int64
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// Hub is the master side of the sync transport. It accepts slave websocket
// connections while open and fans events out to them. Each session has its
// own send goroutine, so a stalled slave only ever loses its own session.
type Hub struct {
	peers    iPeerRepo
	cfg      HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *wsrouter.WSRouter

	mu     sync.RWMutex
	open   bool
	onJoin JoinFunc
}

func NewHub(cfg *HubConfig, logger *slog.Logger) *Hub {
	h := Hub{
		peers:  inmemory.NewRepo[*peer](),
		cfg:    *cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if h.cfg.SendTimeout <= 0 {
		h.cfg.SendTimeout = 5 * time.Second
	}
	if h.cfg.SendQueue <= 0 {
		h.cfg.SendQueue = 64
	}
	if h.cfg.ReadTimeout <= 0 {
		h.cfg.ReadTimeout = 15 * time.Second
	}

	h.router = wsrouter.New()
	h.router.SetReadTimeout(h.cfg.ReadTimeout)
	h.router.Use(logKindMw)
	h.router.OnError(func(ctx context.Context, conn *websocket.Conn, err error) {
		h.logger.WarnContext(ctx, "bad message from slave", "error", err)
	})
	wsrouter.Handle(h.router, "heartbeat", h.handleHeartbeat)

	return &h
}

func logKindMw(next wsrouter.HandlerFunc[json.RawMessage]) wsrouter.HandlerFunc[json.RawMessage] {
	return func(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
		ctx = ctxlogger.AppendCtx(ctx, slog.String("message_kind", wsrouter.GetMessageKindFromCtx(ctx)))
		return next(ctx, conn, payload)
	}
}

// Open starts accepting slaves.
func (h *Hub) Open(onJoin JoinFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.open = true
	h.onJoin = onJoin
}

// Close stops accepting slaves and drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	h.open = false
	h.onJoin = nil
	peers := h.peers.List()
	h.mu.Unlock()

	for _, p := range peers {
		ctx := ctxlogger.AppendCtx(context.Background(), slog.String("session_id", p.id))
		h.drop(ctx, p, "hub closed")
	}
}

func (h *Hub) IsOpen() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.open
}

func (h *Hub) SessionCount() int {
	return h.peers.Count()
}

type SessionInfo struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

func (h *Hub) Sessions() []SessionInfo {
	peers := h.peers.List()
	sessions := make([]SessionInfo, 0, len(peers))
	for _, p := range peers {
		sessions = append(sessions, SessionInfo{
			ID:       p.id,
			LastSeen: time.Unix(0, p.lastSeen.Load()),
		})
	}

	return sessions
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.IsOpen() {
		rest.WriteJSON(w, http.StatusConflict, rest.Envelope{"error": "node is not a master"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to upgrade connection", "error", err)
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.cfg.SendQueue),
		done: make(chan struct{}),
	}
	p.lastSeen.Store(time.Now().UnixNano())

	ctx := ctxlogger.AppendCtx(context.WithoutCancel(r.Context()), slog.String("session_id", p.id))
	ctx = context.WithValue(ctx, sessionIDKey, p.id)

	h.mu.Lock()
	if !h.open {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if err := h.peers.Add(p, p.id); err != nil {
		h.mu.Unlock()
		h.logger.ErrorContext(ctx, "failed to register session", "error", err)
		conn.Close()
		return
	}
	onJoin := h.onJoin
	h.mu.Unlock()

	h.logger.InfoContext(ctx, "slave connected", "remote_addr", r.RemoteAddr)
	go h.writeLoop(ctx, p)

	if onJoin != nil {
		onJoin(ctx, p.id)
	}

	err = h.router.ServeConn(ctx, conn)
	h.drop(ctx, p, fmt.Sprintf("read: %v", err))
}

// Broadcast queues v for every connected session. It never blocks on a slow
// slave: a session whose queue is full is dropped.
func (h *Hub) Broadcast(ctx context.Context, v any) error {
	if !h.IsOpen() {
		return ErrHubClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, p := range h.peers.List() {
		h.enqueue(ctx, p, data)
	}

	return nil
}

func (h *Hub) SendTo(ctx context.Context, sessionID string, v any) error {
	p, err := h.peers.GetPeer(sessionID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.enqueue(ctx, p, data)
	return nil
}

func (h *Hub) enqueue(ctx context.Context, p *peer, data []byte) {
	select {
	case <-p.done:
	case p.send <- data:
	default:
		h.drop(ctx, p, "send queue full")
	}
}

func (h *Hub) writeLoop(ctx context.Context, p *peer) {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(h.cfg.SendTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(ctx, p, fmt.Sprintf("write: %v", err))
				return
			}
		}
	}
}

func (h *Hub) drop(ctx context.Context, p *peer, reason string) {
	p.close()

	if _, err := h.peers.RemoveByPeer(p); err != nil {
		return
	}

	h.logger.InfoContext(ctx, "slave disconnected", "reason", reason)
}

func (h *Hub) handleHeartbeat(ctx context.Context, conn *websocket.Conn, msg Heartbeat) error {
	id, _ := ctx.Value(sessionIDKey).(string)
	p, err := h.peers.GetPeer(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	p.lastSeen.Store(time.Now().UnixNano())
	h.logger.DebugContext(ctx, "heartbeat", "sent_at", msg.Timestamp)
	return nil
}
