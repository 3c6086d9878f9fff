package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keep-on-walking/mpv-pi-player/pkg/wsrouter"
)

var ErrConnect = errors.New("failed to connect to master")

type ClientConfig struct {
	Path              string
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
}

type ClientHooks struct {
	OnConnect    func(ctx context.Context)
	OnDisconnect func(ctx context.Context, err error)
}

// Client is the slave side of the sync transport. Incoming frames are
// dispatched through router.
type Client struct {
	cfg    ClientConfig
	router *wsrouter.WSRouter
	hooks  ClientHooks
	logger *slog.Logger
	dialer websocket.Dialer
}

func NewClient(router *wsrouter.WSRouter, hooks ClientHooks, cfg *ClientConfig, logger *slog.Logger) *Client {
	c := Client{
		cfg:    *cfg,
		router: router,
		hooks:  hooks,
		logger: logger,
	}

	if c.cfg.Path == "" {
		c.cfg.Path = "/api/v1/sync/ws"
	}
	if c.cfg.HandshakeTimeout <= 0 {
		c.cfg.HandshakeTimeout = 5 * time.Second
	}
	if c.cfg.ReadTimeout <= 0 {
		c.cfg.ReadTimeout = 5 * time.Second
	}
	if c.cfg.HeartbeatInterval <= 0 {
		c.cfg.HeartbeatInterval = 2 * time.Second
	}
	if c.cfg.BackoffMin <= 0 {
		c.cfg.BackoffMin = time.Second
	}
	if c.cfg.BackoffMax <= 0 {
		c.cfg.BackoffMax = 30 * time.Second
	}

	c.dialer = websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	router.SetReadTimeout(c.cfg.ReadTimeout)

	return &c
}

// Dial opens one connection to the master at address (host:port).
func (c *Client) Dial(ctx context.Context, address string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: address, Path: c.cfg.Path}

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConnect, address, err)
	}

	return conn, nil
}

// Serve reads frames from conn until it fails or ctx is done.
func (c *Client) Serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(ctx)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go c.heartbeat(ctx, conn)

	err := c.router.ServeConn(ctx, conn)
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(ctx, err)
	}

	return err
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			conn.SetWriteDeadline(t.Add(c.cfg.HeartbeatInterval))
			if err := conn.WriteJSON(Heartbeat{
				Kind:      "heartbeat",
				Timestamp: float64(t.UnixMilli()) / 1000,
			}); err != nil {
				c.logger.DebugContext(ctx, "failed to send heartbeat", "error", err)
				return
			}
		}
	}
}

// Run serves conn, if given, and then keeps reconnecting to address with
// exponential backoff until ctx is done.
func (c *Client) Run(ctx context.Context, address string, conn *websocket.Conn) {
	backoff := Backoff{Min: c.cfg.BackoffMin, Max: c.cfg.BackoffMax}

	for {
		if conn != nil {
			backoff.Reset()
			err := c.Serve(ctx, conn)
			conn = nil
			if ctx.Err() != nil {
				return
			}
			c.logger.WarnContext(ctx, "lost connection to master", "address", address, "error", err)
		}

		wait := backoff.Next()
		c.logger.InfoContext(ctx, "reconnecting to master", "address", address, "in", wait.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		var err error
		conn, err = c.Dial(ctx, address)
		if err != nil {
			c.logger.WarnContext(ctx, "reconnect failed", "error", err)
		}
	}
}
