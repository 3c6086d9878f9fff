package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrUnknownKind    = errors.New("unknown message kind")
	ErrInvalidMessage = errors.New("invalid message")
)

type message struct {
	Kind string `json:"kind"`
}

type HandlerFunc[T any] func(ctx context.Context, conn *websocket.Conn, payload T) error

type Middleware func(next HandlerFunc[json.RawMessage]) HandlerFunc[json.RawMessage]

type ErrorHandler func(ctx context.Context, conn *websocket.Conn, err error)

// WSRouter dispatches text frames to handlers by their "kind" field. The
// whole frame is decoded into the handler's payload type.
type WSRouter struct {
	routes      map[string]HandlerFunc[json.RawMessage]
	middlewares []Middleware
	onError     ErrorHandler
	readTimeout time.Duration
}

func New() *WSRouter {
	return &WSRouter{routes: make(map[string]HandlerFunc[json.RawMessage])}
}

func Handle[T any](r *WSRouter, kind string, handler HandlerFunc[T]) {
	r.routes[kind] = func(ctx context.Context, conn *websocket.Conn, raw json.RawMessage) error {
		var payload T
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}

		return handler(ctx, conn, payload)
	}
}

func (r *WSRouter) Use(mws ...Middleware) {
	r.middlewares = append(r.middlewares, mws...)
}

func (r *WSRouter) OnError(h ErrorHandler) {
	r.onError = h
}

// SetReadTimeout makes ServeConn fail when no frame arrives within d.
func (r *WSRouter) SetReadTimeout(d time.Duration) {
	r.readTimeout = d
}

func (r *WSRouter) ServeConn(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	for {
		if r.readTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
				return err
			}
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.handleError(ctx, conn, fmt.Errorf("%w: %w", ErrInvalidMessage, err))
			continue
		}

		handler, exists := r.routes[msg.Kind]
		if !exists {
			r.handleError(ctx, conn, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind))
			continue
		}

		for i := len(r.middlewares) - 1; i >= 0; i-- {
			handler = r.middlewares[i](handler)
		}

		msgCtx := context.WithValue(ctx, messageKindKey, msg.Kind)
		if err := handler(msgCtx, conn, data); err != nil {
			r.handleError(msgCtx, conn, err)
		}
	}
}

func (r *WSRouter) handleError(ctx context.Context, conn *websocket.Conn, err error) {
	if r.onError != nil {
		r.onError(ctx, conn, err)
	}
}
