package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const maxIPCLine = 1 << 20

type ipcRequest struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

type ipcResponse struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
}

// ipcConn is a persistent connection to mpv's JSON IPC socket. Replies are
// matched to requests by request_id; event lines are dropped.
type ipcConn struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[int64]chan ipcResponse
	nextID  atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func dialIPC(ctx context.Context, socketPath string, logger *slog.Logger) (*ipcConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}

	c := &ipcConn{
		conn:    conn,
		logger:  logger,
		pending: make(map[int64]chan ipcResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

func (c *ipcConn) readLoop() {
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxIPCLine)

	for sc.Scan() {
		var resp ipcResponse
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			c.logger.Debug("skipping malformed ipc line", "error", err)
			continue
		}

		if resp.Event != "" || resp.RequestID == 0 {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		delete(c.pending, resp.RequestID)
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(err)
}

func (c *ipcConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.conn.Close()
	})
}

func (c *ipcConn) Close() error {
	c.shutdown(net.ErrClosed)
	return nil
}

func (c *ipcConn) request(ctx context.Context, timeout time.Duration, args ...any) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, errors.New("empty ipc command")
	}

	select {
	case <-c.closed:
		return nil, fmt.Errorf("%w: %w", ErrChannel, c.closeErr)
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan ipcResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	line, err := json.Marshal(ipcRequest{Command: args, RequestID: id})
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err = c.conn.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return nil, fmt.Errorf("%w: %w", ErrChannel, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "success" {
			return nil, fmt.Errorf("%w: %v: %s", ErrRejected, args[0], resp.Error)
		}
		return resp.Data, nil
	case <-c.closed:
		return nil, fmt.Errorf("%w: %w", ErrChannel, c.closeErr)
	case <-timer.C:
		return nil, fmt.Errorf("%w: no reply to %v within %s", ErrChannel, args[0], timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
