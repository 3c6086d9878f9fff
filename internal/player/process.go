package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Binary        string
	SocketPath    string
	HardwareAccel bool
	DisplayOutput string

	StartTimeout   time.Duration
	RequestTimeout time.Duration
	GracePeriod    time.Duration
}

type StartParams struct {
	File          string
	Volume        int
	StartPosition float64
}

// Process owns at most one mpv child and its control socket.
type Process struct {
	opts          Options
	logger        *slog.Logger
	detectDisplay func(output string) bool

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	ipc    *ipcConn
}

func NewProcess(opts *Options, logger *slog.Logger) *Process {
	o := *opts
	if o.Binary == "" {
		o.Binary = "mpv"
	}
	if o.SocketPath == "" {
		o.SocketPath = "/tmp/mpvsocket"
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 3 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}

	return &Process{
		opts:          o,
		logger:        logger,
		detectDisplay: displayConnected,
	}
}

// Start terminates the running process, if any, and launches a new one.
func (p *Process) Start(ctx context.Context, params *StartParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.terminateLocked()

	bin, err := exec.LookPath(p.opts.Binary)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	if err := os.Remove(p.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: failed to remove stale socket: %w", ErrLaunch, err)
	}

	cmd := exec.Command(bin, p.args(params)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		p.logger.Debug("player process exited", "pid", cmd.Process.Pid, "error", err)
		close(exited)
	}()

	ipc, err := p.waitForSocket(ctx, exited)
	if err != nil {
		cmd.Process.Kill()
		<-exited
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	p.cmd = cmd
	p.exited = exited
	p.ipc = ipc

	p.logger.InfoContext(ctx, "player process started", "pid", cmd.Process.Pid, "file", params.File)
	return nil
}

func (p *Process) waitForSocket(ctx context.Context, exited <-chan struct{}) (*ipcConn, error) {
	deadline := time.NewTimer(p.opts.StartTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-exited:
			return nil, errors.New("process exited before the control socket was ready")
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("control socket %s not ready after %s", p.opts.SocketPath, p.opts.StartTimeout)
		case <-ticker.C:
			ipc, err := dialIPC(ctx, p.opts.SocketPath, p.logger)
			if err == nil {
				return ipc, nil
			}
		}
	}
}

func (p *Process) args(params *StartParams) []string {
	args := []string{
		"--input-ipc-server=" + p.opts.SocketPath,
		"--idle=yes",
		"--keep-open=yes",
		"--fullscreen",
		"--no-border",
		"--no-osc",
		"--no-osd-bar",
		"--no-input-default-bindings",
		"--no-input-cursor",
		"--cursor-autohide=no",
		"--no-terminal",
		"--really-quiet",
		"--video-sync=display-resample",
		fmt.Sprintf("--volume=%d", params.Volume),
	}

	if p.detectDisplay(p.opts.DisplayOutput) {
		if p.opts.HardwareAccel {
			args = append(args, "--hwdec=auto-copy")
		}
		args = append(args, "--vo=drm", "--drm-connector="+p.opts.DisplayOutput)
	} else {
		args = append(args, "--vo=null", "--ao=null")
	}

	if params.StartPosition > 0 {
		args = append(args, fmt.Sprintf("--start=%.3f", params.StartPosition))
	}

	if params.File != "" {
		args = append(args, "--", params.File)
	}

	return args
}

func (p *Process) current() *ipcConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ipc
}

func (p *Process) SendCommand(ctx context.Context, args ...any) error {
	ipc := p.current()
	if ipc == nil {
		return fmt.Errorf("%w: no player process", ErrChannel)
	}

	_, err := ipc.request(ctx, p.opts.RequestTimeout, args...)
	return err
}

func (p *Process) QueryProperty(ctx context.Context, name string) (any, error) {
	ipc := p.current()
	if ipc == nil {
		return nil, fmt.Errorf("%w: no player process", ErrChannel)
	}

	data, err := ipc.request(ctx, p.opts.RequestTimeout, "get_property", name)
	if err != nil {
		return nil, err
	}

	var v any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode property %s: %w", name, err)
		}
	}

	return v, nil
}

// Terminate asks the player to quit and kills it after the grace period.
// Calling it without a running process is a no-op.
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.terminateLocked()
	return nil
}

func (p *Process) terminateLocked() {
	if p.cmd == nil {
		return
	}

	quitCtx, cancel := context.WithTimeout(context.Background(), p.opts.RequestTimeout)
	p.ipc.request(quitCtx, p.opts.RequestTimeout, "quit")
	cancel()

	select {
	case <-p.exited:
	case <-time.After(p.opts.GracePeriod):
		p.logger.Warn("player did not quit in time, killing", "pid", p.cmd.Process.Pid)
		p.cmd.Process.Kill()
		<-p.exited
	}

	p.ipc.Close()
	os.Remove(p.opts.SocketPath)

	p.cmd = nil
	p.exited = nil
	p.ipc = nil
}

func displayConnected(output string) bool {
	if output == "" {
		return false
	}

	matches, _ := filepath.Glob("/sys/class/drm/card*-" + output + "/status")
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) == "connected" {
			return true
		}
	}

	return false
}
