package controller

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/keep-on-walking/mpv-pi-player/internal/media"
	"github.com/keep-on-walking/mpv-pi-player/internal/service/playback"
	"github.com/keep-on-walking/mpv-pi-player/internal/service/syncnode"
	"github.com/keep-on-walking/mpv-pi-player/internal/transport"
	"github.com/keep-on-walking/mpv-pi-player/pkg/validator"
)

type iNode interface {
	Execute(context.Context, syncnode.Command) (playback.PlayerState, error)
	Status() syncnode.RoleStatus
	Slaves() ([]transport.SessionInfo, error)
	BecomeMaster(context.Context) (syncnode.RoleStatus, error)
	ConnectToMaster(ctx context.Context, address string) (syncnode.RoleStatus, error)
	Disconnect(context.Context) (syncnode.RoleStatus, error)
}

type iPlayback interface {
	Snapshot(context.Context) playback.PlayerState
}

type iLibrary interface {
	List() []media.MediaFile
}

type controller struct {
	node      iNode
	playback  iPlayback
	library   iLibrary
	syncHub   http.Handler
	validate  *validator.Validator
	logger    *slog.Logger
	startedAt time.Time
	hostname  func() (string, error)
}

// NewController builds the HTTP API. syncHub serves the websocket endpoint
// slaves connect to.
func NewController(node iNode, playback iPlayback, library iLibrary, syncHub http.Handler, logger *slog.Logger) *controller {
	return &controller{
		node:      node,
		playback:  playback,
		library:   library,
		syncHub:   syncHub,
		validate:  validator.NewValidator(),
		logger:    logger,
		startedAt: time.Now(),
		hostname:  os.Hostname,
	}
}
