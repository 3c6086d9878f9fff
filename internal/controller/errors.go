package controller

import (
	"errors"
	"net/http"

	"github.com/keep-on-walking/mpv-pi-player/internal/player"
	"github.com/keep-on-walking/mpv-pi-player/internal/service/playback"
	"github.com/keep-on-walking/mpv-pi-player/internal/service/syncnode"
	"github.com/keep-on-walking/mpv-pi-player/internal/transport"
	"github.com/keep-on-walking/mpv-pi-player/pkg/rest"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, playback.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, playback.ErrInvalidRange),
		errors.Is(err, syncnode.ErrInvalidAddress),
		errors.Is(err, syncnode.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, syncnode.ErrNotMaster):
		return http.StatusConflict
	case errors.Is(err, transport.ErrConnect):
		return http.StatusBadGateway
	case errors.Is(err, player.ErrChannel):
		return http.StatusServiceUnavailable
	default:
		// player.ErrLaunch, player.ErrRejected and anything unexpected
		return http.StatusInternalServerError
	}
}

func (c controller) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		c.logger.ErrorContext(r.Context(), "request failed", "error", err)
	} else {
		c.logger.InfoContext(r.Context(), "request rejected", "error", err)
	}

	rest.WriteJSON(w, status, rest.Envelope{"error": err.Error()})
}
