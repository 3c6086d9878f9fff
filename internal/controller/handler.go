package controller

import (
	"errors"
	"net/http"
	"time"

	"github.com/keep-on-walking/mpv-pi-player/internal/service/syncnode"
	"github.com/keep-on-walking/mpv-pi-player/internal/transport"
	"github.com/keep-on-walking/mpv-pi-player/pkg/rest"
)

const defaultSkipSeconds = 30

type healthResponse struct {
	Status        string  `json:"status"`
	Timestamp     float64 `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (c controller) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	rest.WriteJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Timestamp:     float64(now.UnixMicro()) / 1e6,
		UptimeSeconds: now.Sub(c.startedAt).Seconds(),
	})
}

func (c controller) status(w http.ResponseWriter, r *http.Request) {
	hostname, err := c.hostname()
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to get hostname", "error", err)
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": rest.Envelope{
		"player":   c.playback.Snapshot(r.Context()),
		"role":     c.node.Status(),
		"hostname": hostname,
	}})
}

func (c controller) listFiles(w http.ResponseWriter, r *http.Request) {
	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": c.library.List()})
}

// decode reads and validates the request body into req. It writes the
// error response itself and reports whether the handler may go on.
func (c controller) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := rest.ReadJSON(r, req); err != nil {
		c.logger.InfoContext(r.Context(), "failed to read request body", "error", err)
		rest.WriteJSON(w, http.StatusUnprocessableEntity, rest.Envelope{"error": err.Error()})
		return false
	}

	if validationErrors, ok := c.validate.Validate(req); !ok {
		c.logger.InfoContext(r.Context(), "invalid request", "errors", validationErrors)
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"errors": validationErrors})
		return false
	}

	return true
}

func (c controller) execute(w http.ResponseWriter, r *http.Request, cmd syncnode.Command) {
	st, err := c.node.Execute(r.Context(), cmd)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": st})
}

type playRequest struct {
	File string `json:"file"`
}

// play starts req.File, or resumes the current file when none is given.
func (c controller) play(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if !c.decode(w, r, &req) {
		return
	}

	c.execute(w, r, syncnode.Command{
		Name: syncnode.CommandPlay,
		Args: syncnode.CommandArgs{File: req.File},
	})
}

func (c controller) pause(w http.ResponseWriter, r *http.Request) {
	c.execute(w, r, syncnode.Command{Name: syncnode.CommandTogglePause})
}

func (c controller) resume(w http.ResponseWriter, r *http.Request) {
	c.execute(w, r, syncnode.Command{Name: syncnode.CommandResume})
}

func (c controller) stop(w http.ResponseWriter, r *http.Request) {
	c.execute(w, r, syncnode.Command{Name: syncnode.CommandStop})
}

type seekRequest struct {
	Position *float64 `json:"position" validate:"required"`
}

func (c controller) seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if !c.decode(w, r, &req) {
		return
	}

	c.execute(w, r, syncnode.Command{
		Name: syncnode.CommandSeek,
		Args: syncnode.CommandArgs{Position: *req.Position},
	})
}

type skipRequest struct {
	Seconds *float64 `json:"seconds"`
}

func (c controller) skip(w http.ResponseWriter, r *http.Request) {
	var req skipRequest
	if !c.decode(w, r, &req) {
		return
	}

	delta := float64(defaultSkipSeconds)
	if req.Seconds != nil {
		delta = *req.Seconds
	}

	c.execute(w, r, syncnode.Command{
		Name: syncnode.CommandSkip,
		Args: syncnode.CommandArgs{Delta: delta},
	})
}

type volumeRequest struct {
	Level *int `json:"level" validate:"required"`
}

func (c controller) volume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !c.decode(w, r, &req) {
		return
	}

	c.execute(w, r, syncnode.Command{
		Name: syncnode.CommandVolume,
		Args: syncnode.CommandArgs{Volume: *req.Level},
	})
}

func (c controller) syncStatus(w http.ResponseWriter, r *http.Request) {
	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": c.node.Status()})
}

func (c controller) listSlaves(w http.ResponseWriter, r *http.Request) {
	slaves, err := c.node.Slaves()
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": slaves})
}

func (c controller) becomeMaster(w http.ResponseWriter, r *http.Request) {
	status, err := c.node.BecomeMaster(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": status})
}

type connectToMasterRequest struct {
	MasterAddress string `json:"master_address" validate:"required,hostname_port"`
}

func (c controller) connectToMaster(w http.ResponseWriter, r *http.Request) {
	var req connectToMasterRequest
	if !c.decode(w, r, &req) {
		return
	}

	status, err := c.node.ConnectToMaster(r.Context(), req.MasterAddress)
	if errors.Is(err, transport.ErrConnect) {
		// the node is a slave now and keeps retrying
		rest.WriteJSON(w, http.StatusBadGateway, rest.Envelope{"error": err.Error(), "data": status})
		return
	}
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": status})
}

func (c controller) disconnect(w http.ResponseWriter, r *http.Request) {
	status, err := c.node.Disconnect(r.Context())
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	rest.WriteJSON(w, http.StatusOK, rest.Envelope{"data": status})
}
