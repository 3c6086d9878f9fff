package syncnode

import (
	"errors"
	"time"

	"github.com/keep-on-walking/mpv-pi-player/internal/service/playback"
	"github.com/keep-on-walking/mpv-pi-player/internal/transport"
)

var (
	ErrNotMaster          = errors.New("node is not a master")
	ErrFileNotFoundOnSync = errors.New("file played by master is missing locally")
	ErrInvalidAddress     = errors.New("invalid master address")
	ErrUnknownCommand     = errors.New("unknown command")
)

type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeMaster     Mode = "master"
	ModeSlave      Mode = "slave"
)

type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventCommand  EventKind = "command"
)

type CommandName string

const (
	CommandPlay        CommandName = "play"
	CommandResume      CommandName = "resume"
	CommandPause       CommandName = "pause"
	CommandTogglePause CommandName = "toggle_pause"
	CommandStop        CommandName = "stop"
	CommandSeek        CommandName = "seek"
	CommandSkip        CommandName = "skip"
	CommandVolume      CommandName = "volume"
)

// CommandArgs holds the arguments of every command; each command reads only
// its own field.
type CommandArgs struct {
	File     string  `json:"file,omitempty"`
	Position float64 `json:"position,omitempty"`
	Delta    float64 `json:"delta,omitempty"`
	Volume   int     `json:"volume,omitempty"`
}

type Command struct {
	Name CommandName `json:"name"`
	Args CommandArgs `json:"args"`
}

// Event is the wire format between master and slaves. Timestamp is in unix
// seconds.
type Event struct {
	Sequence  uint64               `json:"sequence"`
	Kind      EventKind            `json:"kind"`
	Timestamp float64              `json:"timestamp"`
	State     playback.PlayerState `json:"state"`
	Command   *Command             `json:"command,omitempty"`
}

type RoleStatus struct {
	Mode          Mode                    `json:"mode"`
	MasterAddress string                  `json:"master_address,omitempty"`
	Connected     bool                    `json:"connected"`
	Slaves        []transport.SessionInfo `json:"slaves,omitempty"`
	// MissingFile is the master's file this slave does not have. Sync is
	// halted until the master moves on.
	MissingFile string `json:"missing_file,omitempty"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
