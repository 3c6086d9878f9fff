package playback

import "errors"

var (
	ErrFileNotFound = errors.New("file not found")
	ErrInvalidRange = errors.New("invalid range")
)

const NormalSpeed = 1.0

type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// PlayerState is what the node reports about its local player. CurrentFile
// is the media name, not the resolved path.
type PlayerState struct {
	State           State   `json:"state"`
	CurrentFile     string  `json:"current_file,omitempty"`
	PositionSeconds float64 `json:"position_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	VolumePercent   int     `json:"volume_percent"`
	// Speed is the playback rate, 1.0 being normal.
	Speed        float64 `json:"speed"`
	ProcessAlive bool    `json:"process_alive"`
}

func (s PlayerState) Active() bool {
	return s.State == StatePlaying || s.State == StatePaused
}

type recoveryPoint struct {
	file     string
	position float64
}
