package settings

import "errors"

var ErrNotFound = errors.New("settings not found")

// Settings survive restarts of the node. Volume is -1 until first saved.
type Settings struct {
	Mode          string `redis:"mode"`
	MasterAddress string `redis:"master_address"`
	Volume        int    `redis:"volume"`
}

// UpdateParams changes only the non-nil fields.
type UpdateParams struct {
	Mode          *string
	MasterAddress *string
	Volume        *int
}
