package player

import "errors"

var (
	// ErrLaunch means the player process could not be started.
	ErrLaunch = errors.New("player launch failed")
	// ErrChannel means the control socket is gone or did not answer in
	// time. It is the only crash signal the player gives.
	ErrChannel = errors.New("player channel broken")
	// ErrRejected means the player answered with a non-success status,
	// for example a property that is not available yet.
	ErrRejected = errors.New("player rejected request")
)
