package substrate

import "errors"

var (
	ErrNoStorage      = errors.New("substrate: either a pool or storages must be provided")
	ErrAlreadyRunning = errors.New("substrate: already running")
)
