package lockstep

import "errors"

var (
	ErrNotInGame      = errors.New("player not in game")
	ErrStale          = errors.New("tic already released")
	ErrOutsideWindow  = errors.New("tic outside the backup window")
	ErrBadPlayer      = errors.New("player number out of range")
	ErrNothingToBuild = errors.New("too far ahead of the server")
)
