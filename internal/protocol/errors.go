package protocol

import "errors"

var (
	// ErrUnderrun is returned when a read needs more bytes than remain.
	// Callers drop the packet.
	ErrUnderrun = errors.New("packet underrun")

	ErrBadSettings    = errors.New("invalid game settings")
	ErrTooManyPlayers = errors.New("player count exceeds limit")
)
