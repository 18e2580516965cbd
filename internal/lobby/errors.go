package lobby

import "errors"

var (
	ErrLobbyFull     = errors.New("lobby is full")
	ErrPlayersFull   = errors.New("all player slots are taken")
	ErrNotInLobby    = errors.New("node not in lobby")
	ErrNotController = errors.New("only the controller can perform this action")
)
