package client

import (
	"errors"
	"fmt"
)

var (
	ErrTimedOut      = errors.New("connection timed out")
	ErrNotConnected  = errors.New("not connected")
	ErrNotController = errors.New("not the controller")
	ErrNotLaunched   = errors.New("game not launched")
	ErrNotReady      = errors.New("players not ready")
	ErrNotRunning    = errors.New("game not running")
	ErrDrone         = errors.New("drones do not send tics")
)

// RejectedError is returned when the server refuses the connection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by server: %s", e.Reason)
}
