package server

import (
	"time"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

// Config for a session server.
type Config struct {
	// MaxPlayers caps playing nodes; drones fill the remaining node slots.
	MaxPlayers  int
	Description string
	Version     string

	// Expected content. When nil, the first admitted node sets it.
	GameMode    *uint8
	GameMission *uint8
	WadSHA1     *protocol.SHA1
	DehSHA1     *protocol.SHA1

	// WaitDataPeriod is how often the lobby snapshot is re-sent.
	WaitDataPeriod time.Duration

	// Query responses per second and burst.
	QueryRate  float64
	QueryBurst int

	// Master server to register with, empty to stay private.
	MasterAddr string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPlayers:     protocol.MaxPlayers,
		Description:    "lockstep server",
		Version:        "lockstep 1.0",
		WaitDataPeriod: time.Second,
		QueryRate:      20,
		QueryBurst:     40,
	}
}
