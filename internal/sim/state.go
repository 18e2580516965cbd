// Package sim is a small deterministic game that consumes released tics.
// Every node folding the same tics reaches the same Digest.
package sim

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/LemmyAI/lockstep/internal/lockstep"
	"github.com/LemmyAI/lockstep/internal/protocol"
)

// Config holds simulation configuration.
type Config struct {
	TickRate    int   // Tics per second (default: 35)
	Speed       int32 // Units per move step (default: 2)
	WorldWidth  int32 // World bounds (default: 4096)
	WorldHeight int32
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickRate:    35,
		Speed:       2,
		WorldWidth:  4096,
		WorldHeight: 4096,
	}
}

// Vec2 is a 2D integer vector.
type Vec2 struct {
	X int32
	Y int32
}

// directions are unit moves for the eight compass headings, scaled by 16.
var directions = [8]Vec2{
	{16, 0}, {11, 11}, {0, 16}, {-11, 11},
	{-16, 0}, {-11, -11}, {0, -16}, {11, -11},
}

// Player is one simulated player.
type Player struct {
	InGame   bool
	Position Vec2
	Angle    uint16
	Buttons  uint8
	Moves    uint64
}

// State is the simulated world.
type State struct {
	mu      sync.RWMutex
	config  Config
	ticDup  int
	tick    uint64
	players [protocol.MaxPlayers]Player
}

// NewState creates a world. Each applied tic advances ticDup game tics.
func NewState(config Config, ticDup int) *State {
	if ticDup < 1 {
		ticDup = 1
	}
	s := &State{config: config, ticDup: ticDup}
	for i := range s.players {
		s.players[i].Position = Vec2{X: config.WorldWidth / 2, Y: config.WorldHeight / 2}
	}
	return s
}

// Apply runs one released tic.
func (s *State) Apply(t lockstep.Tic) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for d := 0; d < s.ticDup; d++ {
		for i := range s.players {
			p := &s.players[i]
			p.InGame = t.InGame[i]
			if p.InGame {
				s.move(p, t.Cmds[i])
			}
		}
		s.tick++
	}
}

func (s *State) move(p *Player, cmd protocol.TicCmd) {
	p.Angle += uint16(cmd.AngleTurn)
	p.Buttons = cmd.Buttons

	fwd := directions[p.Angle>>13]
	side := directions[(p.Angle>>13+6)%8] // 90 degrees clockwise
	speed := s.config.Speed
	dx := (fwd.X*int32(cmd.ForwardMove) + side.X*int32(cmd.SideMove)) * speed / 16
	dy := (fwd.Y*int32(cmd.ForwardMove) + side.Y*int32(cmd.SideMove)) * speed / 16
	if dx == 0 && dy == 0 {
		return
	}
	p.Moves++

	p.Position.X = clamp(p.Position.X+dx, 0, s.config.WorldWidth)
	p.Position.Y = clamp(p.Position.Y+dy, 0, s.config.WorldHeight)
}

func clamp(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Tick returns the number of game tics run.
func (s *State) Tick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// Player returns a copy of player i.
func (s *State) Player(i int) Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.players[i]
}

// Digest hashes the whole world.
func (s *State) Digest() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := xxhash.New()
	buf := binary.LittleEndian.AppendUint64(nil, s.tick)
	for _, p := range s.players {
		if !p.InGame {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1, p.Buttons)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Position.X))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Position.Y))
		buf = binary.LittleEndian.AppendUint16(buf, p.Angle)
		buf = binary.LittleEndian.AppendUint64(buf, p.Moves)
	}
	h.Write(buf)
	return h.Sum64()
}

func formatDigest(d uint64) string {
	return strconv.FormatUint(d, 16)
}
