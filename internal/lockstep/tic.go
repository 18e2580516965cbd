package lockstep

import (
	"github.com/LemmyAI/lockstep/internal/protocol"
)

// Tic is a bundle with every player's diff applied: the input one
// simulation step consumes.
type Tic struct {
	Seq     uint32
	Latency int16
	InGame  [protocol.MaxPlayers]bool
	Cmds    [protocol.MaxPlayers]protocol.TicCmd
}

// Expander turns bundles into full commands by patching each player's
// diff onto that player's previous command. Bundles must be fed in order.
type Expander struct {
	last [protocol.MaxPlayers]protocol.TicCmd
}

func (e *Expander) Expand(full protocol.FullTicCmd) Tic {
	t := Tic{Seq: full.Seq, Latency: full.Latency, InGame: full.PlayerInGame}
	for p, in := range full.PlayerInGame {
		if !in {
			continue
		}
		e.last[p] = protocol.Patch(e.last[p], full.Cmds[p])
		t.Cmds[p] = e.last[p]
	}
	return t
}

func (e *Expander) Reset() { *e = Expander{} }
