package lockstep

import (
	"github.com/LemmyAI/lockstep/internal/protocol"
)

type contribution struct {
	have    [protocol.MaxPlayers]bool
	latency [protocol.MaxPlayers]int16
	cmds    [protocol.MaxPlayers]protocol.TicDiff
}

// Aggregator buffers each player's tics in a BackupTics window and
// releases a bundle for a sequence once every in-game player has
// contributed to it. Bundles come out exactly once, in increasing order.
// Released bundles are kept for BackupTics sequences so they can be
// replayed on request.
type Aggregator struct {
	start   uint32
	inGame  [protocol.MaxPlayers]bool
	window  [protocol.BackupTics]contribution
	history [protocol.BackupTics]protocol.FullTicCmd
}

// NewAggregator creates an empty aggregator whose first bundle is seq 0.
func NewAggregator() *Aggregator {
	a := &Aggregator{}
	a.Reset()
	return a
}

// Reset clears all state for a new game.
func (a *Aggregator) Reset() {
	*a = Aggregator{}
}

// Start is the sequence of the next bundle to be released.
func (a *Aggregator) Start() uint32 { return a.start }

// SetInGame marks a player as taking part or not. Players who leave stop
// holding back later bundles.
func (a *Aggregator) SetInGame(player int, in bool) {
	if player >= 0 && player < protocol.MaxPlayers {
		a.inGame[player] = in
	}
}

func (a *Aggregator) InGame(player int) bool {
	return player >= 0 && player < protocol.MaxPlayers && a.inGame[player]
}

// Players returns how many players are in game.
func (a *Aggregator) Players() int {
	n := 0
	for _, in := range a.inGame {
		if in {
			n++
		}
	}
	return n
}

func (a *Aggregator) slot(seq uint32) *contribution {
	return &a.window[seq%protocol.BackupTics]
}

// Submit records player's tic for seq. Tics already held are kept as
// first received, so redundant copies are harmless.
func (a *Aggregator) Submit(player int, seq uint32, latency int16, diff protocol.TicDiff) error {
	if player < 0 || player >= protocol.MaxPlayers {
		return ErrBadPlayer
	}
	if !a.inGame[player] {
		return ErrNotInGame
	}
	if seq < a.start {
		return ErrStale
	}
	if seq >= a.start+protocol.BackupTics {
		return ErrOutsideWindow
	}

	c := a.slot(seq)
	if c.have[player] {
		return nil
	}
	c.have[player] = true
	c.latency[player] = latency
	c.cmds[player] = diff
	return nil
}

// Has reports whether player's tic for seq is buffered or released.
func (a *Aggregator) Has(player int, seq uint32) bool {
	if seq < a.start {
		return true
	}
	if seq >= a.start+protocol.BackupTics || player < 0 || player >= protocol.MaxPlayers {
		return false
	}
	return a.slot(seq).have[player]
}

// Ready reports whether the bundle at Start can be released.
func (a *Aggregator) Ready() bool {
	c := a.slot(a.start)
	active := false
	for p, in := range a.inGame {
		if !in {
			continue
		}
		if !c.have[p] {
			return false
		}
		active = true
	}
	return active
}

// Release emits the next bundle if it is complete.
func (a *Aggregator) Release() (protocol.FullTicCmd, bool) {
	if !a.Ready() {
		return protocol.FullTicCmd{}, false
	}

	c := a.slot(a.start)
	cmd := protocol.FullTicCmd{Seq: a.start}
	for p, in := range a.inGame {
		if !in {
			continue
		}
		cmd.PlayerInGame[p] = true
		cmd.Cmds[p] = c.cmds[p]
		if c.latency[p] > cmd.Latency {
			cmd.Latency = c.latency[p]
		}
	}

	a.history[a.start%protocol.BackupTics] = cmd
	*c = contribution{}
	a.start++
	return cmd, true
}

// ReleaseAll emits every bundle that is complete, in order.
func (a *Aggregator) ReleaseAll() []protocol.FullTicCmd {
	var out []protocol.FullTicCmd
	for {
		cmd, ok := a.Release()
		if !ok {
			return out
		}
		out = append(out, cmd)
	}
}

// Bundle returns a released bundle still held in the history.
func (a *Aggregator) Bundle(seq uint32) (protocol.FullTicCmd, bool) {
	if seq >= a.start || a.start-seq > protocol.BackupTics {
		return protocol.FullTicCmd{}, false
	}
	return a.history[seq%protocol.BackupTics], true
}

// MissingBefore returns the run of sequences immediately before seq that
// player has not supplied, if any. A player whose packet for seq arrives
// after a loss uses this to ask for the lost tics.
func (a *Aggregator) MissingBefore(player int, seq uint32) (Range, bool) {
	if player < 0 || player >= protocol.MaxPlayers || seq <= a.start {
		return Range{}, false
	}
	if seq > a.start+protocol.BackupTics {
		seq = a.start + protocol.BackupTics
	}

	end := seq
	first := end
	for first > a.start && !a.slot(first-1).have[player] {
		first--
	}
	if first == end {
		return Range{}, false
	}
	return Range{Start: first, Count: int(end - first)}, true
}
