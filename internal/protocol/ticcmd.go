package protocol

// TicCmd is one node's input for one tic.
type TicCmd struct {
	ForwardMove int8
	SideMove    int8
	AngleTurn   int16
	ChatChar    uint8
	Buttons     uint8
	Consistency uint16

	// Raven extensions.
	LookFly uint8
	Arti    uint8

	// Strife extensions.
	Buttons2  uint8
	Inventory int16
}

// DiffFlags says which TicCmd fields a TicDiff carries.
type DiffFlags uint8

const (
	DiffForward DiffFlags = 1 << iota
	DiffSide
	DiffTurn
	DiffButtons
	DiffConsistency
	DiffChatChar
	DiffRaven
	DiffStrife
)

// TicDiff pairs a TicCmd with the set of fields that changed since the
// previous tic of the same node.
type TicDiff struct {
	Diff DiffFlags
	Cmd  TicCmd
}

// FullTicCmd is the bundle of every in-game player's diff for one tic.
// Seq is carried by the enclosing packet, not by the record itself.
type FullTicCmd struct {
	Seq          uint32
	Latency      int16
	PlayerInGame [MaxPlayers]bool
	Cmds         [MaxPlayers]TicDiff
}

// Diff computes the TicDiff that turns prev into cur.
func Diff(prev, cur TicCmd) TicDiff {
	d := TicDiff{Cmd: cur}
	if prev.ForwardMove != cur.ForwardMove {
		d.Diff |= DiffForward
	}
	if prev.SideMove != cur.SideMove {
		d.Diff |= DiffSide
	}
	if prev.AngleTurn != cur.AngleTurn {
		d.Diff |= DiffTurn
	}
	if prev.Buttons != cur.Buttons {
		d.Diff |= DiffButtons
	}
	if prev.Consistency != cur.Consistency {
		d.Diff |= DiffConsistency
	}
	// chat characters are events, not state
	if cur.ChatChar != 0 {
		d.Diff |= DiffChatChar
	}
	if prev.LookFly != cur.LookFly || prev.Arti != cur.Arti {
		d.Diff |= DiffRaven
	}
	if prev.Buttons2 != cur.Buttons2 || prev.Inventory != cur.Inventory {
		d.Diff |= DiffStrife
	}
	return d
}

// Patch applies diff on top of base.
func Patch(base TicCmd, diff TicDiff) TicCmd {
	out := base
	if diff.Diff&DiffForward != 0 {
		out.ForwardMove = diff.Cmd.ForwardMove
	}
	if diff.Diff&DiffSide != 0 {
		out.SideMove = diff.Cmd.SideMove
	}
	if diff.Diff&DiffTurn != 0 {
		out.AngleTurn = diff.Cmd.AngleTurn
	}
	if diff.Diff&DiffButtons != 0 {
		out.Buttons = diff.Cmd.Buttons
	}
	if diff.Diff&DiffConsistency != 0 {
		out.Consistency = diff.Cmd.Consistency
	}
	out.ChatChar = 0
	if diff.Diff&DiffChatChar != 0 {
		out.ChatChar = diff.Cmd.ChatChar
	}
	if diff.Diff&DiffRaven != 0 {
		out.LookFly = diff.Cmd.LookFly
		out.Arti = diff.Cmd.Arti
	}
	if diff.Diff&DiffStrife != 0 {
		out.Buttons2 = diff.Cmd.Buttons2
		out.Inventory = diff.Cmd.Inventory
	}
	return out
}

// WriteTicDiff encodes only the flagged fields. With lowres the turn is
// sent as its high byte.
func WriteTicDiff(p *Packet, d TicDiff, lowres bool) {
	p.WriteUint8(uint8(d.Diff))
	if d.Diff&DiffForward != 0 {
		p.WriteInt8(d.Cmd.ForwardMove)
	}
	if d.Diff&DiffSide != 0 {
		p.WriteInt8(d.Cmd.SideMove)
	}
	if d.Diff&DiffTurn != 0 {
		if lowres {
			p.WriteInt8(int8(d.Cmd.AngleTurn / 256))
		} else {
			p.WriteInt16(d.Cmd.AngleTurn)
		}
	}
	if d.Diff&DiffButtons != 0 {
		p.WriteUint8(d.Cmd.Buttons)
	}
	if d.Diff&DiffConsistency != 0 {
		p.WriteUint16(d.Cmd.Consistency)
	}
	if d.Diff&DiffChatChar != 0 {
		p.WriteUint8(d.Cmd.ChatChar)
	}
	if d.Diff&DiffRaven != 0 {
		p.WriteUint8(d.Cmd.LookFly)
		p.WriteUint8(d.Cmd.Arti)
	}
	if d.Diff&DiffStrife != 0 {
		p.WriteUint8(d.Cmd.Buttons2)
		p.WriteInt16(d.Cmd.Inventory)
	}
}

// ReadTicDiff decodes a diff written by WriteTicDiff. Fields that are not
// flagged are left zero.
func ReadTicDiff(p *Packet, lowres bool) (TicDiff, error) {
	var d TicDiff
	flags, err := p.ReadUint8()
	if err != nil {
		return d, err
	}
	d.Diff = DiffFlags(flags)
	if d.Diff&DiffForward != 0 {
		if d.Cmd.ForwardMove, err = p.ReadInt8(); err != nil {
			return d, err
		}
	}
	if d.Diff&DiffSide != 0 {
		if d.Cmd.SideMove, err = p.ReadInt8(); err != nil {
			return d, err
		}
	}
	if d.Diff&DiffTurn != 0 {
		if lowres {
			v, err := p.ReadInt8()
			if err != nil {
				return d, err
			}
			d.Cmd.AngleTurn = int16(v) * 256
		} else if d.Cmd.AngleTurn, err = p.ReadInt16(); err != nil {
			return d, err
		}
	}
	if d.Diff&DiffButtons != 0 {
		if d.Cmd.Buttons, err = p.ReadUint8(); err != nil {
			return d, err
		}
	}
	if d.Diff&DiffConsistency != 0 {
		if d.Cmd.Consistency, err = p.ReadUint16(); err != nil {
			return d, err
		}
	}
	if d.Diff&DiffChatChar != 0 {
		if d.Cmd.ChatChar, err = p.ReadUint8(); err != nil {
			return d, err
		}
	}
	if d.Diff&DiffRaven != 0 {
		if d.Cmd.LookFly, err = p.ReadUint8(); err != nil {
			return d, err
		}
		if d.Cmd.Arti, err = p.ReadUint8(); err != nil {
			return d, err
		}
	}
	if d.Diff&DiffStrife != 0 {
		if d.Cmd.Buttons2, err = p.ReadUint8(); err != nil {
			return d, err
		}
		if d.Cmd.Inventory, err = p.ReadInt16(); err != nil {
			return d, err
		}
	}
	return d, nil
}

// WriteFullTicCmd encodes latency, an in-game bitfield and one diff per
// in-game player.
func WriteFullTicCmd(p *Packet, cmd FullTicCmd, lowres bool) {
	p.WriteInt16(cmd.Latency)
	var bits uint8
	for i, in := range cmd.PlayerInGame {
		if in {
			bits |= 1 << i
		}
	}
	p.WriteUint8(bits)
	for i, in := range cmd.PlayerInGame {
		if in {
			WriteTicDiff(p, cmd.Cmds[i], lowres)
		}
	}
}

func ReadFullTicCmd(p *Packet, lowres bool) (FullTicCmd, error) {
	var cmd FullTicCmd
	var err error
	if cmd.Latency, err = p.ReadInt16(); err != nil {
		return cmd, err
	}
	bits, err := p.ReadUint8()
	if err != nil {
		return cmd, err
	}
	for i := range cmd.PlayerInGame {
		if bits&(1<<i) == 0 {
			continue
		}
		cmd.PlayerInGame[i] = true
		if cmd.Cmds[i], err = ReadTicDiff(p, lowres); err != nil {
			return cmd, err
		}
	}
	return cmd, nil
}
