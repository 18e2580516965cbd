package lockstep

import (
	"time"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

type received struct {
	have      bool
	cmd       protocol.FullTicCmd
	requested time.Time
}

// Receiver is the client's window of incoming bundles. Bundles may arrive
// in any order; Next hands them out strictly in sequence.
type Receiver struct {
	start   uint32
	highest uint32 // one past the highest sequence seen
	window  [protocol.BackupTics]received
}

// Start is the sequence Next will release next.
func (r *Receiver) Start() uint32 { return r.start }

// Reset clears the window for a new game.
func (r *Receiver) Reset() { *r = Receiver{} }

func (r *Receiver) slot(seq uint32) *received {
	return &r.window[seq%protocol.BackupTics]
}

// Store buffers a bundle. Duplicates are ignored.
func (r *Receiver) Store(cmd protocol.FullTicCmd) error {
	if cmd.Seq < r.start {
		return ErrStale
	}
	if cmd.Seq >= r.start+protocol.BackupTics {
		return ErrOutsideWindow
	}
	s := r.slot(cmd.Seq)
	if s.have {
		return nil
	}
	s.have = true
	s.cmd = cmd
	if cmd.Seq+1 > r.highest {
		r.highest = cmd.Seq + 1
	}
	return nil
}

// Next releases the bundle at Start if it has arrived.
func (r *Receiver) Next() (protocol.FullTicCmd, bool) {
	s := r.slot(r.start)
	if !s.have {
		return protocol.FullTicCmd{}, false
	}
	cmd := s.cmd
	*s = received{}
	r.start++
	return cmd, true
}

// Gaps returns runs of missing sequences that precede a sequence already
// received and have not been requested within timeout. The returned
// sequences are marked as requested at now.
func (r *Receiver) Gaps(now time.Time, timeout time.Duration) []Range {
	var gaps []Range
	var cur *Range

	for seq := r.start; seq < r.highest; seq++ {
		s := r.slot(seq)
		due := !s.have && (s.requested.IsZero() || now.Sub(s.requested) >= timeout)
		if !due {
			cur = nil
			continue
		}
		s.requested = now
		if cur != nil && cur.Count < 0xff {
			cur.Count++
			continue
		}
		gaps = append(gaps, Range{Start: seq, Count: 1})
		cur = &gaps[len(gaps)-1]
	}
	return gaps
}
