package lockstep

import (
	"github.com/LemmyAI/lockstep/internal/protocol"
)

// SentTic is a tic this node built and sent.
type SentTic struct {
	Seq     uint32
	Latency int16
	Diff    protocol.TicDiff
}

// SendQueue keeps the last BackupTics tics this node sent, so they can be
// sent again as extra tics or on a resend request.
type SendQueue struct {
	next   uint32
	acked  uint32
	window [protocol.BackupTics]SentTic
}

// Next is the sequence the next pushed tic will get.
func (q *SendQueue) Next() uint32 { return q.next }

// Acked is the first sequence the server has not confirmed.
func (q *SendQueue) Acked() uint32 { return q.acked }

// Reset clears the queue for a new game.
func (q *SendQueue) Reset() { *q = SendQueue{} }

// Push appends a tic and returns its sequence.
func (q *SendQueue) Push(latency int16, diff protocol.TicDiff) uint32 {
	seq := q.next
	q.window[seq%protocol.BackupTics] = SentTic{Seq: seq, Latency: latency, Diff: diff}
	q.next++
	return seq
}

// Get returns a tic that is still held.
func (q *SendQueue) Get(seq uint32) (SentTic, bool) {
	if seq >= q.next || q.next-seq > protocol.BackupTics {
		return SentTic{}, false
	}
	return q.window[seq%protocol.BackupTics], true
}

// Ack records that the server holds every tic before seq.
func (q *SendQueue) Ack(seq uint32) {
	if seq > q.acked && seq <= q.next {
		q.acked = seq
	}
}

// Recent returns up to n+1 tics ending with the newest one, oldest
// first: the newest tic plus n redundant copies of earlier ones that the
// server has not yet confirmed.
func (q *SendQueue) Recent(n int) []SentTic {
	if q.next == 0 {
		return nil
	}
	first := q.next - 1
	for i := 0; i < n && first > q.acked && q.next-first < protocol.BackupTics; i++ {
		first--
	}
	out := make([]SentTic, 0, q.next-first)
	for seq := first; seq < q.next; seq++ {
		out = append(out, q.window[seq%protocol.BackupTics])
	}
	return out
}
