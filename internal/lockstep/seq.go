// Package lockstep holds the tic windows that turn per-player input into
// one ordered stream of bundles: the server-side Aggregator, and the
// client-side Receiver and SendQueue.
package lockstep

import "fmt"

// ExpandTicNum reconstructs a full sequence number from its low byte,
// choosing the value closest to base.
func ExpandTicNum(base uint32, b uint8) uint32 {
	l := base & 0xff
	h := base &^ 0xff
	result := h | uint32(b)

	if l < 0x40 && b > 0xb0 && h > 0 {
		result -= 0x100
	}
	if l > 0xb0 && b < 0x40 {
		result += 0x100
	}
	return result
}

// Range is a run of consecutive sequence numbers.
type Range struct {
	Start uint32
	Count int
}

// End returns the last sequence in the range.
func (r Range) End() uint32 { return r.Start + uint32(r.Count) - 1 }

// Contains reports whether seq lies in the range.
func (r Range) Contains(seq uint32) bool {
	return r.Count > 0 && seq >= r.Start && seq <= r.End()
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d]", r.Start, r.End()) }
