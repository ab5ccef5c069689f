package state

import "sync/atomic"

// Sequence hands out the per-topic event numbers stamped on envelopes.
// The first value is 1.
type Sequence struct {
	n atomic.Uint64
}

func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

func (s *Sequence) Current() uint64 {
	return s.n.Load()
}

// seqTracker remembers the highest sequence number seen on one connection.
// Zero means nothing has been seen since the last reset.
type seqTracker struct {
	last uint64
}

// observe records seq and reports whether events between the last seen
// number and seq were skipped. Duplicates and older numbers are not gaps.
func (t *seqTracker) observe(seq uint64) bool {
	if seq == 0 {
		return false
	}
	gap := t.last != 0 && seq > t.last+1
	if seq > t.last {
		t.last = seq
	}
	return gap
}

// seen reports whether seq is at or below the last number observed. The
// hub numbers a topic's events in order and delivers them in order, so such
// a frame can only be a redelivery.
func (t *seqTracker) seen(seq uint64) bool {
	return seq != 0 && seq <= t.last
}

func (t *seqTracker) reset() {
	t.last = 0
}
