package job

import "sync/atomic"

// Seqer hands out monotonically increasing sequence numbers used to
// tie-break jobs with equal (kind, created_at).
type Seqer struct {
	next atomic.Uint64
}

// Next returns the next sequence number, starting at 0.
func (s *Seqer) Next() uint64 {
	return s.next.Add(1) - 1
}
