package broker

import "sync/atomic"

// DedupSource is the process-wide monotone dedup id source (spec §2
// component B, §4.B). Zero is reserved to mean "absent" by
// ascoltatore.Options.DedupID, so the counter starts at 1.
type DedupSource struct {
	next atomic.Uint64
}

// NewDedupSource returns a ready-to-use DedupSource.
func NewDedupSource() *DedupSource {
	d := &DedupSource{}
	d.next.Store(1)
	return d
}

// Next returns the next id in the sequence, safe for concurrent use.
func (d *DedupSource) Next() uint64 {
	return d.next.Add(1) - 1
}
