package virtio

import "encoding/binary"

// AvailableIter is a consuming iterator over available-ring heads. Each
// successful yield advances the queue's persistent next-avail cursor;
// a malformed head still advances the cursor (the slot is consumed from
// the guest's point of view) but yields no chain.
type AvailableIter struct {
	q    *Queue
	desc DescriptorTable

	nextIndex uint16
	lastIndex uint16
}

func newAvailableIter(q *Queue, desc DescriptorTable, nextIndex, lastIndex uint16) *AvailableIter {
	return &AvailableIter{q: q, desc: desc, nextIndex: nextIndex, lastIndex: lastIndex}
}

// Next returns the next descriptor chain, or ok=false once the iterator
// has caught up with the available-ring snapshot taken at Queue.Iter
// time. A malformed head is skipped transparently: the loop advances and
// tries the following slot instead of surfacing the error, since one bad
// head must not stall the whole ring.
func (it *AvailableIter) Next() (*DescriptorChain, bool, error) {
	for it.nextIndex != it.lastIndex {
		slot := it.q.availRing + 4 + uint64(it.nextIndex%it.q.size)*2
		var buf [2]byte
		if err := readInto(it.q.mem, slot, buf[:]); err != nil {
			return nil, false, err
		}
		head := binary.LittleEndian.Uint16(buf[:])
		it.nextIndex++

		chain, err := checkedNewChain(it.q.mem, it.desc, head)
		if err != nil {
			// Malformed head: the slot is still consumed (next_avail
			// advances below) but no chain is produced for it.
			it.q.nextAvail++
			continue
		}
		it.q.nextAvail++
		return chain, true, nil
	}
	return nil, false, nil
}
