package virtio

import (
	"encoding/binary"
)

// usedElemSize is the byte size of one used-ring element (id + len).
const usedElemSize = 8

// Queue owns one virtqueue's ring addresses, negotiated size, readiness,
// and event-index bookkeeping. It is constructed once per device queue
// slot and reconfigured by the MMIO transport as the driver brings the
// device up; Reset returns it to its post-construction state without
// forgetting MaxSize.
type Queue struct {
	mem GuestMemory

	maxSize uint16
	size    uint16
	ready   bool

	descTable uint64
	availRing uint64
	usedRing  uint64

	nextAvail uint16
	nextUsed  uint16

	eventIdx bool

	signalledUsedValid bool
	signalledUsed      uint16
}

// NewQueue constructs a queue with the given device-declared maximum
// size. maxSize must be a nonzero power of two; the queue starts not
// ready, with size defaulted to maxSize as Reset leaves it.
func NewQueue(mem GuestMemory, maxSize uint16) *Queue {
	q := &Queue{mem: mem, maxSize: maxSize}
	q.Reset()
	return q
}

// MaxSize returns the device-declared maximum queue size.
func (q *Queue) MaxSize() uint16 { return q.maxSize }

// ActualSize returns the effective size: size if the queue is ready,
// otherwise maxSize (matching the "not yet configured" default used by
// is_valid and descriptor-index bounds checks before DRIVER_OK). The
// source's min(size, max_size) is unconditional; this only takes that
// branch once ready, since allQueuesValid already gates activation on
// Ready() separately and size is meaningless before SetSize is called.
func (q *Queue) ActualSize() uint16 {
	if q.ready {
		return q.size
	}
	return q.maxSize
}

// Ready reports whether the driver has marked this queue ready.
func (q *Queue) Ready() bool { return q.ready }

// SetReady sets the ready flag. The MMIO transport calls this directly;
// clearing readiness does not by itself reset cursors (Reset does that).
func (q *Queue) SetReady(ready bool) { q.ready = ready }

// SetSize sets the driver-selected queue size. Validity (power of two,
// in range) is checked by IsValid, not here, matching the source's
// deferred validation at activation time.
func (q *Queue) SetSize(size uint16) { q.size = size }

// Size returns the driver-selected size.
func (q *Queue) Size() uint16 { return q.size }

// SetEventIdx records whether VIRTIO_F_RING_EVENT_IDX was negotiated.
func (q *Queue) SetEventIdx(enabled bool) { q.eventIdx = enabled }

// SetAddresses sets the three ring base addresses.
func (q *Queue) SetAddresses(descTable, availRing, usedRing uint64) {
	q.descTable = descTable
	q.availRing = availRing
	q.usedRing = usedRing
}

// DescTableAddr, AvailRingAddr, and UsedRingAddr return the configured
// ring base addresses.
func (q *Queue) DescTableAddr() uint64 { return q.descTable }
func (q *Queue) AvailRingAddr() uint64 { return q.availRing }
func (q *Queue) UsedRingAddr() uint64  { return q.usedRing }

// IsValid enforces the §3 queue invariants: size is a nonzero power of
// two no larger than maxSize, the ring base alignments hold, and the
// byte extent of each ring fits within guest memory (checked by probing
// a one-byte read at the last byte of each ring's extent).
func (q *Queue) IsValid() bool {
	if q.size == 0 || q.size > q.maxSize || !isPowerOfTwo(q.size) {
		return false
	}
	if q.descTable%16 != 0 || q.availRing%2 != 0 || q.usedRing%4 != 0 {
		return false
	}

	descLen := uint64(q.size) * descriptorSize
	availLen := uint64(4 + int(q.size)*2 + 2)
	usedLen := uint64(4 + int(q.size)*usedElemSize + 2)

	if !q.ringFits(q.descTable, descLen) {
		return false
	}
	if !q.ringFits(q.availRing, availLen) {
		return false
	}
	if !q.ringFits(q.usedRing, usedLen) {
		return false
	}
	return true
}

func (q *Queue) ringFits(base, length uint64) bool {
	if length == 0 {
		return true
	}
	end := base + length
	if end < base {
		return false
	}
	var probe [1]byte
	if err := readInto(q.mem, end-1, probe[:]); err != nil {
		return false
	}
	return true
}

func isPowerOfTwo(v uint16) bool {
	return v != 0 && v&(v-1) == 0
}

// Iter reads the current avail.idx and returns an AvailableIter seeded
// with the queue's persistent next-avail cursor and that snapshot. A
// failure to read avail.idx produces an empty iterator rather than an
// error, matching the source's "device simply sees nothing new" handling
// of a transient guest-memory fault on the ring header.
func (q *Queue) Iter() *AvailableIter {
	var buf [2]byte
	// A zero size (written by the driver, not yet rejected by IsValid)
	// would make the slot index computation divide by zero.
	if q.size == 0 {
		return newAvailableIter(q, newDescriptorTable(q.mem, q.descTable, 0), q.nextAvail, q.nextAvail)
	}
	if err := readInto(q.mem, q.availRing+2, buf[:]); err != nil {
		return newAvailableIter(q, newDescriptorTable(q.mem, q.descTable, uint32(q.size)), q.nextAvail, q.nextAvail)
	}
	lastIndex := binary.LittleEndian.Uint16(buf[:])
	return newAvailableIter(q, newDescriptorTable(q.mem, q.descTable, uint32(q.size)), q.nextAvail, lastIndex)
}

// AddUsed publishes a completion: descIndex must be the head of the
// chain just processed, len is the total byte count the device wrote
// into the chain's writable descriptors. It rejects descIndex values
// outside the queue's actual size (and any call while size is 0), and
// returns the new next-used cursor on success.
func (q *Queue) AddUsed(descIndex uint16, length uint32) (newNextUsed uint16, ok bool, err error) {
	if descIndex >= q.ActualSize() || q.size == 0 {
		return 0, false, nil
	}

	slot := q.usedRing + 4 + uint64(q.nextUsed%q.size)*usedElemSize
	var elem [usedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(descIndex))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := writeFrom(q.mem, slot, elem[:]); err != nil {
		return 0, false, err
	}

	q.nextUsed++

	// The id/len write above must be ordered before the idx write below
	// from the guest's point of view. Go's memory model already holds
	// these two writeFrom calls in program order on this goroutine; the
	// release-store semantics a guest vCPU relies on are the concern of
	// the GuestMemory implementation backing these bytes, not of this
	// call site.
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.nextUsed)
	if err := writeFrom(q.mem, q.usedRing+2, idxBuf[:]); err != nil {
		return 0, false, err
	}

	return q.nextUsed, true, nil
}

// UpdateAvailEvent copies the current avail.idx into the used ring's
// trailing avail_event field, hinting the driver about how far the
// device has read.
func (q *Queue) UpdateAvailEvent() error {
	var buf [2]byte
	if err := readInto(q.mem, q.availRing+2, buf[:]); err != nil {
		return err
	}
	availEventOffset := q.usedRing + 4 + uint64(q.size)*usedElemSize
	return writeFrom(q.mem, availEventOffset, buf[:])
}

// NeedsNotification implements the VIRTIO_RING_F_EVENT_IDX suppression
// test. With event-index disabled it always returns true. Otherwise it
// compares usedIdx against the driver's used_event threshold and the
// previously-signalled index, returning true only when a notification
// threshold crossing cannot be ruled out.
func (q *Queue) NeedsNotification(usedIdx uint16) (bool, error) {
	if !q.eventIdx {
		return true, nil
	}

	old := q.signalledUsed
	hadOld := q.signalledUsedValid
	q.signalledUsed = usedIdx
	q.signalledUsedValid = true

	if !hadOld {
		return true, nil
	}

	usedEventOffset := q.availRing + 4 + uint64(q.size)*2
	var buf [2]byte
	if err := readInto(q.mem, usedEventOffset, buf[:]); err != nil {
		return true, nil
	}
	usedEvent := binary.LittleEndian.Uint16(buf[:])

	return usedIdx-usedEvent-1 < usedIdx-old, nil
}

// GoToPreviousPosition rewinds next_avail by one, letting a handler
// return the most recently consumed chain to the available pool (e.g.
// after a throttled or postponed consumption).
func (q *Queue) GoToPreviousPosition() {
	q.nextAvail--
}

// Reset clears readiness, restores size to maxSize, clears both cursors
// and the signalled-used state, and leaves ring addresses untouched —
// the driver is expected to rewrite them before the next QUEUE_READY.
func (q *Queue) Reset() {
	q.ready = false
	q.size = q.maxSize
	q.nextAvail = 0
	q.nextUsed = 0
	q.eventIdx = false
	q.signalledUsedValid = false
	q.signalledUsed = 0
}
