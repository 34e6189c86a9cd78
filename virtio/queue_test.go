package virtio

import "testing"

func newTestQueue(t *testing.T, mem *fakeGuestMemory, maxSize uint16, descTable, availRing, usedRing uint64) *Queue {
	t.Helper()
	q := NewQueue(mem, maxSize)
	q.SetAddresses(descTable, availRing, usedRing)
	q.SetSize(maxSize)
	q.SetReady(true)
	return q
}

// TestQueueIsValidBoundaries covers scenario 1 from the spec: size must be
// a nonzero power of two no larger than max_size, ring bases must satisfy
// their alignment, and the ring extents must lie within guest memory.
func TestQueueIsValidBoundaries(t *testing.T) {
	const memSize = 1 << 20

	for _, size := range []uint16{0, 11, 32} {
		mem := newFakeGuestMemory(memSize)
		q := newTestQueue(t, mem, 16, 0x1000, 0x2000, 0x3000)
		q.SetSize(size)
		if q.IsValid() {
			t.Errorf("size %d: want invalid, got valid", size)
		}
	}

	mem := newFakeGuestMemory(memSize)
	q := newTestQueue(t, mem, 16, 0x1000, 0x2000, 0x3000)
	q.SetSize(16)
	if !q.IsValid() {
		t.Fatal("size 16 with max_size 16: want valid")
	}

	t.Run("misaligned desc table", func(t *testing.T) {
		mem := newFakeGuestMemory(memSize)
		q := newTestQueue(t, mem, 16, 0x1001, 0x2000, 0x3000)
		q.SetSize(16)
		if q.IsValid() {
			t.Error("desc_table 0x1001: want invalid (not 16-byte aligned)")
		}
	})

	t.Run("used ring out of memory", func(t *testing.T) {
		mem := newFakeGuestMemory(memSize)
		q := newTestQueue(t, mem, 16, 0x1000, 0x2000, 0xffffffff)
		q.SetSize(16)
		if q.IsValid() {
			t.Error("used_ring 0xFFFFFFFF: want invalid (out of guest memory)")
		}
	})
}

// TestQueueIterChainWalking covers scenario 2: two chained descriptors
// yielded as one chain of length two.
func TestQueueIterChainWalking(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	const descTable, availRing, usedRing = 0x1000, 0x2000, 0x3000

	mem.writeDescriptor(descTable, 0, Descriptor{Addr: 0x1000, Len: 0x1000, Flags: DescFNext, Next: 1})
	mem.writeDescriptor(descTable, 1, Descriptor{Addr: 0x5000, Len: 0x200, Flags: 0})
	mem.writeAvailHead(availRing, 0, 0)
	mem.setAvailIdx(availRing, 1)

	q := newTestQueue(t, mem, 16, descTable, availRing, usedRing)

	it := q.Iter()
	chain, ok, err := it.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("expected a chain")
	}
	all, err := chain.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("chain length = %d, want 2", len(all))
	}
	if all[0].Addr != 0x1000 || all[0].Len != 0x1000 {
		t.Errorf("first descriptor = %+v, want addr 0x1000 len 0x1000", all[0])
	}

	if _, ok, err := it.Next(); ok || err != nil {
		t.Fatalf("expected iterator exhausted, got ok=%v err=%v", ok, err)
	}
}

// TestQueueIterIndirect covers scenario 3: a descriptor carrying INDIRECT
// names a nested table of four linked descriptors.
func TestQueueIterIndirect(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	const descTable, availRing, usedRing = 0x1000, 0x2000, 0x3000
	const indirectTable = 0x4000

	mem.writeDescriptor(descTable, 0, Descriptor{Addr: indirectTable, Len: 0x40, Flags: DescFIndirect})
	mem.writeDescriptor(indirectTable, 0, Descriptor{Addr: 0x10000, Len: 0x100, Flags: DescFNext, Next: 1})
	mem.writeDescriptor(indirectTable, 1, Descriptor{Addr: 0x10100, Len: 0x100, Flags: DescFNext, Next: 2})
	mem.writeDescriptor(indirectTable, 2, Descriptor{Addr: 0x10200, Len: 0x100, Flags: DescFNext, Next: 3})
	mem.writeDescriptor(indirectTable, 3, Descriptor{Addr: 0x10300, Len: 0x100})
	mem.writeAvailHead(availRing, 0, 0)
	mem.setAvailIdx(availRing, 1)

	q := newTestQueue(t, mem, 16, descTable, availRing, usedRing)
	chain, ok, err := q.Iter().Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if !chain.IsIndirect() {
		t.Error("expected IsIndirect() == true")
	}
	all, err := chain.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("chain length = %d, want 4", len(all))
	}

	// AvailableIter skips a malformed head without surfacing its error
	// (see TestQueueMalformedHeadAdvancesCursor), so the error kind is
	// checked where the chain for that head is built.
	t.Run("bad length", func(t *testing.T) {
		mem := newFakeGuestMemory(1 << 20)
		mem.writeDescriptor(descTable, 0, Descriptor{Addr: indirectTable, Len: 0x41, Flags: DescFIndirect})
		table := newDescriptorTable(mem, descTable, 16)
		if _, err := checkedNewChain(mem, table, 0); err == nil {
			t.Fatal("expected an error for misaligned indirect length")
		} else if verr, ok := err.(*Error); !ok || verr.Kind != ErrInvalidIndirectDescriptor {
			t.Errorf("got %v, want ErrInvalidIndirectDescriptor", err)
		}
	})

	t.Run("misaligned address", func(t *testing.T) {
		mem := newFakeGuestMemory(1 << 20)
		mem.writeDescriptor(descTable, 0, Descriptor{Addr: indirectTable + 1, Len: 0x40, Flags: DescFIndirect})
		table := newDescriptorTable(mem, descTable, 16)
		if _, err := checkedNewChain(mem, table, 0); err == nil {
			t.Fatal("expected an error for misaligned indirect address")
		} else if verr, ok := err.(*Error); !ok || verr.Kind != ErrInvalidIndirectDescriptor {
			t.Errorf("got %v, want ErrInvalidIndirectDescriptor", err)
		}
	})
}

// TestQueueAddUsed covers scenario 4 and property P3.
func TestQueueAddUsed(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	const descTable, availRing, usedRing = 0x1000, 0x2000, 0x3000
	q := newTestQueue(t, mem, 16, descTable, availRing, usedRing)

	if _, ok, err := q.AddUsed(16, 0x1000); ok || err != nil {
		t.Fatalf("AddUsed(16, ...) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	if idx := mem.usedIdx(usedRing); idx != 0 {
		t.Fatalf("used.idx = %d, want 0 after a rejected add", idx)
	}

	newIdx, ok, err := q.AddUsed(1, 0x1000)
	if err != nil || !ok {
		t.Fatalf("AddUsed(1, 0x1000) = ok=%v err=%v", ok, err)
	}
	if newIdx != 1 {
		t.Fatalf("new next_used = %d, want 1", newIdx)
	}
	id, length := mem.usedElem(usedRing, 0)
	if id != 1 || length != 0x1000 {
		t.Fatalf("used[0] = (id=%d, len=%d), want (1, 0x1000)", id, length)
	}
	if idx := mem.usedIdx(usedRing); idx != 1 {
		t.Fatalf("used.idx = %d, want 1", idx)
	}
}

// TestQueueNeedsNotification covers scenario 5 and property P4.
func TestQueueNeedsNotification(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	const descTable, availRing, usedRing = 0x1000, 0x2000, 0x3000
	q := newTestQueue(t, mem, 16, descTable, availRing, usedRing)

	t.Run("disabled always notifies", func(t *testing.T) {
		notify, err := q.NeedsNotification(5)
		if err != nil || !notify {
			t.Fatalf("NeedsNotification with event_idx disabled = %v, %v, want true, nil", notify, err)
		}
	})

	q.Reset()
	q.SetAddresses(descTable, availRing, usedRing)
	q.SetSize(16)
	q.SetReady(true)
	q.SetEventIdx(true)
	mem.writeUint16(availRing+4+uint64(16)*2, 4) // used_event = 4

	cases := []struct {
		usedIdx uint16
		want    bool
	}{
		{1, true},  // first call always notifies
		{2, false},
		{3, false},
		{4, false},
		{5, true}, // crosses used_event = 4
	}
	for _, c := range cases {
		notify, err := q.NeedsNotification(c.usedIdx)
		if err != nil {
			t.Fatalf("NeedsNotification(%d): %v", c.usedIdx, err)
		}
		if notify != c.want {
			t.Errorf("NeedsNotification(%d) = %v, want %v", c.usedIdx, notify, c.want)
		}
	}
}

// TestQueueGoToPreviousPosition covers property P5: rewinding next_avail
// makes the next Iter().Next() reyield the chain just consumed.
func TestQueueGoToPreviousPosition(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	const descTable, availRing, usedRing = 0x1000, 0x2000, 0x3000

	mem.writeDescriptor(descTable, 0, Descriptor{Addr: 0x9000, Len: 0x10})
	mem.writeAvailHead(availRing, 0, 0)
	mem.setAvailIdx(availRing, 1)

	q := newTestQueue(t, mem, 16, descTable, availRing, usedRing)

	first, ok, err := q.Iter().Next()
	if err != nil || !ok {
		t.Fatalf("first Next: ok=%v err=%v", ok, err)
	}
	if first.HeadIndex() != 0 {
		t.Fatalf("HeadIndex = %d, want 0", first.HeadIndex())
	}

	q.GoToPreviousPosition()

	second, ok, err := q.Iter().Next()
	if err != nil || !ok {
		t.Fatalf("second Next: ok=%v err=%v", ok, err)
	}
	if second.HeadIndex() != 0 {
		t.Fatalf("HeadIndex after rewind = %d, want 0 (same chain reyielded)", second.HeadIndex())
	}
}

func TestQueueReset(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	q := newTestQueue(t, mem, 16, 0x1000, 0x2000, 0x3000)
	q.SetSize(4)
	q.SetEventIdx(true)
	q.AddUsed(0, 10)

	q.Reset()

	if q.Ready() {
		t.Error("Reset should clear ready")
	}
	if q.Size() != q.MaxSize() {
		t.Errorf("Reset should restore size to max_size, got %d want %d", q.Size(), q.MaxSize())
	}
	if q.DescTableAddr() != 0x1000 {
		t.Error("Reset must not clear ring addresses")
	}
	notify, _ := q.NeedsNotification(1)
	if !notify {
		t.Error("Reset should clear event_idx, so NeedsNotification always returns true afterward")
	}
}

// TestQueueMalformedHeadAdvancesCursor ensures AvailableIter drops a
// malformed chain but still consumes the slot (P2-adjacent: no stall).
func TestQueueMalformedHeadAdvancesCursor(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	const descTable, availRing, usedRing = 0x1000, 0x2000, 0x3000

	// Slot 0: out-of-range head index -> malformed.
	mem.writeAvailHead(availRing, 0, 99)
	// Slot 1: a valid head.
	mem.writeDescriptor(descTable, 1, Descriptor{Addr: 0x9000, Len: 4})
	mem.writeAvailHead(availRing, 1, 1)
	mem.setAvailIdx(availRing, 2)

	q := newTestQueue(t, mem, 16, descTable, availRing, usedRing)
	it := q.Iter()

	// A single Next() call skips the malformed slot internally and
	// yields the next valid chain, since one bad head must not stall
	// the ring; the cursor still advances past slot 0.
	chain, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if chain.HeadIndex() != 1 {
		t.Errorf("HeadIndex = %d, want 1", chain.HeadIndex())
	}
	if q.nextAvail != 2 {
		t.Errorf("next_avail = %d, want 2 (both slots consumed)", q.nextAvail)
	}
}
