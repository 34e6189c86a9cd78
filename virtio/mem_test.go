package virtio

import "encoding/binary"

// fakeGuestMemory is a byte-addressed map standing in for guest RAM, sized
// to a fixed extent so out-of-range accesses fail the way a real
// GuestMemory implementation would (short read/write), matching the
// source's own mockGuestMemory fixture generalized with bounds.
type fakeGuestMemory struct {
	size uint64
	data map[uint64]byte
}

func newFakeGuestMemory(size uint64) *fakeGuestMemory {
	return &fakeGuestMemory{size: size, data: make(map[uint64]byte)}
}

func (m *fakeGuestMemory) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		a := addr + uint64(i)
		if a >= m.size {
			return i, errShortIO
		}
		p[i] = m.data[a]
	}
	return len(p), nil
}

func (m *fakeGuestMemory) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		a := addr + uint64(i)
		if a >= m.size {
			return i, errShortIO
		}
		m.data[a] = b
	}
	return len(p), nil
}

type shortIOError struct{}

func (shortIOError) Error() string { return "fakeGuestMemory: address out of range" }

var errShortIO = shortIOError{}

func (m *fakeGuestMemory) writeUint16(addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	m.WriteAt(buf[:], int64(addr))
}

func (m *fakeGuestMemory) writeUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.WriteAt(buf[:], int64(addr))
}

func (m *fakeGuestMemory) writeUint64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.WriteAt(buf[:], int64(addr))
}

func (m *fakeGuestMemory) readUint16(addr uint64) uint16 {
	var buf [2]byte
	m.ReadAt(buf[:], int64(addr))
	return binary.LittleEndian.Uint16(buf[:])
}

func (m *fakeGuestMemory) readUint32(addr uint64) uint32 {
	var buf [4]byte
	m.ReadAt(buf[:], int64(addr))
	return binary.LittleEndian.Uint32(buf[:])
}

// writeDescriptor writes a Descriptor record at the index-th slot of the
// table based at tableAddr.
func (m *fakeGuestMemory) writeDescriptor(tableAddr uint64, index uint16, d Descriptor) {
	base := tableAddr + uint64(index)*descriptorSize
	m.writeUint64(base+0, d.Addr)
	m.writeUint32(base+8, d.Len)
	m.writeUint16(base+12, d.Flags)
	m.writeUint16(base+14, d.Next)
}

// writeAvailHead places head at the given available-ring slot (0-based,
// modulo the ring size is the caller's job). It does not touch
// avail.idx; callers publish entries separately with setAvailIdx.
func (m *fakeGuestMemory) writeAvailHead(availRing uint64, slot uint16, head uint16) {
	m.writeUint16(availRing+4+uint64(slot)*2, head)
}

func (m *fakeGuestMemory) setAvailIdx(availRing uint64, idx uint16) {
	m.writeUint16(availRing+2, idx)
}

func (m *fakeGuestMemory) usedIdx(usedRing uint64) uint16 {
	return m.readUint16(usedRing + 2)
}

func (m *fakeGuestMemory) usedElem(usedRing uint64, slot uint16) (id, length uint32) {
	base := usedRing + 4 + uint64(slot)*usedElemSize
	return m.readUint32(base), m.readUint32(base + 4)
}
