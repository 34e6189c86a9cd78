package virtio

import "encoding/binary"

// Descriptor flag bits (virtio 1.1 §2.7.5).
const (
	DescFNext     uint16 = 0x1 // chained with the next field
	DescFWrite    uint16 = 0x2 // device-writable (device to driver)
	DescFIndirect uint16 = 0x4 // buffer is itself a descriptor table
)

// descriptorSize is the on-the-wire byte size of a single descriptor.
const descriptorSize = 16

// Descriptor is the packed 16-byte record a virtqueue descriptor table
// holds: a guest buffer address and length, flag bits, and a link to the
// next descriptor in the chain. It is read bit-identically from guest
// memory; all multi-byte fields are little-endian on the wire.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// HasNext reports whether this descriptor is chained to another one.
func (d Descriptor) HasNext() bool { return d.Flags&DescFNext != 0 }

// IsWriteOnly reports whether the device may write into this buffer.
// A descriptor without the flag is read-only from the device's side.
func (d Descriptor) IsWriteOnly() bool { return d.Flags&DescFWrite != 0 }

// IsIndirect reports whether this descriptor names a nested table
// instead of a data buffer.
func (d Descriptor) IsIndirect() bool { return d.Flags&DescFIndirect != 0 }

func decodeDescriptor(buf []byte) Descriptor {
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}
}

// DescriptorTable is a (base, length) view over a descriptor table in
// guest memory: either the queue's primary table or a table reached
// through one level of indirection.
type DescriptorTable struct {
	mem  GuestMemory
	addr uint64
	len  uint32 // number of entries; direct tables fit in uint16, indirect tables may reach 2^16
}

// newDescriptorTable builds a view over the table at addr with len
// entries. It does not itself validate alignment; callers that need the
// §3 invariant (16-byte base alignment) check it at the Queue level,
// where the base comes from a register write rather than a descriptor.
func newDescriptorTable(mem GuestMemory, addr uint64, length uint32) DescriptorTable {
	return DescriptorTable{mem: mem, addr: addr, len: length}
}

// Len returns the number of entries in the table.
func (t DescriptorTable) Len() uint32 { return t.len }

// read returns the descriptor at index, failing with ErrInvalidChain if
// index is out of range for this table.
func (t DescriptorTable) read(index uint16) (Descriptor, error) {
	if uint32(index) >= t.len {
		return Descriptor{}, newError(ErrInvalidChain, "descriptor index %d out of bounds (table len %d)", index, t.len)
	}
	addr, err := addDescriptorOffset(t.addr, index)
	if err != nil {
		return Descriptor{}, err
	}
	var buf [descriptorSize]byte
	if err := readInto(t.mem, addr, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return decodeDescriptor(buf[:]), nil
}

func addDescriptorOffset(base uint64, index uint16) (uint64, error) {
	offset := uint64(index) * descriptorSize
	addr := base + offset
	if addr < base {
		return 0, newError(ErrOverflow, "descriptor table base %#x + offset %#x overflows", base, offset)
	}
	return addr, nil
}

// newIndirectTable promotes a descriptor carrying DescFIndirect into a
// nested DescriptorTable. The descriptor's buffer must be 16-byte
// aligned, a nonzero multiple of 16 bytes, and no longer than 2^16
// entries; any violation fails with ErrInvalidIndirectDescriptor.
func newIndirectTable(mem GuestMemory, desc Descriptor) (DescriptorTable, error) {
	if desc.Addr%descriptorSize != 0 {
		return DescriptorTable{}, newError(ErrInvalidIndirectDescriptor, "indirect table address %#x not 16-byte aligned", desc.Addr)
	}
	if desc.Len == 0 || desc.Len%descriptorSize != 0 {
		return DescriptorTable{}, newError(ErrInvalidIndirectDescriptor, "indirect table length %d not a nonzero multiple of 16", desc.Len)
	}
	entries := desc.Len / descriptorSize
	if entries > 0x10000 {
		return DescriptorTable{}, newError(ErrInvalidIndirectDescriptor, "indirect table has %d entries, exceeds 2^16", entries)
	}
	return newDescriptorTable(mem, desc.Addr, entries), nil
}
