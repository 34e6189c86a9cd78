package virtio

import (
	"io"
	"math"
)

// GuestMemory is the capability the core needs from the guest address
// space: byte-addressed random access at an absolute guest physical
// address. Address translation, region enumeration, and bounds checking
// beyond plain short-read/short-write detection belong to the collaborator
// that implements this interface, not to the queue engine.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// guestOffset validates that [addr, addr+length) does not overflow a
// uint64 and returns addr as the int64 offset ReaderAt/WriterAt expect.
// It does not know the size of guest memory; out-of-range accesses are
// caught by the ReaderAt/WriterAt implementation itself via a short
// read/write, which readInto/writeFrom below turn into ErrGuestMemory.
func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, newError(ErrOverflow, "negative length")
	}
	end := addr + uint64(length)
	if end < addr {
		return 0, newError(ErrOverflow, "address %#x + length %d overflows", addr, length)
	}
	if end > math.MaxInt64 {
		return 0, newError(ErrOverflow, "address %#x + length %d exceeds addressable range", addr, length)
	}
	return int64(addr), nil
}

// CheckedRange validates that a descriptor's (addr, length) pair names an
// in-bounds buffer: the arithmetic does not overflow, and the last byte
// of the range is actually reachable in mem. It probes with a single
// 1-byte read rather than touching the whole buffer, the Go stand-in for
// the source's GuestMemory::checked_offset call that a request parser
// runs on every descriptor before trusting its address. A zero-length
// range is always valid — there is nothing to check.
func CheckedRange(mem GuestMemory, addr uint64, length uint32) error {
	if length == 0 {
		return nil
	}
	if _, err := guestOffset(addr, int(length)); err != nil {
		return err
	}
	var probe [1]byte
	return readInto(mem, addr+uint64(length)-1, probe[:])
}

func readInto(mem GuestMemory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil {
		return wrapError(ErrGuestMemory, err, "read %d bytes at %#x", len(buf), addr)
	}
	if n != len(buf) {
		return newError(ErrGuestMemory, "short read at %#x: want %d, got %d", addr, len(buf), n)
	}
	return nil
}

func writeFrom(mem GuestMemory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return wrapError(ErrGuestMemory, err, "write %d bytes at %#x", len(data), addr)
	}
	if n != len(data) {
		return newError(ErrGuestMemory, "short write at %#x: want %d, got %d", addr, len(data), n)
	}
	return nil
}
