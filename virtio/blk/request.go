// Package blk interprets virtio-blk descriptor chains and hosts a
// reference device personality backed by any ReadWriterAt backend.
package blk

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vio/virtio"
)

// Request types (virtio 1.1 §5.2.6).
const (
	TypeIn          uint32 = 0
	TypeOut         uint32 = 1
	TypeFlush       uint32 = 4
	TypeGetID       uint32 = 8
	TypeDiscard     uint32 = 11
	TypeWriteZeroes uint32 = 13
)

// Status byte values written to the request's trailing descriptor.
const (
	StatusOK     byte = 0
	StatusIOErr  byte = 1
	StatusUnsupp byte = 2
)

const headerSize = 16 // type(4) + reserved(4) + sector(8)

// DataDescriptor is one data-carrying descriptor from a parsed request:
// its guest address, length, and direction.
type DataDescriptor struct {
	Addr     uint64
	Len      uint32
	WriteOnly bool
}

// Request is a parsed virtio-blk command: a header (type + sector), the
// data descriptors between the header and the status byte, and the
// address of the one-byte status descriptor the device writes its
// result into.
type Request struct {
	Type   uint32
	Sector uint64
	Data   []DataDescriptor
	// StatusAddr is always a writable descriptor of at least one byte,
	// validated during Parse (P6).
	StatusAddr uint64
}

// Parse interprets a fully-walked descriptor chain (head first, status
// last) as a virtio-blk request. The first descriptor must be read-only
// and at least headerSize bytes; the last must be write-only and at
// least 1 byte; everything between is a data descriptor. Direction is
// checked against Type for In and Out; Discard and WriteZeroes are not
// direction-checked (an open question the source leaves unresolved and
// this framework follows suit). Flush may have no data descriptors at
// all — a chain of exactly two descriptors (header, status) is legal.
func Parse(mem virtio.GuestMemory, chain []virtio.Descriptor) (Request, error) {
	if len(chain) < 2 {
		return Request{}, newBlkError("DescriptorChainTooShort", "chain has %d descriptors, need at least 2", len(chain))
	}

	header := chain[0]
	if header.IsWriteOnly() {
		return Request{}, newBlkError("UnexpectedWriteOnlyDescriptor", "header descriptor must be read-only")
	}
	if header.Len < headerSize {
		return Request{}, newBlkError("DescriptorLengthTooSmall", "header length %d < %d", header.Len, headerSize)
	}

	buf := make([]byte, headerSize)
	if err := readAt(mem, header.Addr, buf); err != nil {
		return Request{}, err
	}
	req := Request{
		Type:   binary.LittleEndian.Uint32(buf[0:4]),
		Sector: binary.LittleEndian.Uint64(buf[8:16]),
	}

	status := chain[len(chain)-1]
	if !status.IsWriteOnly() {
		return Request{}, newBlkError("UnexpectedReadOnlyDescriptor", "status descriptor must be write-only")
	}
	if status.Len < 1 {
		return Request{}, newBlkError("DescriptorLengthTooSmall", "status length %d < 1", status.Len)
	}
	// P6: status_addr must always name an in-bounds, writable descriptor.
	if err := virtio.CheckedRange(mem, status.Addr, status.Len); err != nil {
		return Request{}, newBlkError("GuestMemory", "status descriptor %#x/%d: %v", status.Addr, status.Len, err)
	}
	req.StatusAddr = status.Addr

	for _, d := range chain[1 : len(chain)-1] {
		switch req.Type {
		case TypeIn:
			if !d.IsWriteOnly() {
				return Request{}, newBlkError("UnexpectedReadOnlyDescriptor", "In request data descriptor must be write-only")
			}
		case TypeOut:
			if d.IsWriteOnly() {
				return Request{}, newBlkError("UnexpectedWriteOnlyDescriptor", "Out request data descriptor must be read-only")
			}
		}
		// §4.7: "Each data descriptor's (addr, len) is validated against
		// guest memory."
		if err := virtio.CheckedRange(mem, d.Addr, d.Len); err != nil {
			return Request{}, newBlkError("GuestMemory", "data descriptor %#x/%d: %v", d.Addr, d.Len, err)
		}
		req.Data = append(req.Data, DataDescriptor{Addr: d.Addr, Len: d.Len, WriteOnly: d.IsWriteOnly()})
	}

	return req, nil
}

func readAt(mem virtio.GuestMemory, addr uint64, buf []byte) error {
	n, err := mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return newBlkError("GuestMemory", "short read at %#x", addr)
	}
	return nil
}

// BlkError is the error type Parse returns; Kind names one of the §7
// fatal-per-request error variants.
type BlkError struct {
	Kind string
	Msg  string
}

func (e *BlkError) Error() string { return "virtio-blk: " + e.Kind + ": " + e.Msg }

func newBlkError(kind, format string, args ...any) *BlkError {
	return &BlkError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
