package main

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vio/virtio"
	"github.com/tinyrange/vio/virtio/blk"
)

// fakeDriver plays the guest driver's half of the protocol: it builds
// descriptor chains and available-ring entries directly in the shared
// arena, then kicks the device through the MMIO notify register exactly
// as a real guest's virtqueue_kick would. Because there is no concurrent
// vCPU here, each kick is allowed to fully drain before the next chain
// is built, so the three descriptor-table slots below can be reused.
type fakeDriver struct {
	mem       *arenaMemory
	layout    queueLayout
	transport *virtio.MMIOTransport

	availIdx uint16
}

const (
	descSlotHeader = 0
	descSlotData   = 1
	descSlotStatus = 2
)

func (d *fakeDriver) writeSectors(sector uint64, data []byte) error {
	if uint64(len(data)) > d.layout.dataCap {
		return fmt.Errorf("chunk of %d bytes exceeds scratch capacity %d", len(data), d.layout.dataCap)
	}

	d.writeHeader(blk.TypeOut, sector)
	d.mem.WriteAt(data, int64(d.layout.dataAddr))

	d.writeDescriptor(descSlotHeader, d.layout.headerAddr, 16, virtio.DescFNext, descSlotData)
	d.writeDescriptor(descSlotData, d.layout.dataAddr, uint32(len(data)), virtio.DescFNext, descSlotStatus)
	d.writeDescriptor(descSlotStatus, d.layout.statusAddr, 1, virtio.DescFWrite, 0)

	if err := d.submit(descSlotHeader); err != nil {
		return err
	}
	return d.checkStatus()
}

// flush submits a Flush command: a two-descriptor chain (header, status)
// with no data descriptor at all, matching spec §4.7's allowance.
func (d *fakeDriver) flush() error {
	d.writeHeader(blk.TypeFlush, 0)

	d.writeDescriptor(descSlotHeader, d.layout.headerAddr, 16, virtio.DescFNext, descSlotStatus)
	d.writeDescriptor(descSlotStatus, d.layout.statusAddr, 1, virtio.DescFWrite, 0)

	if err := d.submit(descSlotHeader); err != nil {
		return err
	}
	return d.checkStatus()
}

func (d *fakeDriver) writeHeader(reqType uint32, sector uint64) {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], reqType)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	d.mem.WriteAt(hdr[:], int64(d.layout.headerAddr))
}

func (d *fakeDriver) writeDescriptor(index uint16, addr uint64, length uint32, flags uint16, next uint16) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	d.mem.WriteAt(buf[:], int64(d.layout.descTable)+int64(index)*16)
}

// submit places head in the next available-ring slot, bumps avail.idx,
// and writes the notify register — the guest-side equivalent of
// virtqueue_kick.
func (d *fakeDriver) submit(head uint16) error {
	slot := d.availIdx % d.layout.size
	var headBuf [2]byte
	binary.LittleEndian.PutUint16(headBuf[:], head)
	d.mem.WriteAt(headBuf[:], int64(d.layout.availRing)+4+int64(slot)*2)

	d.availIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], d.availIdx)
	d.mem.WriteAt(idxBuf[:], int64(d.layout.availRing)+2)

	return d.transport.Write(virtio.MMIOQueueNotify, 4, 0)
}

func (d *fakeDriver) checkStatus() error {
	var status [1]byte
	if _, err := d.mem.ReadAt(status[:], int64(d.layout.statusAddr)); err != nil {
		return err
	}
	switch status[0] {
	case blk.StatusOK:
		return nil
	case blk.StatusIOErr:
		return fmt.Errorf("device reported I/O error")
	default:
		return fmt.Errorf("device reported status %d", status[0])
	}
}
