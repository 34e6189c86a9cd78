package virtio

import (
	"encoding/binary"
	"log/slog"
)

// MMIO register offsets (virtio-mmio v2, virtio 1.1 §4.2.2).
const (
	MMIOMagicValue        = 0x000
	MMIOVersion           = 0x004
	MMIODeviceID          = 0x008
	MMIOVendorID          = 0x00c
	MMIODeviceFeatures    = 0x010
	MMIODeviceFeaturesSel = 0x014
	MMIODriverFeatures    = 0x020
	MMIODriverFeaturesSel = 0x024
	MMIOQueueSel          = 0x030
	MMIOQueueNumMax       = 0x034
	MMIOQueueNum          = 0x038
	MMIOQueueReady        = 0x044
	MMIOQueueNotify       = 0x050
	MMIOInterruptStatus   = 0x060
	MMIOInterruptAck      = 0x064
	MMIOStatus            = 0x070
	MMIOQueueDescLow      = 0x080
	MMIOQueueDescHigh     = 0x084
	MMIOQueueAvailLow     = 0x090
	MMIOQueueAvailHigh    = 0x094
	MMIOQueueUsedLow      = 0x0a0
	MMIOQueueUsedHigh     = 0x0a4
	MMIOConfigGeneration  = 0x0fc
	MMIOConfig            = 0x100

	mmioMagicValue = 0x74726976 // "virt"
	mmioVersion    = 2

	// Interrupt status bits.
	IntVRing  = 0x1
	IntConfig = 0x2
)

// InterruptRaiser delivers the actual guest interrupt once the MMIO
// transport has updated the shared interrupt-status byte. Pulsing the
// guest's IRQ/MSI line is a hypervisor concern outside this framework;
// a device personality wires a concrete implementation in at
// construction time. Named after gokvm's IRQInjector.
type InterruptRaiser interface {
	RaiseIRQ(line uint32) error
}

// QueueKicker is invoked when the guest writes the notify register for
// a given queue index. Registering the underlying ioeventfd with the
// hypervisor is outside this framework; this is the seam a device
// personality's queue-processing loop hangs off of.
type QueueKicker interface {
	QueueNotify(queueIndex int) error
}

// MMIOTransport maps 32-bit register accesses at a fixed byte-offset
// map to operations on a Device's VirtioConfig and Queues. Non-32-bit
// accesses below 0x100 are ignored with a warning; queue-field writes
// are honored only while status has FEATURES_OK set and neither
// DRIVER_OK nor FAILED, matching virtio 1.1 §4.2.2.
type MMIOTransport struct {
	dev    Device
	config *VirtioConfig

	irqLine uint32
	irq     InterruptRaiser
	kicker  QueueKicker
}

// NewMMIOTransport builds a transport fronting dev, delivering
// interrupts on irqLine through irq and queue-notify events through
// kicker.
func NewMMIOTransport(dev Device, irqLine uint32, irq InterruptRaiser, kicker QueueKicker) *MMIOTransport {
	return &MMIOTransport{
		dev:     dev,
		config:  NewVirtioConfig(dev),
		irqLine: irqLine,
		irq:     irq,
		kicker:  kicker,
	}
}

// Config returns the underlying generic device-config state machine, so
// a device personality can read status/features or raise config-change
// interrupts.
func (t *MMIOTransport) Config() *VirtioConfig { return t.config }

// Read handles a guest MMIO read of the given width (1, 2, 4, or 8
// bytes) at offset (relative to the device's MMIO base).
func (t *MMIOTransport) Read(offset uint64, width int) (uint64, error) {
	if offset < MMIOConfig && width != 4 {
		slog.Warn("virtio-mmio: non-32-bit access to control register ignored", "offset", offset, "width", width)
		return 0, nil
	}
	if offset >= MMIOConfig {
		return t.readConfig(offset, width), nil
	}
	return uint64(t.readRegister(uint32(offset))), nil
}

// Write handles a guest MMIO write of the given width at offset.
func (t *MMIOTransport) Write(offset uint64, width int, value uint64) error {
	if offset < MMIOConfig && width != 4 {
		slog.Warn("virtio-mmio: non-32-bit access to control register ignored", "offset", offset, "width", width)
		return nil
	}
	if offset >= MMIOConfig {
		t.writeConfig(offset, width, value)
		return nil
	}
	return t.writeRegister(uint32(offset), uint32(value))
}

func (t *MMIOTransport) readRegister(offset uint32) uint32 {
	switch offset {
	case MMIOMagicValue:
		return mmioMagicValue
	case MMIOVersion:
		return mmioVersion
	case MMIODeviceID:
		return t.dev.DeviceType()
	case MMIOVendorID:
		return 0
	case MMIODeviceFeatures:
		return t.config.DeviceFeaturesPage()
	case MMIODeviceFeaturesSel:
		return t.config.DeviceFeaturesSelect()
	case MMIODriverFeaturesSel:
		return t.config.DriverFeaturesSelect()
	case MMIOQueueNumMax:
		if q := t.dev.Queue(int(t.config.QueueSelect())); q != nil {
			return uint32(q.MaxSize())
		}
		return 0
	case MMIOQueueNum:
		if q := t.dev.Queue(int(t.config.QueueSelect())); q != nil {
			return uint32(q.Size())
		}
		return 0
	case MMIOQueueReady:
		if q := t.dev.Queue(int(t.config.QueueSelect())); q != nil && q.Ready() {
			return 1
		}
		return 0
	case MMIOInterruptStatus:
		return t.config.InterruptStatus()
	case MMIOStatus:
		return uint32(t.config.DeviceStatus())
	case MMIOConfigGeneration:
		return uint32(t.config.ConfigGeneration())
	default:
		return 0
	}
}

func (t *MMIOTransport) writeRegister(offset uint32, value uint32) error {
	switch offset {
	case MMIODeviceFeaturesSel:
		t.config.SetDeviceFeaturesSelect(value)
	case MMIODriverFeaturesSel:
		t.config.SetDriverFeaturesSelect(value)
	case MMIODriverFeatures:
		status := t.config.DeviceStatus()
		if status&StatusDriver == 0 || status&(StatusFeaturesOK|StatusFailed) != 0 {
			slog.Warn("virtio-mmio: DRIVER_FEATURES write outside negotiation window ignored", "status", status)
			return nil
		}
		t.config.AckDriverFeaturesPage(value)
	case MMIOQueueSel:
		t.config.SetQueueSelect(uint16(value))
	case MMIOQueueNum:
		if !t.queueFieldsWritable() {
			slog.Warn("virtio-mmio: QUEUE_NUM write outside configuration window ignored")
			return nil
		}
		if q := t.dev.Queue(int(t.config.QueueSelect())); q != nil {
			if value > uint32(q.MaxSize()) {
				slog.Warn("virtio-mmio: queue size exceeds max", "size", value, "max", q.MaxSize())
				return nil
			}
			q.SetSize(uint16(value))
		}
	case MMIOQueueReady:
		if !t.queueFieldsWritable() {
			slog.Warn("virtio-mmio: QUEUE_READY write outside configuration window ignored")
			return nil
		}
		if q := t.dev.Queue(int(t.config.QueueSelect())); q != nil {
			q.SetEventIdx(t.config.EventIdxNegotiated())
			q.SetReady(value&0x1 != 0)
		}
	case MMIOQueueDescLow:
		t.withCurrentQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return (desc &^ 0xffffffff) | uint64(value), avail, used
		})
	case MMIOQueueDescHigh:
		t.withCurrentQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return (desc &^ (uint64(0xffffffff) << 32)) | (uint64(value) << 32), avail, used
		})
	case MMIOQueueAvailLow:
		t.withCurrentQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return desc, (avail &^ 0xffffffff) | uint64(value), used
		})
	case MMIOQueueAvailHigh:
		t.withCurrentQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return desc, (avail &^ (uint64(0xffffffff) << 32)) | (uint64(value) << 32), used
		})
	case MMIOQueueUsedLow:
		t.withCurrentQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return desc, avail, (used &^ 0xffffffff) | uint64(value)
		})
	case MMIOQueueUsedHigh:
		t.withCurrentQueueAddr(func(desc, avail, used uint64) (uint64, uint64, uint64) {
			return desc, avail, (used &^ (uint64(0xffffffff) << 32)) | (uint64(value) << 32)
		})
	case MMIOQueueNotify:
		if t.kicker != nil {
			return t.kicker.QueueNotify(int(value))
		}
	case MMIOInterruptAck:
		t.config.AckInterrupt(value)
	case MMIOStatus:
		t.config.SetDeviceStatus(uint8(value))
	default:
		slog.Warn("virtio-mmio: write to unknown register ignored", "offset", offset)
	}
	return nil
}

func (t *MMIOTransport) withCurrentQueueAddr(f func(desc, avail, used uint64) (uint64, uint64, uint64)) {
	if !t.queueFieldsWritable() {
		slog.Warn("virtio-mmio: queue address write outside configuration window ignored")
		return
	}
	q := t.dev.Queue(int(t.config.QueueSelect()))
	if q == nil {
		return
	}
	desc, avail, used := f(q.DescTableAddr(), q.AvailRingAddr(), q.UsedRingAddr())
	q.SetAddresses(desc, avail, used)
}

// queueFieldsWritable implements the §4.6 gating rule: queue size,
// ready, and ring-address registers are only honored while status has
// FEATURES_OK set and neither DRIVER_OK nor FAILED.
func (t *MMIOTransport) queueFieldsWritable() bool {
	status := t.config.DeviceStatus()
	return status&StatusFeaturesOK != 0 && status&(StatusDriverOK|StatusFailed) == 0
}

func (t *MMIOTransport) readConfig(offset uint64, width int) uint64 {
	rel := uint16(offset - MMIOConfig)
	buf := make([]byte, width)
	t.dev.ReadConfig(rel, buf)
	return loadLittleEndian(buf)
}

func (t *MMIOTransport) writeConfig(offset uint64, width int, value uint64) {
	if !t.config.CanWriteConfig() {
		slog.Warn("virtio-mmio: config write before driver is attached ignored", "offset", offset)
		return
	}
	rel := uint16(offset - MMIOConfig)
	buf := make([]byte, width)
	storeLittleEndian(buf, value)
	t.dev.WriteConfig(rel, buf)
	t.config.BumpConfigGeneration()
}

func loadLittleEndian(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	default:
		panic("virtio-mmio: unsupported access width")
	}
}

func storeLittleEndian(buf []byte, value uint64) {
	switch len(buf) {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	default:
		panic("virtio-mmio: unsupported access width")
	}
}

// RaiseQueueInterrupt sets the used-buffer interrupt bit and, on a real
// edge, asks the InterruptRaiser to pulse the guest's IRQ line. Device
// personalities call this after Queue.AddUsed when
// Queue.NeedsNotification says so.
func (t *MMIOTransport) RaiseQueueInterrupt() error {
	return t.raiseInterrupt(IntVRing)
}

// RaiseConfigInterrupt sets the config-change interrupt bit.
func (t *MMIOTransport) RaiseConfigInterrupt() error {
	return t.raiseInterrupt(IntConfig)
}

func (t *MMIOTransport) raiseInterrupt(bits uint32) error {
	if !t.config.RaiseInterrupt(bits) {
		return nil
	}
	if t.irq == nil {
		return nil
	}
	return t.irq.RaiseIRQ(t.irqLine)
}
