package virtio

import (
	"log/slog"
	"sync/atomic"
)

// Device status bits (virtio 1.1 §2.1).
const (
	StatusAcknowledge      uint8 = 1
	StatusDriver           uint8 = 2
	StatusDriverOK         uint8 = 4
	StatusFeaturesOK       uint8 = 8
	StatusDeviceNeedsReset uint8 = 64
	StatusFailed           uint8 = 128
)

// Device is the capability set the MMIO transport exposes a device
// personality through, and the set a device personality must implement
// to be hosted by it: feature/status/config-space access plus the
// activation and reset hooks triggered by the status lattice.
type Device interface {
	// DeviceType is the virtio device type id reported at MMIO offset
	// 0x08 (2 = block, 1 = net, 3 = console, ...).
	DeviceType() uint32
	// NumQueues returns how many queues this device exposes.
	NumQueues() int
	// Queue returns the queue at the given index, or nil if out of range.
	Queue(index int) *Queue
	// DeviceFeatures returns the device-offered feature bits for the
	// given 32-bit page (0 or 1).
	DeviceFeatures(page uint32) uint32
	// Activate is called once, the first time the device reaches
	// DRIVER_OK with every configured queue valid. It must not mutate
	// device status re-entrantly.
	Activate() error
	// Reset returns the device to its pre-activation state. Called on
	// any transition of device_status back to 0.
	Reset() error
	// ReadConfig and WriteConfig access device-specific config space
	// past MMIO offset 0x100. offset is relative to the start of config
	// space.
	ReadConfig(offset uint16, buf []byte)
	WriteConfig(offset uint16, buf []byte)
}

// VirtioConfig holds the generic per-device state every virtio device
// shares: negotiated features, the status state machine, the queue
// selector, and the shared interrupt-status byte the guest polls from a
// vCPU thread concurrently with the device thread's updates.
type VirtioConfig struct {
	dev Device

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	deviceStatus uint8
	queueSelect  uint16

	configGeneration uint8

	deviceActivated bool

	interruptStatus atomic.Uint32
}

// NewVirtioConfig wraps dev with the generic status/feature/config-space
// state machine. dev must already have its queues constructed.
func NewVirtioConfig(dev Device) *VirtioConfig {
	return &VirtioConfig{dev: dev}
}

// DeviceStatus returns the current status bitfield.
func (c *VirtioConfig) DeviceStatus() uint8 { return c.deviceStatus }

// QueueSelect returns the currently selected queue index.
func (c *VirtioConfig) QueueSelect() uint16 { return c.queueSelect }

// SetQueueSelect sets the currently selected queue index.
func (c *VirtioConfig) SetQueueSelect(index uint16) { c.queueSelect = index }

// ConfigGeneration returns the config-space generation counter, bumped
// whenever device-specific config space changes underneath the driver.
func (c *VirtioConfig) ConfigGeneration() uint8 { return c.configGeneration }

// BumpConfigGeneration increments the generation counter. Device
// personalities call this when they change config space asynchronously
// (e.g. a resize), separately from driver-initiated writes.
func (c *VirtioConfig) BumpConfigGeneration() { c.configGeneration++ }

// InterruptStatus returns the current interrupt-status byte. Safe to
// call from a vCPU thread concurrently with RaiseInterrupt/AckInterrupt.
func (c *VirtioConfig) InterruptStatus() uint32 { return c.interruptStatus.Load() }

// RaiseInterrupt ORs bits into the interrupt-status byte and reports
// whether the value actually changed (so the MMIO transport only pulses
// the IRQ line on a real edge).
func (c *VirtioConfig) RaiseInterrupt(bits uint32) bool {
	for {
		prev := c.interruptStatus.Load()
		next := prev | bits
		if c.interruptStatus.CompareAndSwap(prev, next) {
			return prev != next
		}
	}
}

// AckInterrupt clears bits from the interrupt-status byte (MMIO
// INTERRUPT_ACK register).
func (c *VirtioConfig) AckInterrupt(bits uint32) {
	for {
		prev := c.interruptStatus.Load()
		next := prev &^ bits
		if c.interruptStatus.CompareAndSwap(prev, next) {
			return
		}
	}
}

// DeviceFeaturesSelect/SetDeviceFeaturesSelect and
// DriverFeaturesSelect/SetDriverFeaturesSelect implement the two page
// selectors used to window a 64-bit feature bitmap through 32-bit MMIO
// registers.
func (c *VirtioConfig) DeviceFeaturesSelect() uint32    { return c.deviceFeaturesSel }
func (c *VirtioConfig) SetDeviceFeaturesSelect(v uint32) { c.deviceFeaturesSel = v }
func (c *VirtioConfig) DriverFeaturesSelect() uint32    { return c.driverFeaturesSel }
func (c *VirtioConfig) SetDriverFeaturesSelect(v uint32) { c.driverFeaturesSel = v }

// DeviceFeaturesPage returns the 32-bit window of device-offered
// features selected by SetDeviceFeaturesSelect, OR-ing in
// VIRTIO_F_VERSION_1 (bit 32, i.e. bit 0 of page 1) since this framework
// only ever speaks modern virtio.
func (c *VirtioConfig) DeviceFeaturesPage() uint32 {
	val := c.dev.DeviceFeatures(c.deviceFeaturesSel)
	if c.deviceFeaturesSel == 1 {
		val |= 1 // VIRTIO_F_VERSION_1, bit 32 overall
	}
	return val
}

// AckDriverFeaturesPage merges value into the driver's acknowledged
// feature bitmap at the selected page, masking off any bit the device
// did not offer before OR-ing it in.
func (c *VirtioConfig) AckDriverFeaturesPage(value uint32) {
	offered := c.dev.DeviceFeatures(c.driverFeaturesSel)
	if c.driverFeaturesSel == 1 {
		offered |= 1
	}
	accepted := value & offered
	if value&^offered != 0 {
		slog.Warn("virtio: driver acknowledged unoffered feature bits", "page", c.driverFeaturesSel, "bits", value&^offered)
	}
	shift := uint(c.driverFeaturesSel) * 32
	mask := uint64(0xffffffff) << shift
	c.driverFeatures = (c.driverFeatures &^ mask) | (uint64(accepted) << shift)
}

// DriverFeatures returns the full 64-bit acknowledged feature bitmap.
func (c *VirtioConfig) DriverFeatures() uint64 { return c.driverFeatures }

// EventIdxNegotiated reports whether VIRTIO_F_RING_EVENT_IDX (bit 29)
// was acknowledged by the driver.
func (c *VirtioConfig) EventIdxNegotiated() bool {
	return c.driverFeatures&(1<<29) != 0
}

// SetDeviceStatus drives the device status state machine through the
// §4.5 lattice. Writes that do not correspond to a legal transition are
// logged and ignored, leaving device_status unchanged (P7). Reaching
// DRIVER_OK for the first time with every queue valid triggers Activate;
// writing 0 from any state triggers Reset.
func (c *VirtioConfig) SetDeviceStatus(value uint8) {
	if value == 0 {
		c.deviceStatus = 0
		c.deviceActivated = false
		if err := c.dev.Reset(); err != nil {
			slog.Warn("virtio: device reset failed", "err", err)
		}
		for i := 0; i < c.dev.NumQueues(); i++ {
			if q := c.dev.Queue(i); q != nil {
				q.Reset()
			}
		}
		return
	}

	if value&StatusFailed != 0 {
		c.deviceStatus = value
		return
	}

	if !isLegalStatusTransition(c.deviceStatus, value) {
		slog.Warn("virtio: out-of-lattice device status write ignored", "from", c.deviceStatus, "to", value)
		return
	}

	c.deviceStatus = value

	if value&StatusDriverOK != 0 && !c.deviceActivated {
		if c.allQueuesValid() {
			c.deviceActivated = true
			if err := c.dev.Activate(); err != nil {
				slog.Warn("virtio: device activation failed", "err", err)
			}
		}
	}
}

// SetNeedsReset ORs DEVICE_NEEDS_RESET into device_status. Per §4.5 the
// device may set this bit at any time, outside the driver-write lattice
// isLegalStatusTransition enforces; a device personality calls this when
// it hits an internal error it cannot recover from without the driver
// tearing it down and starting over. The source leaves open where this
// should be triggered from (device/mod.rs); this framework exposes it as
// an explicit device-initiated call rather than folding it into
// SetDeviceStatus, which only ever runs off a driver MMIO write.
func (c *VirtioConfig) SetNeedsReset() {
	c.deviceStatus |= StatusDeviceNeedsReset
}

func (c *VirtioConfig) allQueuesValid() bool {
	for i := 0; i < c.dev.NumQueues(); i++ {
		q := c.dev.Queue(i)
		if q == nil || !q.Ready() || !q.IsValid() {
			return false
		}
	}
	return true
}

// isLegalStatusTransition checks from -> to against the lattice
// 0 -> ACK -> ACK|DRIVER -> ACK|DRIVER|FEATURES_OK ->
// ACK|DRIVER|FEATURES_OK|DRIVER_OK. Re-writing the current value is
// always legal (the driver may rewrite a bit it already set).
func isLegalStatusTransition(from, to uint8) bool {
	if to == from {
		return true
	}
	switch from {
	case 0:
		return to == StatusAcknowledge
	case StatusAcknowledge:
		return to == StatusAcknowledge|StatusDriver
	case StatusAcknowledge | StatusDriver:
		return to == StatusAcknowledge|StatusDriver|StatusFeaturesOK
	case StatusAcknowledge | StatusDriver | StatusFeaturesOK:
		return to == StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK
	default:
		return false
	}
}

// ReadConfig copies min(len(buf), len(configSpace)-offset) bytes from
// configSpace starting at offset into buf. Out-of-range offsets are a
// no-op, matching the spec's decision to allow truncated partial reads
// rather than error.
func ReadConfig(configSpace []byte, offset uint16, buf []byte) {
	if int(offset) >= len(configSpace) {
		return
	}
	n := copy(buf, configSpace[offset:])
	_ = n
}

// WriteConfig copies min(len(data), len(configSpace)-offset) bytes from
// data into configSpace starting at offset, but only when status is
// permitted to write (past DRIVER, not FAILED); callers gate that
// themselves since the permission check depends on VirtioConfig, not
// just the byte slice.
func WriteConfig(configSpace []byte, offset uint16, data []byte) {
	if int(offset) >= len(configSpace) {
		return
	}
	copy(configSpace[offset:], data)
}

// CanWriteConfig reports whether the current device status permits a
// config-space write: past DRIVER and not FAILED.
func (c *VirtioConfig) CanWriteConfig() bool {
	return c.deviceStatus&StatusDriver != 0 && c.deviceStatus&StatusFailed == 0
}
