package virtio

import "testing"

// stubDevice is a minimal Device implementation for exercising the status
// lattice and feature negotiation without a real device personality.
type stubDevice struct {
	queues        []*Queue
	features      uint32
	activated     int
	resets        int
	activateErr   error
	resetErr      error
	configSpace   []byte
}

func newStubDevice(mem GuestMemory, numQueues int, maxSize uint16) *stubDevice {
	d := &stubDevice{features: 0x3, configSpace: make([]byte, 8)}
	for i := 0; i < numQueues; i++ {
		d.queues = append(d.queues, NewQueue(mem, maxSize))
	}
	return d
}

func (d *stubDevice) DeviceType() uint32 { return 2 }
func (d *stubDevice) NumQueues() int     { return len(d.queues) }
func (d *stubDevice) Queue(i int) *Queue {
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return d.queues[i]
}
func (d *stubDevice) DeviceFeatures(page uint32) uint32 {
	if page == 0 {
		return d.features
	}
	return 0
}
func (d *stubDevice) Activate() error {
	d.activated++
	return d.activateErr
}
func (d *stubDevice) Reset() error {
	d.resets++
	return d.resetErr
}
func (d *stubDevice) ReadConfig(offset uint16, buf []byte)  { ReadConfig(d.configSpace, offset, buf) }
func (d *stubDevice) WriteConfig(offset uint16, buf []byte) { WriteConfig(d.configSpace, offset, buf) }

func bringUpOneValidQueue(mem GuestMemory, q *Queue) {
	q.SetAddresses(0x1000, 0x2000, 0x3000)
	q.SetSize(q.MaxSize())
	q.SetReady(true)
}

// TestStatusLatticeHappyPath walks the legal transition sequence and
// checks Activate fires exactly once, at DRIVER_OK, with a valid queue.
func TestStatusLatticeHappyPath(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	dev := newStubDevice(mem, 1, 8)
	bringUpOneValidQueue(mem, dev.queues[0])
	cfg := NewVirtioConfig(dev)

	cfg.SetDeviceStatus(StatusAcknowledge)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK)

	if dev.activated != 1 {
		t.Fatalf("Activate called %d times, want 1", dev.activated)
	}
	if cfg.DeviceStatus() != StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK {
		t.Fatalf("device_status = %#x", cfg.DeviceStatus())
	}

	// Reaching DRIVER_OK a second time (re-write) must not re-activate.
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK)
	if dev.activated != 1 {
		t.Fatalf("Activate called %d times after re-write, want 1 (no re-entrant activation)", dev.activated)
	}
}

// TestStatusLatticeRejectsOutOfOrder covers property P7: an illegal
// transition is logged and ignored, leaving device_status unchanged.
func TestStatusLatticeRejectsOutOfOrder(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	dev := newStubDevice(mem, 1, 8)
	cfg := NewVirtioConfig(dev)

	cfg.SetDeviceStatus(StatusAcknowledge)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK) // skips DRIVER, FEATURES_OK
	if cfg.DeviceStatus() != StatusAcknowledge {
		t.Fatalf("device_status = %#x, want unchanged at ACK (%#x)", cfg.DeviceStatus(), StatusAcknowledge)
	}
	if dev.activated != 0 {
		t.Fatal("Activate must not fire on a rejected transition")
	}
}

func TestStatusFailedIsStickyAndAlwaysLegal(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	dev := newStubDevice(mem, 1, 8)
	cfg := NewVirtioConfig(dev)

	cfg.SetDeviceStatus(StatusFailed)
	if cfg.DeviceStatus() != StatusFailed {
		t.Fatalf("device_status = %#x, want FAILED", cfg.DeviceStatus())
	}

	// Sticky: a later non-zero write without FAILED is out of lattice.
	cfg.SetDeviceStatus(StatusAcknowledge)
	if cfg.DeviceStatus() != StatusFailed {
		t.Fatalf("device_status = %#x after ACK write, want FAILED to stick", cfg.DeviceStatus())
	}
}

func TestStatusZeroTriggersReset(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	dev := newStubDevice(mem, 1, 8)
	bringUpOneValidQueue(mem, dev.queues[0])
	cfg := NewVirtioConfig(dev)

	cfg.SetDeviceStatus(StatusAcknowledge)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK)

	cfg.SetDeviceStatus(0)
	if cfg.DeviceStatus() != 0 {
		t.Fatalf("device_status = %#x, want 0 after reset", cfg.DeviceStatus())
	}
	if dev.resets != 1 {
		t.Fatalf("Reset called %d times, want 1", dev.resets)
	}
	if dev.queues[0].Ready() {
		t.Fatal("queue must be cleared back to not-ready on reset")
	}

	// Re-entering the lattice from 0 and reaching DRIVER_OK again must
	// Activate a second time: reset cleared the activated flag.
	bringUpOneValidQueue(mem, dev.queues[0])
	cfg.SetDeviceStatus(StatusAcknowledge)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK)
	if dev.activated != 2 {
		t.Fatalf("Activate called %d times across two activations, want 2", dev.activated)
	}
}

func TestAckDriverFeaturesMasksUnofferedBits(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	dev := newStubDevice(mem, 1, 8)
	dev.features = 0x5 // bits 0 and 2 offered
	cfg := NewVirtioConfig(dev)

	cfg.SetDriverFeaturesSelect(0)
	cfg.AckDriverFeaturesPage(0xff) // driver claims everything

	if cfg.DriverFeatures() != 0x5 {
		t.Fatalf("driver_features = %#x, want 0x5 (unoffered bits masked off)", cfg.DriverFeatures())
	}
}

func TestDeviceFeaturesPageOneHasVersion1(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	dev := newStubDevice(mem, 1, 8)
	cfg := NewVirtioConfig(dev)

	cfg.SetDeviceFeaturesSelect(1)
	if cfg.DeviceFeaturesPage()&1 == 0 {
		t.Fatal("page 1 must OR in VIRTIO_F_VERSION_1")
	}
}

func TestReadConfigTruncatesPartialReads(t *testing.T) {
	space := []byte{1, 2, 3, 4}
	buf := make([]byte, 8)
	ReadConfig(space, 2, buf)
	if buf[0] != 3 || buf[1] != 4 {
		t.Fatalf("buf = %v, want [3 4 0 0 ...]", buf)
	}
	for _, b := range buf[2:] {
		if b != 0 {
			t.Fatalf("buf beyond config_len should be untouched/zero, got %v", buf)
		}
	}
}

func TestReadConfigOutOfRangeIsNoop(t *testing.T) {
	space := []byte{1, 2, 3, 4}
	buf := []byte{0xaa}
	ReadConfig(space, 10, buf)
	if buf[0] != 0xaa {
		t.Fatalf("out-of-range offset should be a no-op, buf = %v", buf)
	}
}

func TestCanWriteConfigGating(t *testing.T) {
	mem := newFakeGuestMemory(1 << 20)
	dev := newStubDevice(mem, 1, 8)
	cfg := NewVirtioConfig(dev)

	if cfg.CanWriteConfig() {
		t.Fatal("config should not be writable before DRIVER")
	}
	cfg.SetDeviceStatus(StatusAcknowledge)
	cfg.SetDeviceStatus(StatusAcknowledge | StatusDriver)
	if !cfg.CanWriteConfig() {
		t.Fatal("config should be writable once past DRIVER")
	}
	cfg.SetDeviceStatus(StatusFailed)
	if cfg.CanWriteConfig() {
		t.Fatal("config should not be writable once FAILED")
	}
}
