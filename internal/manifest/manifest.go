// Package manifest loads a YAML description of a guest's virtio-mmio
// device layout and builds the corresponding bus of device personalities,
// the way bundle.LoadMetadata loads a disk-bundle's ccbundle.yaml and
// turns it into a running configuration.
package manifest

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vio/internal/eventfd"
	"github.com/tinyrange/vio/virtio"
	"github.com/tinyrange/vio/virtio/blk"
	"github.com/tinyrange/vio/virtio/console"
)

const (
	// DefaultSlotStride is the byte distance between consecutive
	// virtio-mmio slots on the bus, large enough to hold one device's
	// full register window (0x00-0xff control space plus config space).
	DefaultSlotStride = 0x200

	// DefaultIRQLine is used for every slot when a manifest entry does
	// not specify one; a real platform typically wires one IRQ line per
	// slot instead, but sharing a line is legal virtio-mmio.
	DefaultIRQLine = 5
)

// Manifest is the top-level YAML document: a bus base address and an
// ordered list of device slots.
type Manifest struct {
	Version   int          `yaml:"version"`
	BusBase   uint64       `yaml:"busBase"`
	SlotCount int          `yaml:"slotCount"`
	Devices   []DeviceSpec `yaml:"devices"`
}

// DeviceSpec describes one virtio-mmio slot's occupant.
type DeviceSpec struct {
	Slot int    `yaml:"slot"`
	Type string `yaml:"type"` // "block" or "console"
	IRQ  uint32 `yaml:"irq,omitempty"`

	// Block-device fields.
	ImagePath string `yaml:"imagePath,omitempty"`
	ReadOnly  bool   `yaml:"readOnly,omitempty"`

	// Console-device fields.
	Cols uint16 `yaml:"cols,omitempty"`
	Rows uint16 `yaml:"rows,omitempty"`
}

func (m *Manifest) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.SlotCount == 0 {
		m.SlotCount = len(m.Devices)
	}
	for i := range m.Devices {
		if m.Devices[i].IRQ == 0 {
			m.Devices[i].IRQ = DefaultIRQLine
		}
	}
}

// Load reads and parses a manifest file, rejecting a world- or
// group-writable file
// the same way the bundle loader's site-config reader refuses to trust
// config nobody else locked down.
func Load(path string) (Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode().Perm()&0o022 != 0 {
		return Manifest{}, fmt.Errorf("refusing to load world/group-writable manifest %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	m.normalize()
	return m, nil
}

// openBlockImage opens a disk image file as a blk.Backend, returning its
// byte size.
func openBlockImage(path string, readOnly bool) (*os.File, int64, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return f, info.Size(), nil
}

// fileBackend adapts *os.File to blk.Backend.
type fileBackend struct{ *os.File }

func (f fileBackend) Sync() error { return f.File.Sync() }

// Bus is a built manifest: the multiplexing MMIO bus plus the per-slot
// eventfd-backed notification wiring, kept around so callers can close
// image files and notifiers on shutdown.
type Bus struct {
	MMIO  *virtio.MMIOBus
	Kicks *eventfd.KickRouter

	closers []func() error
}

// Close releases every resource Build opened.
func (b *Bus) Close() error {
	var firstErr error
	for _, c := range b.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build constructs an MMIOBus from a parsed Manifest, wiring one device
// personality per slot against shared guest memory mem. irq is the single
// InterruptRaiser every slot's transport pulses; a real VMM typically
// gives each slot its own irqfd-backed raiser, but sharing one is legal.
func Build(m Manifest, mem virtio.GuestMemory, irq virtio.InterruptRaiser) (*Bus, error) {
	bus := virtio.NewMMIOBus(m.BusBase, DefaultSlotStride, m.SlotCount)
	kicks := eventfd.NewKickRouter()
	built := &Bus{MMIO: bus, Kicks: kicks}

	for _, spec := range m.Devices {
		var dev virtio.Device
		var kicker virtio.QueueKicker
		var setInterruptCallback func(func())
		var setNeedsResetCallback func(func())

		switch spec.Type {
		case "block":
			f, size, err := openBlockImage(spec.ImagePath, spec.ReadOnly)
			if err != nil {
				built.Close()
				return nil, err
			}
			built.closers = append(built.closers, f.Close)
			blkDev := blk.NewDevice(mem, fileBackend{f}, uint64(size), spec.ReadOnly)
			dev = blkDev
			kicker = blkDev
			setInterruptCallback = blkDev.OnInterrupt
			setNeedsResetCallback = blkDev.OnNeedsReset
		case "console":
			cols, rows := spec.Cols, spec.Rows
			if cols == 0 {
				cols = 80
			}
			if rows == 0 {
				rows = 24
			}
			consoleDev := console.NewDevice(mem, cols, rows)
			built.closers = append(built.closers, consoleDev.Close)
			dev = consoleDev
			kicker = consoleDev
			setInterruptCallback = consoleDev.OnInterrupt
		default:
			built.Close()
			return nil, fmt.Errorf("manifest: slot %d: unknown device type %q", spec.Slot, spec.Type)
		}

		transport := virtio.NewMMIOTransport(dev, spec.IRQ, irq, kicker)
		setInterruptCallback(func() {
			if err := transport.RaiseQueueInterrupt(); err != nil {
				slog.Warn("manifest: raise queue interrupt", "slot", spec.Slot, "err", err)
			}
		})
		if setNeedsResetCallback != nil {
			setNeedsResetCallback(transport.Config().SetNeedsReset)
		}

		if err := bus.Attach(spec.Slot, transport); err != nil {
			built.Close()
			return nil, fmt.Errorf("manifest: slot %d: %w", spec.Slot, err)
		}

		slog.Info("manifest: attached device", "slot", spec.Slot, "type", spec.Type, "irq", spec.IRQ)
	}

	return built, nil
}
