// Package console is a virtio-console device personality: it bridges a
// guest's transmit/receive virtqueues to a host-side terminal emulator,
// the way internal/cmd/term's PTY bridge bridges a local shell's PTY to
// the same emulator — here the "PTY" is the pair of virtqueues the guest
// driver drains and fills.
package console

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"

	"github.com/tinyrange/vio/virtio"
)

const (
	deviceID    uint32 = 3
	queueCount         = 2
	queueNumMax uint16 = 256

	queueReceive  = 0
	queueTransmit = 1

	featureSize = 1 << 0
)

// Device is a virtio-console personality with a single port. Guest writes
// to the transmit queue are fed into a vt.SafeEmulator so the host can
// observe terminal state (cursor, cells, colors) the same way
// internal/term's GUI view does; emulator-generated input (replies to
// terminal queries) and host-injected keystrokes are both delivered to
// the guest over the receive queue.
type Device struct {
	mem virtio.GuestMemory

	emu *vt.SafeEmulator

	cols, rows uint16

	queues [queueCount]*virtio.Queue
	onKick func()

	mu      sync.Mutex
	pending []byte

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDevice builds a console device with a cols x rows terminal grid.
func NewDevice(mem virtio.GuestMemory, cols, rows uint16) *Device {
	d := &Device{
		mem:  mem,
		emu:  vt.NewSafeEmulator(int(cols), int(rows)),
		cols: cols,
		rows: rows,
		stop: make(chan struct{}),
	}
	for i := range d.queues {
		d.queues[i] = virtio.NewQueue(mem, queueNumMax)
	}
	disableQueriesThatBreakGuests(d.emu)
	d.wg.Add(1)
	go d.pumpEmulatorInput()
	return d
}

// disableQueriesThatBreakGuests swallows the terminal-reply escapes a
// guest's own getty/shell would otherwise see echoed back as unsolicited
// input (cursor/status reports, device-attribute probes): a guest has no
// human at a keyboard to have triggered the query, so the reply can only
// be mistaken for real input. Normal output and SendText-injected input
// are unaffected.
func disableQueriesThatBreakGuests(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		return n == 5 || n == 6
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// OnInterrupt registers the callback invoked after a batch of completions
// publishes and the guest should be told, wired by the device's MMIO glue
// to MMIOTransport.RaiseQueueInterrupt.
func (d *Device) OnInterrupt(f func()) { d.onKick = f }

// Close stops the background pump reading emulator-generated input and
// then closes the emulator. Reset does not close the emulator; it only
// drops pending bytes.
func (d *Device) Close() error {
	close(d.stop)
	d.wg.Wait()
	return d.emu.Close()
}

// SendText injects host-originated text (an attached operator's
// keystrokes) into the guest's receive queue, the console-device analogue
// of the GUI terminal's SendText.
func (d *Device) SendText(text string) {
	d.emu.SendText(text)
}

// DeviceType implements virtio.Device.
func (d *Device) DeviceType() uint32 { return deviceID }

// NumQueues implements virtio.Device.
func (d *Device) NumQueues() int { return queueCount }

// Queue implements virtio.Device.
func (d *Device) Queue(index int) *virtio.Queue {
	if index < 0 || index >= queueCount {
		return nil
	}
	return d.queues[index]
}

// DeviceFeatures implements virtio.Device: this port advertises a fixed
// console size (VIRTIO_CONSOLE_F_SIZE), no multiport support.
func (d *Device) DeviceFeatures(page uint32) uint32 {
	if page != 0 {
		return 0
	}
	return featureSize
}

// Activate implements virtio.Device.
func (d *Device) Activate() error {
	slog.Info("virtio-console: activated", "cols", d.cols, "rows", d.rows)
	return nil
}

// Reset implements virtio.Device: pending output is dropped, matching the
// teacher's OnReset clearing buffered console bytes.
func (d *Device) Reset() error {
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
	return nil
}

// ReadConfig implements virtio.Device: cols, rows, max_nr_ports, and a
// zeroed emergency-write field, matching virtio-console's config layout.
func (d *Device) ReadConfig(offset uint16, buf []byte) {
	var space [12]byte
	binary.LittleEndian.PutUint16(space[0:2], d.cols)
	binary.LittleEndian.PutUint16(space[2:4], d.rows)
	binary.LittleEndian.PutUint32(space[4:8], 1)
	virtio.ReadConfig(space[:], offset, buf)
}

// WriteConfig implements virtio.Device: console config space is read-only.
func (d *Device) WriteConfig(offset uint16, buf []byte) {}

// QueueNotify implements virtio.QueueKicker: it drains the notified queue
// and, for the transmit queue, feeds guest output through the emulator;
// the receive queue is otherwise driven by pumpEmulatorInput, but a
// notify on it still attempts an immediate delivery in case bytes are
// already pending.
func (d *Device) QueueNotify(queueIndex int) error {
	var notify bool
	var err error
	switch queueIndex {
	case queueTransmit:
		notify, err = d.processTransmit()
	case queueReceive:
		notify, err = d.deliverPending()
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if notify && d.onKick != nil {
		d.onKick()
	}
	return nil
}

func (d *Device) processTransmit() (notify bool, err error) {
	q := d.queues[queueTransmit]
	it := q.Iter()
	processed := false
	var lastUsed uint16

	for {
		chain, ok, err := it.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		all, err := chain.All()
		if err != nil {
			return false, err
		}
		for _, desc := range virtio.Readable(all) {
			if desc.Len == 0 {
				continue
			}
			buf := make([]byte, desc.Len)
			if n, rerr := d.mem.ReadAt(buf, int64(desc.Addr)); rerr == nil {
				d.emu.Write(buf[:n])
			}
		}
		idx, added, err := q.AddUsed(chain.HeadIndex(), 0)
		if err != nil {
			return false, err
		}
		if !added {
			continue
		}
		processed = true
		lastUsed = idx
	}

	if !processed {
		return false, nil
	}
	return q.NeedsNotification(lastUsed)
}

// pumpEmulatorInput continuously drains vt-generated input (query replies
// and anything SendText/SendKey produce) into the pending buffer and
// attempts delivery, the same PTY<-VT bridging loop internal/cmd/term's
// main.go runs, minus the PTY.
func (d *Device) pumpEmulatorInput() {
	defer d.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := d.emu.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			d.mu.Lock()
			d.pending = append(d.pending, chunk...)
			d.mu.Unlock()
			if notify, derr := d.deliverPending(); derr != nil {
				slog.Warn("virtio-console: deliver pending input", "err", derr)
			} else if notify && d.onKick != nil {
				d.onKick()
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("virtio-console: emulator input read error", "err", err)
			}
			return
		}
		select {
		case <-d.stop:
			return
		default:
		}
	}
}

func (d *Device) deliverPending() (notify bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return false, nil
	}

	q := d.queues[queueReceive]
	it := q.Iter()
	processed := false
	var lastUsed uint16

	for len(d.pending) > 0 {
		chain, ok, err := it.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		all, err := chain.All()
		if err != nil {
			return false, err
		}
		var written uint32
		for _, desc := range virtio.Writable(all) {
			if len(d.pending) == 0 || desc.Len == 0 {
				continue
			}
			n := int(desc.Len)
			if n > len(d.pending) {
				n = len(d.pending)
			}
			if _, werr := d.mem.WriteAt(d.pending[:n], int64(desc.Addr)); werr != nil {
				return false, werr
			}
			d.pending = d.pending[n:]
			written += uint32(n)
		}
		idx, added, err := q.AddUsed(chain.HeadIndex(), written)
		if err != nil {
			return false, err
		}
		if !added {
			continue
		}
		processed = true
		lastUsed = idx
	}

	if !processed {
		return false, nil
	}
	return q.NeedsNotification(lastUsed)
}
