// Command vioctl drives a virtio-blk device end to end without a real
// hypervisor: it allocates a simulated guest memory arena, brings the
// device up through the MMIO transport exactly as a guest driver would
// (feature negotiation, queue configuration, DRIVER_OK), then streams an
// input file into the backend image one descriptor chain at a time,
// notifying the device the way a guest's queue-notify write would.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/vio/virtio"
	"github.com/tinyrange/vio/virtio/blk"
)

const (
	sectorSize  = 512
	chunkSize   = 64 * 1024
	queueSize   = 128
	defaultMem  = 1 << 20 // 1 MiB simulated guest memory arena
	irqLine     = 5
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "vioctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("vioctl", flag.ContinueOnError)
	backendPath := fs.String("backend", "", "path to the disk image backing the virtio-blk device (created if missing)")
	inputPath := fs.String("input", "-", "source to stream into the backend; \"-\" reads stdin")
	memSize := fs.Uint64("mem-size", defaultMem, "size in bytes of the simulated guest memory arena")
	readOnly := fs.Bool("readonly", false, "expose the backend read-only (negotiation only; write attempt will fail)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *backendPath == "" {
		return fmt.Errorf("-backend is required")
	}

	var in io.Reader = os.Stdin
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	backend, err := os.OpenFile(*backendPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer backend.Close()

	info, err := backend.Stat()
	if err != nil {
		return fmt.Errorf("stat backend: %w", err)
	}
	capacity := info.Size()
	if capacity == 0 {
		capacity = 1 << 30 // sparse 1 GiB image; writes extend it as needed
	}

	mem := newArenaMemory(*memSize)
	layout, err := newQueueLayout(*memSize, queueSize)
	if err != nil {
		return fmt.Errorf("lay out guest memory: %w", err)
	}

	dev := blk.NewDevice(mem, backend, uint64(capacity), *readOnly)
	irq := &countingIRQ{}
	transport := virtio.NewMMIOTransport(dev, irqLine, irq, dev)
	dev.OnInterrupt(func() {
		if err := transport.RaiseQueueInterrupt(); err != nil {
			slog.Warn("vioctl: raise queue interrupt", "err", err)
		}
	})
	dev.OnNeedsReset(transport.Config().SetNeedsReset)

	if err := bringUp(transport, layout); err != nil {
		return fmt.Errorf("bring up device: %w", err)
	}

	driver := &fakeDriver{mem: mem, layout: layout, transport: transport}

	var bar *progressbar.ProgressBar
	if info.Size() > 0 {
		bar = progressbar.DefaultBytes(info.Size(), "streaming")
	} else {
		bar = progressbar.DefaultBytes(-1, "streaming")
	}
	defer bar.Close()

	buf := make([]byte, chunkSize)
	var sector uint64
	for {
		n, rerr := io.ReadFull(in, buf)
		if n > 0 {
			if werr := driver.writeSectors(sector, buf[:n]); werr != nil {
				return fmt.Errorf("write at sector %d: %w", sector, werr)
			}
			sector += uint64(n) / sectorSize
			if n%sectorSize != 0 {
				sector++
			}
			bar.Add(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read input: %w", rerr)
		}
	}

	if err := driver.flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	slog.Info("vioctl: done", "sectors_written", sector, "irqs", irq.count)
	return nil
}

// countingIRQ is a minimal virtio.InterruptRaiser: it has no guest vCPU
// to pulse, so it just counts edges for the operator summary.
type countingIRQ struct{ count int }

func (c *countingIRQ) RaiseIRQ(line uint32) error {
	c.count++
	return nil
}

// bringUp drives the MMIO register sequence a guest driver performs
// during bus probing: ACK, DRIVER, feature negotiation, FEATURES_OK,
// queue configuration (which the transport only accepts once
// FEATURES_OK is set), then DRIVER_OK (which triggers Device.Activate
// once every queue is valid).
func bringUp(t *virtio.MMIOTransport, l queueLayout) error {
	write := func(offset uint64, value uint32) error {
		return t.Write(offset, 4, uint64(value))
	}

	if err := write(virtio.MMIOStatus, uint32(virtio.StatusAcknowledge)); err != nil {
		return err
	}
	if err := write(virtio.MMIOStatus, uint32(virtio.StatusAcknowledge|virtio.StatusDriver)); err != nil {
		return err
	}

	if err := write(virtio.MMIODeviceFeaturesSel, 0); err != nil {
		return err
	}
	features, err := t.Read(virtio.MMIODeviceFeatures, 4)
	if err != nil {
		return err
	}
	if err := write(virtio.MMIODriverFeaturesSel, 0); err != nil {
		return err
	}
	if err := write(virtio.MMIODriverFeatures, uint32(features)); err != nil {
		return err
	}

	if err := write(virtio.MMIOQueueSel, 0); err != nil {
		return err
	}
	if err := write(virtio.MMIOStatus, uint32(virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK)); err != nil {
		return err
	}
	if err := write(virtio.MMIOQueueNum, uint32(l.size)); err != nil {
		return err
	}
	if err := write(virtio.MMIOQueueDescLow, uint32(l.descTable)); err != nil {
		return err
	}
	if err := write(virtio.MMIOQueueDescHigh, uint32(l.descTable>>32)); err != nil {
		return err
	}
	if err := write(virtio.MMIOQueueAvailLow, uint32(l.availRing)); err != nil {
		return err
	}
	if err := write(virtio.MMIOQueueAvailHigh, uint32(l.availRing>>32)); err != nil {
		return err
	}
	if err := write(virtio.MMIOQueueUsedLow, uint32(l.usedRing)); err != nil {
		return err
	}
	if err := write(virtio.MMIOQueueUsedHigh, uint32(l.usedRing>>32)); err != nil {
		return err
	}
	if err := write(virtio.MMIOQueueReady, 1); err != nil {
		return err
	}

	return write(virtio.MMIOStatus, uint32(virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK|virtio.StatusDriverOK))
}
