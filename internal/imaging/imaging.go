// Package imaging writes an installer image onto a raw block device. The
// device is driven through an explicit state machine (Unknown -> Online ->
// Prepared -> Offline -> Online) so that no mounted filesystem can interfere
// with the raw write; every transition is idempotent.
package imaging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/pvforge/pvforge/internal/blockdev"
	"github.com/pvforge/pvforge/internal/progress"
)

// DefaultChunkSize is the copy granularity. Multi-megabyte chunks keep the
// syscall rate low without starving the progress renderer.
const DefaultChunkSize = 4 << 20

// State of the target device as seen by the imager.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StatePrepared
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StatePrepared:
		return "prepared"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

// Operation describes one image write. BytesWritten only increases; a
// failure mid-copy invalidates the destination and the whole operation must
// be restarted from the prepare step.
type Operation struct {
	ImagePath string
	Device    blockdev.Device
	ChunkSize int
}

type runFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Imager owns the device state for the duration of one write pass.
type Imager struct {
	Logger   *logrus.Logger
	Renderer *progress.Renderer

	run    runFunc
	state  State
	rescan func(path string) error
}

func New(logger *logrus.Logger, renderer *progress.Renderer) *Imager {
	return &Imager{
		Logger:   logger,
		Renderer: renderer,
		run:      runCommand,
		state:    StateUnknown,
		rescan:   blockdev.RescanPartitions,
	}
}

// State reports the imager's view of the device.
func (im *Imager) State() State { return im.state }

// WriteImage performs the full sequence: release, wipe signatures, take the
// device offline, copy, flush, and bring the device back online. Any error
// in the copy loop is fatal to the operation; the destination must be
// treated as corrupt and the operation restarted.
func (im *Imager) WriteImage(op Operation) (*progress.Progress, error) {
	if op.ChunkSize <= 0 {
		op.ChunkSize = DefaultChunkSize
	}

	if err := im.online(op.Device); err != nil {
		return nil, err
	}
	if err := im.prepare(op.Device); err != nil {
		return nil, err
	}

	dst, err := im.offline(op.Device)
	if err != nil {
		return nil, err
	}
	defer dst.Close()

	src, err := os.Open(op.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, err
	}

	p := progress.New(uint64(info.Size()))
	im.Logger.Infof("writing %s to %s", op.ImagePath, op.Device.Path)
	if err := im.copyChunks(dst, src, op.ChunkSize, p); err != nil {
		im.state = StateUnknown
		return p, fmt.Errorf("write failed, %s must be re-wiped before reuse: %w", op.Device.Path, err)
	}

	if err := dst.Sync(); err != nil {
		im.state = StateUnknown
		return p, fmt.Errorf("flushing %s: %w", op.Device.Path, err)
	}
	if err := dst.Close(); err != nil {
		im.state = StateUnknown
		return p, fmt.Errorf("closing %s: %w", op.Device.Path, err)
	}

	return p, im.backOnline(op.Device)
}

// online verifies the device node is present. Re-entering is a no-op.
func (im *Imager) online(dev blockdev.Device) error {
	if im.state >= StateOnline {
		return nil
	}
	if _, err := os.Stat(dev.Path); err != nil {
		return fmt.Errorf("device %s not accessible: %w", dev.Path, err)
	}
	im.state = StateOnline
	return nil
}

// prepare releases any mounts the host holds on the device and clears the
// existing partition and filesystem signatures.
func (im *Imager) prepare(dev blockdev.Device) error {
	if im.state >= StatePrepared {
		return nil
	}
	if dev.Mounted {
		im.Logger.Infof("unmounting partitions on %s", dev.Path)
		// umount by device; ignore "not mounted" answers, they mean done
		if out, err := im.run("umount", "--all-targets", "--recursive", dev.Path); err != nil {
			im.Logger.Debugf("umount %s: %v (%s)", dev.Path, err, out)
		}
	}
	if out, err := im.run("wipefs", "--all", dev.Path); err != nil {
		return fmt.Errorf("wiping signatures on %s: %w (%s)", dev.Path, err, out)
	}
	im.state = StatePrepared
	return nil
}

// offline opens the device exclusively. The kernel refuses the exclusive
// open while any partition is mounted, which is exactly the guarantee the
// raw write needs.
func (im *Imager) offline(dev blockdev.Device) (*os.File, error) {
	if im.state < StatePrepared {
		return nil, errors.New("device must be prepared before going offline")
	}
	f, err := os.OpenFile(dev.Path, os.O_WRONLY|os.O_EXCL, 0)
	if err != nil {
		return nil, fmt.Errorf("exclusive open of %s: %w", dev.Path, err)
	}
	im.state = StateOffline
	return f, nil
}

// backOnline re-reads the partition table so partitioning tools can see the
// freshly written layout. Re-entering is a no-op.
func (im *Imager) backOnline(dev blockdev.Device) error {
	if im.state == StateOnline {
		return nil
	}
	if err := im.rescan(dev.Path); err != nil {
		// Non-fatal: the write completed, a replug also rescans.
		im.Logger.Warnf("partition rescan on %s: %v", dev.Path, err)
	}
	im.state = StateOnline
	return nil
}

func (im *Imager) copyChunks(dst io.Writer, src io.Reader, chunkSize int, p *progress.Progress) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			p.Update(uint64(n))
			if im.Renderer != nil {
				im.Renderer.Render(p, false)
			}
		}
		if err == io.EOF {
			if im.Renderer != nil {
				im.Renderer.Finish(p)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
