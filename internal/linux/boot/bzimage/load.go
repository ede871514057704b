// Package bzimage loads and starts Linux kernels in the bzImage format
// through the 16-bit real-mode boot protocol.
//
// Loading copies the real-mode setup code to 1000:0000 and the protected-mode
// kernel to 0x10000 or 0x100000, then records the heap and command line
// layout in the kernel header. Execution later rebuilds everything it needs
// from that resident header.
package bzimage

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/tinyrange/netboot/internal/hv"
	"github.com/tinyrange/netboot/internal/image"
	"github.com/tinyrange/netboot/internal/phys"
	"github.com/tinyrange/netboot/internal/segment"
)

// Loader is the bzImage image type.
type Loader struct {
	// Memory is the physical memory images are copied into.
	Memory hv.VirtualMachine
	// Segments validates target regions before anything is copied.
	Segments segment.Preparer
	// Shutdown tears down the firmware before control is transferred.
	Shutdown func()
	// Transfer performs the final jump into the kernel.
	Transfer Transfer
	Logger   *slog.Logger
}

var (
	_ image.Type = &Loader{}
)

func (l *Loader) Name() string { return "bzImage" }

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// loadContext is the layout computed for one load.
type loadContext struct {
	rmSegment phys.Segment
	rmBase    phys.Addr
	rmFilesz  uint64
	// rmHeap and rmCmdline are offsets from rmBase.
	rmHeap    uint64
	rmCmdline uint64
	rmMemsz   uint64

	pmBase phys.Addr
	pmSize uint64
}

// planLoad computes where the two portions of an image of length imageLen go.
func planLoad(hdr *Header, imageLen uint64) (loadContext, error) {
	var lc loadContext

	seg, err := phys.SegmentOf(realModeBase)
	if err != nil {
		return loadContext{}, err
	}
	lc.rmSegment = seg
	lc.rmBase = realModeBase
	lc.rmFilesz = (hdr.setupSectors() + 1) * sectorSize
	lc.rmMemsz = lc.rmFilesz
	if lc.rmFilesz > imageLen {
		return loadContext{}, fmt.Errorf("%d bytes of setup: %w", lc.rmFilesz, ErrTruncated)
	}

	if hdr.LoadFlags&LoadedHigh != 0 {
		lc.pmBase = LoadHighAddr
	} else {
		lc.pmBase = LoadLowAddr
	}
	lc.pmSize = imageLen - lc.rmFilesz

	lc.rmMemsz += stackSize
	lc.rmHeap = lc.rmMemsz

	lc.rmCmdline = lc.rmMemsz
	lc.rmMemsz += cmdlineSize

	if lc.rmMemsz > 0xffff {
		return loadContext{}, fmt.Errorf("real-mode portion of %#x bytes: %w", lc.rmMemsz, phys.ErrOutsideSegment)
	}

	return lc, nil
}

// Load implements image.Type.
func (l *Loader) Load(img *image.Image) error {
	hdr, err := ReadHeader(bytes.NewReader(img.Data), int64(len(img.Data)))
	if err != nil {
		l.logger().Debug("bzImage header rejected", "image", img.Name, "error", err)
		return &FormatError{Image: img.Name, Reason: err}
	}

	lc, err := planLoad(hdr, img.Len())
	if err != nil {
		l.logger().Debug("bzImage layout rejected", "image", img.Name, "error", err)
		return &FormatError{Image: img.Name, Reason: err}
	}
	l.logger().Debug("bzImage layout",
		"image", img.Name,
		"version", hdr.Version,
		"rm_bytes", fmt.Sprintf("%#x", lc.rmFilesz),
		"pm_bytes", fmt.Sprintf("%#x", lc.pmSize),
		"pm_base", lc.pmBase,
	)

	// The header is valid, so the image is a bzImage even if loading fails.
	if img.Type == nil {
		img.Type = l
	}

	if err := l.loadReal(img, &lc); err != nil {
		return err
	}
	if err := l.loadNonReal(img, &lc); err != nil {
		return err
	}
	if err := l.writeHeader(&lc, hdr); err != nil {
		return err
	}

	img.Loaded = &image.LoadedState{Segment: lc.rmSegment}
	return nil
}

// loadReal copies the setup code and reserves the stack and command line
// space behind it.
func (l *Loader) loadReal(img *image.Image, lc *loadContext) error {
	if err := l.Segments.Prepare(lc.rmBase, lc.rmFilesz, lc.rmMemsz); err != nil {
		l.logger().Debug("could not prepare RM segment", "image", img.Name, "error", err)
		return &ResourceError{Segment: "real-mode", Addr: lc.rmBase, Err: err}
	}
	if _, err := l.Memory.WriteAt(img.Data[:lc.rmFilesz], lc.rmBase.Offset()); err != nil {
		return fmt.Errorf("copy real-mode portion: %w", err)
	}
	return nil
}

// loadNonReal copies the protected-mode kernel.
func (l *Loader) loadNonReal(img *image.Image, lc *loadContext) error {
	if err := l.Segments.Prepare(lc.pmBase, lc.pmSize, lc.pmSize); err != nil {
		l.logger().Debug("could not prepare PM segment", "image", img.Name, "error", err)
		return &ResourceError{Segment: "protected-mode", Addr: lc.pmBase, Err: err}
	}
	if _, err := l.Memory.WriteAt(img.Data[lc.rmFilesz:], lc.pmBase.Offset()); err != nil {
		return fmt.Errorf("copy protected-mode portion: %w", err)
	}
	return nil
}

// writeHeader records this loader, the heap and the command line location in
// the resident header. Kernels older than 2.02 get the legacy command line
// descriptor instead of cmd_line_ptr.
func (l *Loader) writeHeader(lc *loadContext, hdr *Header) error {
	heapEnd, err := phys.ToReal(lc.rmSegment, lc.rmBase.Add(lc.rmHeap-heapEndBias))
	if err != nil {
		return fmt.Errorf("heap end: %w", err)
	}
	cmdline, err := phys.ToReal(lc.rmSegment, lc.rmBase.Add(lc.rmCmdline))
	if err != nil {
		return fmt.Errorf("command line: %w", err)
	}

	hdr.TypeOfLoader = LoaderTypeEtherboot
	if hdr.Version >= versionHeap {
		hdr.HeapEndPtr = heapEnd.Offset
		hdr.LoadFlags |= CanUseHeap
	}
	if hdr.Version >= versionCmdlinePtr {
		hdr.CmdLinePtr = uint32(cmdline.Linear())
	} else {
		legacy := legacyCmdline{Magic: legacyCmdlineMagic, Offset: cmdline.Offset}
		if err := legacy.writeAt(l.Memory, lc.rmBase); err != nil {
			return err
		}
		hdr.SetupMoveSize = uint16(lc.rmMemsz)
	}
	return hdr.WriteAt(l.Memory, lc.rmBase)
}
