package bzimage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/netboot/internal/hv"
	"github.com/tinyrange/netboot/internal/image"
	"github.com/tinyrange/netboot/internal/phys"
)

// execContext is rebuilt from the resident header on every Exec.
type execContext struct {
	rmSegment phys.Segment
	rmBase    phys.Addr
	// rmHeap and rmCmdline are offsets from rmBase.
	rmHeap    uint64
	rmCmdline uint64

	vidMode  uint16
	memLimit uint64

	ramdiskImage phys.Addr
	ramdiskSize  uint64
}

// RealModeEntry is the machine state the kernel is entered with.
type RealModeEntry struct {
	// Segment is loaded into DS, ES, FS, GS and SS.
	Segment phys.Segment
	// Entry is the CS:IP of the first instruction.
	Entry        phys.RealAddr
	StackPointer uint16
}

// Registers returns the register file for the entry state.
func (e RealModeEntry) Registers() map[hv.Register]hv.RegisterValue {
	seg := hv.Register64(e.Segment)
	return map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Cs:     hv.Register64(e.Entry.Segment),
		hv.RegisterAMD64Rip:    hv.Register64(e.Entry.Offset),
		hv.RegisterAMD64Ds:     seg,
		hv.RegisterAMD64Es:     seg,
		hv.RegisterAMD64Fs:     seg,
		hv.RegisterAMD64Gs:     seg,
		hv.RegisterAMD64Ss:     seg,
		hv.RegisterAMD64Rsp:    hv.Register64(e.StackPointer),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}
}

// Transfer hands the machine to the kernel. Jump does not return when it
// succeeds; any return, with or without an error, means the kernel could not
// be entered or gave control back.
type Transfer interface {
	Jump(entry RealModeEntry) error
}

// Exec implements image.Type. It returns an error only for failures that
// happen before the firmware is shut down. After that point it either never
// returns or panics with a *FatalError.
func (l *Loader) Exec(img *image.Image, images []*image.Image) error {
	if img.Loaded == nil {
		return fmt.Errorf("exec %s: %w", img.Name, image.ErrNotLoaded)
	}
	if l.Transfer == nil {
		return fmt.Errorf("exec %s: %w", img.Name, ErrNoTransfer)
	}
	if l.Shutdown == nil {
		return fmt.Errorf("exec %s: %w", img.Name, ErrNoShutdown)
	}
	log := l.logger()

	ec := execContext{
		rmSegment: img.Loaded.Segment,
		rmBase:    img.Loaded.Segment.Base(),
	}

	hdr, err := residentHeader(l.Memory, ec.rmBase)
	if err != nil {
		return fmt.Errorf("exec %s: resident header: %w", img.Name, err)
	}
	if hdr.Version >= versionHeap {
		ec.rmHeap = uint64(hdr.HeapEndPtr) + heapEndBias
	} else {
		legacy, err := readLegacyCmdline(l.Memory, ec.rmBase)
		if err != nil {
			return fmt.Errorf("exec %s: %w", img.Name, err)
		}
		if legacy.Magic != legacyCmdlineMagic {
			return fmt.Errorf("exec %s: legacy command line magic %#x", img.Name, legacy.Magic)
		}
		ec.rmHeap = uint64(legacy.Offset)
	}
	ec.rmCmdline = ec.rmHeap
	stack, err := phys.ToReal(ec.rmSegment, ec.rmBase.Add(ec.rmHeap))
	if err != nil {
		return fmt.Errorf("exec %s: stack: %w", img.Name, err)
	}
	ec.vidMode = hdr.VidMode
	if hdr.Version >= versionInitrdAddrMax {
		ec.memLimit = uint64(hdr.InitrdAddrMax) + 1
	} else {
		ec.memLimit = initrdMax + 1
	}

	parseCmdline(log, img.Name, img.Cmdline, &ec)
	if err := l.setCmdline(img.Name, &ec, img.Cmdline); err != nil {
		return fmt.Errorf("exec %s: %w", img.Name, err)
	}

	if initrd := image.FirstOfType(images, image.Initrd); initrd != nil {
		if err := l.loadInitrd(img, &ec, initrd); err != nil {
			return fmt.Errorf("exec %s: %w", img.Name, err)
		}
	}

	hdr.VidMode = ec.vidMode
	hdr.RamdiskImage = uint32(ec.ramdiskImage)
	hdr.RamdiskSize = uint32(ec.ramdiskSize)
	if err := hdr.WriteAt(l.Memory, ec.rmBase); err != nil {
		return fmt.Errorf("exec %s: %w", img.Name, err)
	}

	entry := RealModeEntry{
		Segment:      ec.rmSegment,
		Entry:        phys.RealAddr{Segment: ec.rmSegment.Add(entryParagraphs)},
		StackPointer: stack.Offset,
	}
	log.Info("starting kernel",
		"image", img.Name,
		"version", hdr.Version,
		"entry", entry.Entry,
		"initrd", ec.ramdiskImage,
		"initrd_size", ec.ramdiskSize,
	)

	l.Shutdown()

	err = l.Transfer.Jump(entry)
	panic(&FatalError{Image: img.Name, Entry: entry.Entry, Err: err})
}

// CPUTransfer enters the kernel on a virtual CPU.
type CPUTransfer struct {
	CPU hv.VirtualCPUAmd64
	// Context bounds the vCPU run loop. Nil means context.Background.
	Context context.Context
	Logger  *slog.Logger
}

// Jump implements Transfer. It runs the vCPU until it stops and returns the
// reason it stopped.
func (t *CPUTransfer) Jump(entry RealModeEntry) error {
	ctx := t.Context
	if ctx == nil {
		ctx = context.Background()
	}
	log := t.Logger
	if log == nil {
		log = slog.Default()
	}

	if err := t.CPU.SetRealMode(); err != nil {
		return fmt.Errorf("enter real mode: %w", err)
	}
	if err := t.CPU.SetRegisters(entry.Registers()); err != nil {
		return fmt.Errorf("set entry registers: %w", err)
	}
	log.Debug("vCPU entering kernel", "cpu", t.CPU.ID(), "entry", entry.Entry, "sp", fmt.Sprintf("%#04x", entry.StackPointer))

	for {
		err := t.CPU.Run(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, hv.ErrVMHalted) {
			return err
		}
		return fmt.Errorf("run vCPU %d: %w", t.CPU.ID(), err)
	}
}

var (
	_ Transfer = &CPUTransfer{}
)

// ReadLoadedHeader returns the header as it is resident in memory for a
// loaded image.
func ReadLoadedHeader(mem hv.VirtualMachine, img *image.Image) (*Header, error) {
	if img.Loaded == nil {
		return nil, image.ErrNotLoaded
	}
	return residentHeader(mem, img.Loaded.Segment.Base())
}

func residentHeader(mem io.ReaderAt, base phys.Addr) (*Header, error) {
	const size = setupHeaderOffset + setupHeaderSize
	return ReadHeader(io.NewSectionReader(mem, base.Offset(), size), size)
}
