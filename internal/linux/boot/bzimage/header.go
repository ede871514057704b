package bzimage

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/netboot/internal/phys"
)

// ProtocolVersion is the boot protocol version, major in the high byte.
type ProtocolVersion uint16

func (v ProtocolVersion) Major() int { return int(v >> 8) }
func (v ProtocolVersion) Minor() int { return int(v & 0xff) }

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%02d", v.Major(), v.Minor())
}

// Semver returns the version in golang.org/x/mod/semver form, e.g. "v2.3".
func (v ProtocolVersion) Semver() string {
	return fmt.Sprintf("v%d.%d", v.Major(), v.Minor())
}

// Header is the kernel boot header. Encoding writes the typed fields over the
// raw bytes it was read from, so fields this loader does not know about are
// carried through unchanged.
type Header struct {
	SetupSects     uint8
	RootFlags      uint16
	SysSize        uint32
	RamSize        uint16
	VidMode        uint16
	RootDev        uint16
	BootFlag       uint16
	Jump           uint16
	Header         uint32
	Version        ProtocolVersion
	RealmodeSwtch  uint32
	StartSysSeg    uint16
	KernelVersion  uint16
	TypeOfLoader   uint8
	LoadFlags      uint8
	SetupMoveSize  uint16
	Code32Start    uint32
	RamdiskImage   uint32
	RamdiskSize    uint32
	BootsectKludge uint32
	HeapEndPtr     uint16
	CmdLinePtr     uint32
	InitrdAddrMax  uint32

	raw [setupHeaderSize]byte
}

// ReadHeader reads and validates the boot header of an image of the given
// size. The returned errors wrap ErrTooShort, ErrBadSignature or
// ErrUnsupportedVersion.
func ReadHeader(r io.ReaderAt, size int64) (*Header, error) {
	if size < setupHeaderOffset+setupHeaderSize {
		return nil, ErrTooShort
	}
	var h Header
	if _, err := r.ReadAt(h.raw[:], setupHeaderOffset); err != nil {
		return nil, fmt.Errorf("read kernel header: %w", err)
	}
	h.decode()
	if h.Header != Signature {
		return nil, ErrBadSignature
	}
	if h.Version < versionMin {
		return nil, fmt.Errorf("version %s: %w", h.Version, ErrUnsupportedVersion)
	}
	return &h, nil
}

func (h *Header) field(offset int) []byte {
	return h.raw[offset-setupHeaderOffset:]
}

func (h *Header) decode() {
	le := binary.LittleEndian
	h.SetupSects = h.field(setupSectsOffset)[0]
	h.RootFlags = le.Uint16(h.field(rootFlagsOffset))
	h.SysSize = le.Uint32(h.field(sysSizeOffset))
	h.RamSize = le.Uint16(h.field(ramSizeOffset))
	h.VidMode = le.Uint16(h.field(vidModeOffset))
	h.RootDev = le.Uint16(h.field(rootDevOffset))
	h.BootFlag = le.Uint16(h.field(bootFlagOffset))
	h.Jump = le.Uint16(h.field(jumpOffset))
	h.Header = le.Uint32(h.field(headerOffset))
	h.Version = ProtocolVersion(le.Uint16(h.field(versionOffset)))
	h.RealmodeSwtch = le.Uint32(h.field(realmodeSwtchOffset))
	h.StartSysSeg = le.Uint16(h.field(startSysSegOffset))
	h.KernelVersion = le.Uint16(h.field(kernelVersionOffset))
	h.TypeOfLoader = h.field(typeOfLoaderOffset)[0]
	h.LoadFlags = h.field(loadFlagsOffset)[0]
	h.SetupMoveSize = le.Uint16(h.field(setupMoveSizeOffset))
	h.Code32Start = le.Uint32(h.field(code32StartOffset))
	h.RamdiskImage = le.Uint32(h.field(ramdiskImageOffset))
	h.RamdiskSize = le.Uint32(h.field(ramdiskSizeOffset))
	h.BootsectKludge = le.Uint32(h.field(bootsectKludgeOffset))
	h.HeapEndPtr = le.Uint16(h.field(heapEndPtrOffset))
	h.CmdLinePtr = le.Uint32(h.field(cmdLinePtrOffset))
	h.InitrdAddrMax = le.Uint32(h.field(initrdAddrMaxOffset))
}

// MarshalBinary returns the encoded header bytes as found at offset 0x1f1.
func (h *Header) MarshalBinary() ([]byte, error) {
	le := binary.LittleEndian
	out := h.raw
	put := func(offset int) []byte { return out[offset-setupHeaderOffset:] }

	put(setupSectsOffset)[0] = h.SetupSects
	le.PutUint16(put(rootFlagsOffset), h.RootFlags)
	le.PutUint32(put(sysSizeOffset), h.SysSize)
	le.PutUint16(put(ramSizeOffset), h.RamSize)
	le.PutUint16(put(vidModeOffset), h.VidMode)
	le.PutUint16(put(rootDevOffset), h.RootDev)
	le.PutUint16(put(bootFlagOffset), h.BootFlag)
	le.PutUint16(put(jumpOffset), h.Jump)
	le.PutUint32(put(headerOffset), h.Header)
	le.PutUint16(put(versionOffset), uint16(h.Version))
	le.PutUint32(put(realmodeSwtchOffset), h.RealmodeSwtch)
	le.PutUint16(put(startSysSegOffset), h.StartSysSeg)
	le.PutUint16(put(kernelVersionOffset), h.KernelVersion)
	put(typeOfLoaderOffset)[0] = h.TypeOfLoader
	put(loadFlagsOffset)[0] = h.LoadFlags
	le.PutUint16(put(setupMoveSizeOffset), h.SetupMoveSize)
	le.PutUint32(put(code32StartOffset), h.Code32Start)
	le.PutUint32(put(ramdiskImageOffset), h.RamdiskImage)
	le.PutUint32(put(ramdiskSizeOffset), h.RamdiskSize)
	le.PutUint32(put(bootsectKludgeOffset), h.BootsectKludge)
	le.PutUint16(put(heapEndPtrOffset), h.HeapEndPtr)
	le.PutUint32(put(cmdLinePtrOffset), h.CmdLinePtr)
	le.PutUint32(put(initrdAddrMaxOffset), h.InitrdAddrMax)

	return out[:], nil
}

// WriteAt stores the header into a real-mode segment whose base is at base.
func (h *Header) WriteAt(w io.WriterAt, base phys.Addr) error {
	buf, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.WriteAt(buf, base.Add(setupHeaderOffset).Offset()); err != nil {
		return fmt.Errorf("write kernel header: %w", err)
	}
	return nil
}

// setupSectors returns setup_sects with the historical default applied.
func (h *Header) setupSectors() uint64 {
	if h.SetupSects == 0 {
		return defaultSetupSectors
	}
	return uint64(h.SetupSects)
}

// legacyCmdline is the command line descriptor used by kernels that predate
// cmd_line_ptr.
type legacyCmdline struct {
	Magic  uint16
	Offset uint16
}

func (c legacyCmdline) writeAt(w io.WriterAt, base phys.Addr) error {
	var buf [legacyCmdlineSize]byte
	binary.LittleEndian.PutUint16(buf[0:], c.Magic)
	binary.LittleEndian.PutUint16(buf[2:], c.Offset)
	if _, err := w.WriteAt(buf[:], base.Add(legacyCmdlineOffset).Offset()); err != nil {
		return fmt.Errorf("write legacy command line descriptor: %w", err)
	}
	return nil
}

func readLegacyCmdline(r io.ReaderAt, base phys.Addr) (legacyCmdline, error) {
	var buf [legacyCmdlineSize]byte
	if _, err := r.ReadAt(buf[:], base.Add(legacyCmdlineOffset).Offset()); err != nil {
		return legacyCmdline{}, fmt.Errorf("read legacy command line descriptor: %w", err)
	}
	return legacyCmdline{
		Magic:  binary.LittleEndian.Uint16(buf[0:]),
		Offset: binary.LittleEndian.Uint16(buf[2:]),
	}, nil
}
