package hv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

// Architecture encoding for snapshot files
const (
	SnapshotArchInvalid uint32 = 0
	SnapshotArchX86_64  uint32 = 1
)

// Snapshot mode encoding; the handoff snapshot always starts in real mode.
const (
	SnapshotModeReal      uint32 = 1
	SnapshotModeProtected uint32 = 2
)

var ErrBadSnapshot = errors.New("not a handoff snapshot")

// ArchToSnapshotArch converts a CpuArchitecture to its snapshot file encoding.
func ArchToSnapshotArch(arch CpuArchitecture) uint32 {
	switch arch {
	case ArchitectureX86_64:
		return SnapshotArchX86_64
	default:
		return SnapshotArchInvalid
	}
}

// SnapshotArchToArch converts a snapshot file architecture encoding to CpuArchitecture.
func SnapshotArchToArch(arch uint32) CpuArchitecture {
	switch arch {
	case SnapshotArchX86_64:
		return ArchitectureX86_64
	default:
		return ArchitectureInvalid
	}
}

// SnapshotHeader is the fixed part of a snapshot file. It is followed by
// RegisterCount (register, value) pairs of two little-endian uint64s and then
// MemorySize bytes of guest RAM.
type SnapshotHeader struct {
	Magic         uint32
	Version       uint32
	Arch          uint32
	Mode          uint32
	RegisterCount uint32
	_             uint32
	MemoryBase    uint64
	MemorySize    uint64
}

// Snapshot is a decoded snapshot without its memory payload.
type Snapshot struct {
	Arch       CpuArchitecture
	Mode       uint32
	Registers  map[Register]uint64
	MemoryBase uint64
	MemorySize uint64
}

// WriteSnapshot writes the register state and the whole of vm's memory to w.
func WriteSnapshot(w io.Writer, vm VirtualMachine, mode uint32, regs map[Register]RegisterValue) error {
	ids := make([]Register, 0, len(regs))
	for reg := range regs {
		if _, ok := registerNames[reg]; !ok {
			return fmt.Errorf("snapshot register %d: %w", reg, ErrUnknownRegister)
		}
		ids = append(ids, reg)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	hdr := SnapshotHeader{
		Magic:         SnapshotMagic,
		Version:       SnapshotVersion,
		Arch:          ArchToSnapshotArch(ArchitectureX86_64),
		Mode:          mode,
		RegisterCount: uint32(len(ids)),
		MemoryBase:    vm.MemoryBase(),
		MemorySize:    vm.MemorySize(),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}

	for _, reg := range ids {
		val, ok := regs[reg].(Register64)
		if !ok {
			return fmt.Errorf("snapshot register %s: unsupported value %T", reg, regs[reg])
		}
		pair := [2]uint64{uint64(reg), uint64(val)}
		if err := binary.Write(w, binary.LittleEndian, pair); err != nil {
			return fmt.Errorf("write snapshot register %s: %w", reg, err)
		}
	}

	const chunkSize = 1 << 20
	buf := make([]byte, chunkSize)
	base := vm.MemoryBase()
	remaining := vm.MemorySize()
	for off := uint64(0); remaining > 0; {
		n := min(remaining, chunkSize)
		if _, err := vm.ReadAt(buf[:n], int64(base+off)); err != nil {
			return fmt.Errorf("read guest memory at %#x: %w", base+off, err)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("write snapshot memory: %w", err)
		}
		off += n
		remaining -= n
	}
	return nil
}

// ReadSnapshot decodes the header and registers of a snapshot. The reader is
// left positioned at the start of the memory payload.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var hdr SnapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	if hdr.Magic != SnapshotMagic {
		return nil, fmt.Errorf("magic %#x: %w", hdr.Magic, ErrBadSnapshot)
	}
	if hdr.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", hdr.Version)
	}

	snap := &Snapshot{
		Arch:       SnapshotArchToArch(hdr.Arch),
		Mode:       hdr.Mode,
		Registers:  make(map[Register]uint64, hdr.RegisterCount),
		MemoryBase: hdr.MemoryBase,
		MemorySize: hdr.MemorySize,
	}
	for i := uint32(0); i < hdr.RegisterCount; i++ {
		var pair [2]uint64
		if err := binary.Read(r, binary.LittleEndian, &pair); err != nil {
			return nil, fmt.Errorf("read snapshot register %d: %w", i, err)
		}
		snap.Registers[Register(pair[0])] = pair[1]
	}
	return snap, nil
}
