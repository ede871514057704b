// Package segment validates and prepares physical memory regions that a
// loader is about to copy an image segment into.
package segment

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/netboot/internal/hv"
	"github.com/tinyrange/netboot/internal/phys"
)

// ErrNoSpace is returned when a region is not free RAM.
var ErrNoSpace = errors.New("segment does not fit into available memory")

// Preparer validates that [addr, addr+memsz) is free RAM and makes the part
// beyond filesz safe by zeroing it. A failed call reserves nothing.
type Preparer interface {
	Prepare(addr phys.Addr, filesz, memsz uint64) error
}

// zeroer is implemented by guest memory that can clear ranges without an
// intermediate buffer.
type zeroer interface {
	Zero(gpa, size uint64) error
}

// Map prepares segments against a memory map. It keeps no record of
// prepared regions; ownership stays with the caller until it hides them.
type Map struct {
	Memory hv.VirtualMachine
	Space  *hv.AddressSpace
	Logger *slog.Logger
}

func (m *Map) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Prepare implements Preparer.
func (m *Map) Prepare(addr phys.Addr, filesz, memsz uint64) error {
	if filesz > memsz {
		return fmt.Errorf("prepare segment at %s: file size %#x exceeds memory size %#x", addr, filesz, memsz)
	}
	end := addr.End(memsz)
	if end < addr {
		return fmt.Errorf("prepare segment at %s+%#x: %w", addr, memsz, ErrNoSpace)
	}
	if !m.Space.Usable(uint64(addr), memsz) {
		m.logger().Debug("segment rejected", "start", addr, "end", end)
		return fmt.Errorf("segment [%s,%s): %w", addr, end, ErrNoSpace)
	}

	tail := memsz - filesz
	if tail == 0 {
		return nil
	}
	tailStart := addr.Add(filesz)
	if z, ok := m.Memory.(zeroer); ok {
		if err := z.Zero(uint64(tailStart), tail); err != nil {
			return fmt.Errorf("zero segment tail at %s: %w", tailStart, err)
		}
		return nil
	}
	if _, err := m.Memory.WriteAt(make([]byte, tail), tailStart.Offset()); err != nil {
		return fmt.Errorf("zero segment tail at %s: %w", tailStart, err)
	}
	return nil
}

var (
	_ Preparer = &Map{}
)
