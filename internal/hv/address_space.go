package hv

import (
	"fmt"
	"sort"
	"sync"
)

// E820 region types.
const (
	E820RAM      uint32 = 1
	E820Reserved uint32 = 2
)

// E820Entry describes a single BIOS e820 memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// End returns the first address after the entry.
func (e E820Entry) End() uint64 { return e.Addr + e.Size }

// HiddenRegion is a range of RAM the firmware owns and hides from the
// memory map it reports to loaders.
type HiddenRegion struct {
	Name string
	Base uint64
	Size uint64
}

func (h HiddenRegion) End() uint64 { return h.Base + h.Size }

// AddressSpace tracks the guest physical memory map: the RAM the machine
// has and the parts of it the firmware keeps for itself.
type AddressSpace struct {
	mu sync.Mutex

	entries []E820Entry
	hidden  []HiddenRegion
}

// NewAddressSpace creates a memory map from e820 entries. Entries are sorted
// by address; zero-sized entries are dropped.
func NewAddressSpace(entries []E820Entry) *AddressSpace {
	a := &AddressSpace{}
	for _, ent := range entries {
		if ent.Size == 0 {
			continue
		}
		a.entries = append(a.entries, ent)
	}
	sort.Slice(a.entries, func(i, j int) bool { return a.entries[i].Addr < a.entries[j].Addr })
	return a
}

// Hide marks [base, base+size) as owned by the firmware. The region must lie
// inside RAM and must not overlap another hidden region.
func (a *AddressSpace) Hide(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot hide zero-size region %s", name)
	}
	end := base + size
	if end < base {
		return fmt.Errorf("address_space: region %s [0x%x+0x%x) wraps", name, base, size)
	}
	if !a.insideRAMLocked(base, end) {
		return fmt.Errorf("address_space: hidden region %s [0x%x-0x%x) is not RAM", name, base, end)
	}
	for _, h := range a.hidden {
		if base < h.End() && end > h.Base {
			return fmt.Errorf("address_space: hidden region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, end, h.Name, h.Base, h.End())
		}
	}
	a.hidden = append(a.hidden, HiddenRegion{Name: name, Base: base, Size: size})
	return nil
}

// Unhide releases a hidden region by name.
func (a *AddressSpace) Unhide(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, h := range a.hidden {
		if h.Name == name {
			a.hidden = append(a.hidden[:i], a.hidden[i+1:]...)
			return true
		}
	}
	return false
}

// Usable reports whether [base, base+size) lies wholly within one RAM entry
// and overlaps no hidden region.
func (a *AddressSpace) Usable(base, size uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	end := base + size
	if end < base {
		return false
	}
	if !a.insideRAMLocked(base, end) {
		return false
	}
	for _, h := range a.hidden {
		if base < h.End() && end > h.Base {
			return false
		}
	}
	return true
}

func (a *AddressSpace) insideRAMLocked(base, end uint64) bool {
	for _, ent := range a.entries {
		if ent.Type != E820RAM {
			continue
		}
		if base >= ent.Addr && end <= ent.End() {
			return true
		}
	}
	return false
}

// Entries returns a copy of the memory map.
func (a *AddressSpace) Entries() []E820Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]E820Entry, len(a.entries))
	copy(result, a.entries)
	return result
}

// Hidden returns a copy of all hidden regions.
func (a *AddressSpace) Hidden() []HiddenRegion {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]HiddenRegion, len(a.hidden))
	copy(result, a.hidden)
	return result
}

// RAMEnd returns the first address after the highest RAM entry.
func (a *AddressSpace) RAMEnd() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var end uint64
	for _, ent := range a.entries {
		if ent.Type == E820RAM && ent.End() > end {
			end = ent.End()
		}
	}
	return end
}

// DefaultE820Map returns the PC memory map for RAM spanning
// [memStart, memEnd): conventional memory, the reserved ISA/BIOS hole and
// extended memory above 1 MiB.
func DefaultE820Map(memStart, memEnd uint64) []E820Entry {
	if memEnd <= memStart {
		return nil
	}

	const (
		pageSize      = 0x1000
		isaMemEnd     = 0x0009f000
		biosRegionEnd = 0x00100000
	)

	memStart = alignDown(memStart, pageSize)
	memEnd = alignDown(memEnd, pageSize)
	if memEnd <= memStart {
		return nil
	}

	var entries []E820Entry

	lowEnd := min(memEnd, isaMemEnd)
	if lowEnd > memStart {
		entries = append(entries, E820Entry{
			Addr: memStart,
			Size: lowEnd - memStart,
			Type: E820RAM,
		})
	}

	if memEnd > isaMemEnd {
		reserveStart := alignDown(max(isaMemEnd, memStart), pageSize)
		reserveEnd := alignDown(min(memEnd, biosRegionEnd), pageSize)
		if reserveEnd > reserveStart {
			entries = append(entries, E820Entry{
				Addr: reserveStart,
				Size: reserveEnd - reserveStart,
				Type: E820Reserved,
			})
		}
	}

	highStart := alignUp(max(biosRegionEnd, memStart), pageSize)
	if memEnd > highStart {
		entries = append(entries, E820Entry{
			Addr: highStart,
			Size: memEnd - highStart,
			Type: E820RAM,
		})
	}

	return entries
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}
