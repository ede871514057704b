package hv

import (
	"fmt"
	"sync"
)

// Memory is a contiguous block of guest RAM starting at a fixed guest
// physical base.
type Memory struct {
	memMu  sync.RWMutex
	base   uint64
	memory []byte
	unmap  func([]byte) error
}

// NewMemory allocates size bytes of zeroed guest RAM at base.
func NewMemory(base, size uint64) (*Memory, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 {
		return nil, fmt.Errorf("allocate memory: zero size")
	}
	if size > maxInt {
		return nil, fmt.Errorf("allocate memory: size %d exceeds host address limit", size)
	}
	mem, unmap, err := allocateMemory(int(size))
	if err != nil {
		return nil, fmt.Errorf("allocate memory: %w", err)
	}
	return &Memory{base: base, memory: mem, unmap: unmap}, nil
}

// implements VirtualMachine.
func (m *Memory) MemoryBase() uint64 { return m.base }
func (m *Memory) MemorySize() uint64 {
	m.memMu.RLock()
	defer m.memMu.RUnlock()
	return uint64(len(m.memory))
}

func (m *Memory) hostOffset(gpa uint64, n int) (uint64, error) {
	if m.memory == nil {
		return 0, ErrMemoryClosed
	}
	if gpa < m.base {
		return 0, fmt.Errorf("GPA %#x below memory base %#x: %w", gpa, m.base, ErrOutOfRange)
	}
	off := gpa - m.base
	if off > uint64(len(m.memory)) || uint64(n) > uint64(len(m.memory))-off {
		return 0, fmt.Errorf("GPA range [%#x, %#x) beyond memory end %#x: %w",
			gpa, gpa+uint64(n), m.base+uint64(len(m.memory)), ErrOutOfRange)
	}
	return off, nil
}

// ReadAt implements VirtualMachine. Partial reads are rejected outright.
func (m *Memory) ReadAt(p []byte, off int64) (n int, err error) {
	m.memMu.RLock()
	defer m.memMu.RUnlock()
	if off < 0 {
		return 0, fmt.Errorf("ReadAt negative offset %d: %w", off, ErrOutOfRange)
	}
	hostOff, err := m.hostOffset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.memory[hostOff:]), nil
}

// WriteAt implements VirtualMachine. Partial writes are rejected outright.
func (m *Memory) WriteAt(p []byte, off int64) (n int, err error) {
	m.memMu.RLock()
	defer m.memMu.RUnlock()
	if off < 0 {
		return 0, fmt.Errorf("WriteAt negative offset %d: %w", off, ErrOutOfRange)
	}
	hostOff, err := m.hostOffset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.memory[hostOff:], p), nil
}

// Zero clears [gpa, gpa+size).
func (m *Memory) Zero(gpa, size uint64) error {
	m.memMu.RLock()
	defer m.memMu.RUnlock()
	hostOff, err := m.hostOffset(gpa, int(size))
	if err != nil {
		return err
	}
	clear(m.memory[hostOff : hostOff+size])
	return nil
}

// Close implements VirtualMachine.
func (m *Memory) Close() error {
	m.memMu.Lock()
	defer m.memMu.Unlock()
	if m.memory == nil {
		return nil
	}
	mem := m.memory
	m.memory = nil
	if m.unmap != nil {
		return m.unmap(mem)
	}
	return nil
}

var (
	_ VirtualMachine = &Memory{}
)
