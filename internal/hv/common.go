package hv

import (
	"context"
	"errors"
	"io"
)

var (
	ErrVMHalted        = errors.New("virtual machine halted")
	ErrOutOfRange      = errors.New("guest physical address out of range")
	ErrUnknownRegister = errors.New("unknown register")
	ErrMemoryClosed    = errors.New("guest memory closed")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Segment Selectors
	RegisterAMD64Cs
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
	RegisterAMD64Ss
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
	RegisterAMD64Cs:     "cs",
	RegisterAMD64Ds:     "ds",
	RegisterAMD64Es:     "es",
	RegisterAMD64Fs:     "fs",
	RegisterAMD64Gs:     "gs",
	RegisterAMD64Ss:     "ss",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return "invalid"
}

type VirtualCPU interface {
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) error
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	// SetRealMode clears CR0.PE and loads flat 64KiB real-mode segment
	// descriptors so selectors written afterwards behave as seg<<4 bases.
	SetRealMode() error
}

// VirtualMachine is the guest physical memory the firmware loads images into.
// Offsets passed to ReadAt and WriteAt are guest physical addresses.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	MemorySize() uint64
	MemoryBase() uint64
}
