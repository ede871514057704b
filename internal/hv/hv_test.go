package hv

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMemoryReadWrite(t *testing.T) {
	mem, err := NewMemory(0x1000, 0x4000)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer mem.Close()

	if _, err := mem.WriteAt([]byte("hello"), 0x2000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 5)
	if _, err := mem.ReadAt(got, 0x2000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadAt = %q, want %q", got, "hello")
	}

	if _, err := mem.WriteAt([]byte{1}, 0x800); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("WriteAt below base error = %v, want ErrOutOfRange", err)
	}
	if _, err := mem.WriteAt([]byte{1, 2}, 0x4fff); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("WriteAt straddling end error = %v, want ErrOutOfRange", err)
	}
	if err := mem.Zero(0x2000, 5); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	if _, err := mem.ReadAt(got, 0x2000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 5)) {
		t.Fatalf("Zero left %x", got)
	}
}

func TestMemoryClosed(t *testing.T) {
	mem, err := NewMemory(0, 0x1000)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if err := mem.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := mem.ReadAt(make([]byte, 1), 0); !errors.Is(err, ErrMemoryClosed) {
		t.Fatalf("ReadAt after close error = %v, want ErrMemoryClosed", err)
	}
}

func TestDefaultE820MapSplitsISAHole(t *testing.T) {
	const memSize = 256 << 20
	entries := DefaultE820Map(0, memSize)
	if len(entries) != 3 {
		t.Fatalf("entries = %+v, want 3", entries)
	}
	if entries[0].Type != E820RAM || entries[0].Addr != 0 || entries[0].End() != 0x9f000 {
		t.Fatalf("e820[0] = %+v", entries[0])
	}
	if entries[1].Type != E820Reserved || entries[1].End() != 0x100000 {
		t.Fatalf("e820[1] = %+v", entries[1])
	}
	if last := entries[2]; last.Type != E820RAM || last.Addr != 0x100000 || last.End() != memSize {
		t.Fatalf("e820[2] = %+v", last)
	}
}

func TestAddressSpaceUsable(t *testing.T) {
	as := NewAddressSpace(DefaultE820Map(0, 64<<20))

	tests := []struct {
		name string
		base uint64
		size uint64
		want bool
	}{
		{"low ram", 0x10000, 0x9000, true},
		{"isa hole", 0xa0000, 0x1000, false},
		{"straddles hole", 0x9e000, 0x3000, false},
		{"high ram", 0x100000, 0x100000, true},
		{"past end", 64<<20 - 0x1000, 0x2000, false},
		{"wraps", ^uint64(0) - 1, 4, false},
	}
	for _, tt := range tests {
		if got := as.Usable(tt.base, tt.size); got != tt.want {
			t.Errorf("%s: Usable(%#x, %#x) = %v, want %v", tt.name, tt.base, tt.size, got, tt.want)
		}
	}

	if err := as.Hide("initrd", 0x200000, 0x100000); err != nil {
		t.Fatalf("Hide: %v", err)
	}
	if as.Usable(0x2ff000, 0x2000) {
		t.Fatalf("Usable overlapping hidden region = true")
	}
	if err := as.Hide("other", 0x280000, 0x1000); err == nil {
		t.Fatalf("Hide overlapping hidden region expected error")
	}
	if err := as.Hide("hole", 0xa0000, 0x1000); err == nil {
		t.Fatalf("Hide outside RAM expected error")
	}
	if !as.Unhide("initrd") {
		t.Fatalf("Unhide returned false")
	}
	if !as.Usable(0x2ff000, 0x2000) {
		t.Fatalf("Usable after Unhide = false")
	}
	if got := as.RAMEnd(); got != 64<<20 {
		t.Fatalf("RAMEnd = %#x, want %#x", got, 64<<20)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	mem, err := NewMemory(0, 0x3000)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer mem.Close()
	if _, err := mem.WriteAt([]byte{0xde, 0xad}, 0x2ffe); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	regs := map[Register]RegisterValue{
		RegisterAMD64Cs:  Register64(0x1020),
		RegisterAMD64Rsp: Register64(0x9000),
	}
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, mem, SnapshotModeReal, regs); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	r := bytes.NewReader(buf.Bytes())
	snap, err := ReadSnapshot(r)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Arch != ArchitectureX86_64 || snap.Mode != SnapshotModeReal {
		t.Fatalf("snapshot arch/mode = %s/%d", snap.Arch, snap.Mode)
	}
	if snap.Registers[RegisterAMD64Cs] != 0x1020 || snap.Registers[RegisterAMD64Rsp] != 0x9000 {
		t.Fatalf("registers = %v", snap.Registers)
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if uint64(len(payload)) != snap.MemorySize {
		t.Fatalf("payload = %d bytes, want %d", len(payload), snap.MemorySize)
	}
	if payload[0x2ffe] != 0xde || payload[0x2fff] != 0xad {
		t.Fatalf("payload tail = %x", payload[0x2ffe:])
	}

	if _, err := ReadSnapshot(bytes.NewReader(make([]byte, 64))); !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("ReadSnapshot zeros error = %v, want ErrBadSnapshot", err)
	}
}
