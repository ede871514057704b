package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/tinyrange/netboot/internal/hv"
	"github.com/tinyrange/netboot/internal/image"
	"github.com/tinyrange/netboot/internal/linux/boot/bzimage"
	"github.com/tinyrange/netboot/internal/phys"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "netboot-inspect: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	regs := flag.Bool("regs", true, "print the entry registers")
	header := flag.Bool("header", true, "print the resident kernel header")
	dump := flag.String("dump", "", "write the range ADDR+LEN of guest memory to stdout, e.g. 0x100000+0x200")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `netboot-inspect - decode a netboot handoff snapshot

USAGE:
  netboot-inspect [flags] <snapshot>

FLAGS:
  -regs          Print CS:IP, SS:SP and the data segments (default true)
  -header        Print the kernel header, command line and initrd location (default true)
  -dump A+N      Write N bytes of guest memory at A to stdout

EXAMPLES:
  netboot-inspect netboot.snap
  netboot-inspect -regs=false -header=false -dump 0x11a00+0x100 netboot.snap
`)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	snap, mem, err := loadSnapshot(f)
	if err != nil {
		return err
	}
	defer mem.Close()

	if *regs {
		printRegisters(os.Stdout, snap)
	}
	if *header {
		if err := printHeader(os.Stdout, snap, mem); err != nil {
			return err
		}
	}
	if *dump != "" {
		var addr, size uint64
		if _, err := fmt.Sscanf(*dump, "%v+%v", &addr, &size); err != nil {
			return fmt.Errorf("parse -dump %q: %w", *dump, err)
		}
		buf := make([]byte, size)
		if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
			return fmt.Errorf("dump: %w", err)
		}
		if _, err := os.Stdout.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// loadSnapshot decodes a snapshot and copies its RAM into fresh guest memory.
func loadSnapshot(r io.Reader) (*hv.Snapshot, *hv.Memory, error) {
	snap, err := hv.ReadSnapshot(r)
	if err != nil {
		return nil, nil, err
	}
	mem, err := hv.NewMemory(snap.MemoryBase, snap.MemorySize)
	if err != nil {
		return nil, nil, err
	}

	const chunkSize = 1 << 20
	buf := make([]byte, chunkSize)
	for off := uint64(0); off < snap.MemorySize; {
		n := min(snap.MemorySize-off, chunkSize)
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			mem.Close()
			return nil, nil, fmt.Errorf("read snapshot memory at %#x: %w", snap.MemoryBase+off, err)
		}
		if _, err := mem.WriteAt(buf[:n], int64(snap.MemoryBase+off)); err != nil {
			mem.Close()
			return nil, nil, err
		}
		off += n
	}
	return snap, mem, nil
}

func printRegisters(w io.Writer, snap *hv.Snapshot) {
	fmt.Fprintf(w, "arch %s, mode %d, %d MiB at %#x\n",
		snap.Arch, snap.Mode, snap.MemorySize/phys.MiB, snap.MemoryBase)

	ids := make([]hv.Register, 0, len(snap.Registers))
	for reg := range snap.Registers {
		ids = append(ids, reg)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, reg := range ids {
		fmt.Fprintf(w, "  %-6s %#x\n", reg, snap.Registers[reg])
	}
}

func printHeader(w io.Writer, snap *hv.Snapshot, mem *hv.Memory) error {
	ds, ok := snap.Registers[hv.RegisterAMD64Ds]
	if !ok {
		return fmt.Errorf("snapshot has no data segment register")
	}
	kernel := &image.Image{Name: "kernel", Loaded: &image.LoadedState{Segment: phys.Segment(ds)}}
	hdr, err := bzimage.ReadLoadedHeader(mem, kernel)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "boot protocol %s, loader %#02x, loadflags %#02x\n", hdr.Version, hdr.TypeOfLoader, hdr.LoadFlags)
	fmt.Fprintf(w, "  vid_mode     %#04x\n", hdr.VidMode)
	fmt.Fprintf(w, "  heap_end_ptr %#04x\n", hdr.HeapEndPtr)
	if hdr.RamdiskSize != 0 {
		fmt.Fprintf(w, "  initrd       [%#x,%#x)\n", hdr.RamdiskImage, uint64(hdr.RamdiskImage)+uint64(hdr.RamdiskSize))
	}
	if hdr.CmdLinePtr != 0 {
		line := make([]byte, 0x100)
		if _, err := mem.ReadAt(line, int64(hdr.CmdLinePtr)); err != nil {
			return fmt.Errorf("read command line: %w", err)
		}
		if i := bytes.IndexByte(line, 0); i >= 0 {
			line = line[:i]
		}
		fmt.Fprintf(w, "  cmdline      %q\n", line)
	}
	return nil
}
