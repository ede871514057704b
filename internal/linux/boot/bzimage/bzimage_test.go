package bzimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/netboot/internal/hv"
	"github.com/tinyrange/netboot/internal/image"
	"github.com/tinyrange/netboot/internal/phys"
	"github.com/tinyrange/netboot/internal/segment"
)

type recorder struct {
	events []string
}

func (r *recorder) add(ev string) { r.events = append(r.events, ev) }

// recordingVM counts writes into guest memory.
type recordingVM struct {
	hv.VirtualMachine
	rec    *recorder
	writes int
}

func (m *recordingVM) WriteAt(p []byte, off int64) (int, error) {
	m.writes++
	m.rec.add("write")
	return m.VirtualMachine.WriteAt(p, off)
}

type countingPreparer struct {
	segment.Preparer
	calls []phys.Addr
}

func (p *countingPreparer) Prepare(addr phys.Addr, filesz, memsz uint64) error {
	p.calls = append(p.calls, addr)
	return p.Preparer.Prepare(addr, filesz, memsz)
}

type recordingTransfer struct {
	rec     *recorder
	entries []RealModeEntry
	err     error
}

func (t *recordingTransfer) Jump(entry RealModeEntry) error {
	t.rec.add("jump")
	t.entries = append(t.entries, entry)
	return t.err
}

type testEnv struct {
	mem       *hv.Memory
	space     *hv.AddressSpace
	vm        *recordingVM
	prep      *countingPreparer
	rec       *recorder
	transfer  *recordingTransfer
	shutdowns int
	loader    *Loader
}

func newTestEnv(t *testing.T, memSize uint64) *testEnv {
	t.Helper()
	mem, err := hv.NewMemory(0, memSize)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	env := &testEnv{
		mem:   mem,
		space: hv.NewAddressSpace(hv.DefaultE820Map(0, memSize)),
		rec:   &recorder{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.vm = &recordingVM{VirtualMachine: mem, rec: env.rec}
	env.prep = &countingPreparer{Preparer: &segment.Map{Memory: env.vm, Space: env.space, Logger: logger}}
	env.transfer = &recordingTransfer{rec: env.rec}
	env.loader = &Loader{
		Memory:   env.vm,
		Segments: env.prep,
		Shutdown: func() {
			env.shutdowns++
			env.rec.add("shutdown")
		},
		Transfer: env.transfer,
		Logger:   logger,
	}
	return env
}

func (env *testEnv) read(t *testing.T, addr phys.Addr, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := env.mem.ReadAt(buf, addr.Offset()); err != nil {
		t.Fatalf("ReadAt(%s): %v", addr, err)
	}
	return buf
}

type kernelOpts struct {
	version       ProtocolVersion
	setupSects    uint8
	loadFlags     uint8
	pmSize        int
	initrdAddrMax uint32
}

// makeKernel builds a synthetic bzImage. The last setup byte is 0xee and
// the protected-mode portion is filled with a counting pattern.
func makeKernel(o kernelOpts) []byte {
	sects := int(o.setupSects)
	if sects == 0 {
		sects = defaultSetupSectors
	}
	rm := (sects + 1) * sectorSize
	buf := make([]byte, rm+o.pmSize)

	le := binary.LittleEndian
	buf[setupSectsOffset] = o.setupSects
	le.PutUint16(buf[bootFlagOffset:], 0xaa55)
	le.PutUint32(buf[headerOffset:], Signature)
	le.PutUint16(buf[versionOffset:], uint16(o.version))
	buf[loadFlagsOffset] = o.loadFlags
	le.PutUint32(buf[initrdAddrMaxOffset:], o.initrdAddrMax)
	buf[rm-1] = 0xee
	for i := rm; i < len(buf); i++ {
		buf[i] = byte(i)
	}
	return buf
}

func readTestHeader(t *testing.T, data []byte) *Header {
	t.Helper()
	hdr, err := ReadHeader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	return hdr
}

func TestReadHeader(t *testing.T) {
	good := makeKernel(kernelOpts{version: 0x0204, setupSects: 6, loadFlags: LoadedHigh, pmSize: 0x100})
	hdr := readTestHeader(t, good)
	if hdr.Version != 0x0204 || hdr.SetupSects != 6 || hdr.LoadFlags != LoadedHigh || hdr.BootFlag != 0xaa55 {
		t.Fatalf("header = %+v", hdr)
	}

	badSig := bytes.Clone(good)
	badSig[headerOffset] = 'X'
	oldVersion := makeKernel(kernelOpts{version: 0x01ff})

	tests := []struct {
		name    string
		data    []byte
		want    error
		decline bool
	}{
		{"too short", good[:setupHeaderOffset+setupHeaderSize-1], ErrTooShort, true},
		{"bad signature", badSig, ErrBadSignature, true},
		{"old version", oldVersion, ErrUnsupportedVersion, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadHeader(bytes.NewReader(tt.data), int64(len(tt.data)))
			if !errors.Is(err, tt.want) {
				t.Fatalf("ReadHeader error = %v, want %v", err, tt.want)
			}
			if got := errors.Is(err, image.ErrNoExec); got != tt.decline {
				t.Fatalf("errors.Is(err, ErrNoExec) = %v, want %v", got, tt.decline)
			}
		})
	}
}

func TestHeaderPreservesUnknownBytes(t *testing.T) {
	data := makeKernel(kernelOpts{version: 0x0202})
	// ext_loader_ver is not decoded.
	data[0x226] = 0x5a
	hdr := readTestHeader(t, data)
	hdr.RamdiskSize = 0x1234

	raw, err := hdr.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(raw) != setupHeaderSize {
		t.Fatalf("MarshalBinary len = %d, want %d", len(raw), setupHeaderSize)
	}
	if raw[0x226-setupHeaderOffset] != 0x5a {
		t.Fatalf("undecoded byte lost: %#x", raw[0x226-setupHeaderOffset])
	}
	if got := binary.LittleEndian.Uint32(raw[ramdiskSizeOffset-setupHeaderOffset:]); got != 0x1234 {
		t.Fatalf("ramdisk_size = %#x, want 0x1234", got)
	}
}

func TestProtocolVersionString(t *testing.T) {
	v := ProtocolVersion(0x020c)
	if got := v.String(); got != "2.12" {
		t.Fatalf("String = %q, want 2.12", got)
	}
	if got := v.Semver(); got != "v2.12" {
		t.Fatalf("Semver = %q, want v2.12", got)
	}
}

func TestPlanLoad(t *testing.T) {
	tests := []struct {
		name       string
		opts       kernelOpts
		wantFilesz uint64
		wantPMBase phys.Addr
	}{
		{"default setup sectors", kernelOpts{version: 0x0200, pmSize: 0x3000}, 5 * 512, LoadLowAddr},
		{"explicit setup sectors", kernelOpts{version: 0x0202, setupSects: 30, pmSize: 0x100}, 31 * 512, LoadLowAddr},
		{"loaded high", kernelOpts{version: 0x020f, setupSects: 27, loadFlags: LoadedHigh, pmSize: 0x80000}, 28 * 512, LoadHighAddr},
		{"no protected-mode part", kernelOpts{version: 0x0203, setupSects: 1}, 2 * 512, LoadLowAddr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := makeKernel(tt.opts)
			lc, err := planLoad(readTestHeader(t, data), uint64(len(data)))
			if err != nil {
				t.Fatalf("planLoad: %v", err)
			}
			if lc.rmFilesz != tt.wantFilesz {
				t.Fatalf("rmFilesz = %#x, want %#x", lc.rmFilesz, tt.wantFilesz)
			}
			if lc.rmFilesz+lc.pmSize != uint64(len(data)) {
				t.Fatalf("rmFilesz+pmSize = %#x, want %#x", lc.rmFilesz+lc.pmSize, len(data))
			}
			if lc.pmBase != tt.wantPMBase {
				t.Fatalf("pmBase = %s, want %s", lc.pmBase, tt.wantPMBase)
			}
			if lc.rmSegment != 0x1000 || lc.rmBase != 0x10000 {
				t.Fatalf("rm segment/base = %s/%s", lc.rmSegment, lc.rmBase)
			}
			if lc.rmHeap != lc.rmFilesz+stackSize || lc.rmCmdline != lc.rmHeap {
				t.Fatalf("heap/cmdline = %#x/%#x", lc.rmHeap, lc.rmCmdline)
			}
			if lc.rmMemsz != lc.rmCmdline+cmdlineSize || lc.rmFilesz > lc.rmMemsz {
				t.Fatalf("rmMemsz = %#x", lc.rmMemsz)
			}
		})
	}
}

func TestPlanLoadTruncated(t *testing.T) {
	data := makeKernel(kernelOpts{version: 0x0202, setupSects: 10})
	hdr := readTestHeader(t, data)
	if _, err := planLoad(hdr, 10*512); !errors.Is(err, ErrTruncated) {
		t.Fatalf("planLoad error = %v, want ErrTruncated", err)
	}
}

func TestPlanLoadRealModeLimit(t *testing.T) {
	// 119 sectors of setup still leave room for the stack and command line.
	fits := makeKernel(kernelOpts{version: 0x0202, setupSects: 118})
	lc, err := planLoad(readTestHeader(t, fits), uint64(len(fits)))
	if err != nil {
		t.Fatalf("planLoad(118 sectors): %v", err)
	}
	if lc.rmMemsz > 0xffff {
		t.Fatalf("rmMemsz = %#x", lc.rmMemsz)
	}

	big := makeKernel(kernelOpts{version: 0x0202, setupSects: 120})
	if _, err := planLoad(readTestHeader(t, big), uint64(len(big))); !errors.Is(err, phys.ErrOutsideSegment) {
		t.Fatalf("planLoad(120 sectors) error = %v, want ErrOutsideSegment", err)
	}
}

func TestLoadRejectsWithoutTouchingMemory(t *testing.T) {
	env := newTestEnv(t, 16*phys.MiB)

	truncated := makeKernel(kernelOpts{version: 0x0202, setupSects: 10})[:6*512]
	badSig := makeKernel(kernelOpts{version: 0x0202})
	badSig[headerOffset+3] = 0
	// 121 setup sectors plus stack and command line overflow the segment.
	oversized := makeKernel(kernelOpts{version: 0x0202, setupSects: 120, pmSize: 0x100})

	tests := []struct {
		name    string
		data    []byte
		want    error
		decline bool
	}{
		{"old version", makeKernel(kernelOpts{version: 0x0100, pmSize: 0x100}), ErrUnsupportedVersion, false},
		{"truncated", truncated, ErrTruncated, true},
		{"bad signature", badSig, ErrBadSignature, true},
		{"real-mode too large", oversized, phys.ErrOutsideSegment, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := &image.Image{Name: tt.name, Data: tt.data}
			err := env.loader.Load(img)
			var fe *FormatError
			if !errors.As(err, &fe) || !errors.Is(err, tt.want) {
				t.Fatalf("Load error = %v, want FormatError wrapping %v", err, tt.want)
			}
			if got := errors.Is(err, image.ErrNoExec); got != tt.decline {
				t.Fatalf("errors.Is(err, ErrNoExec) = %v, want %v", got, tt.decline)
			}
			if len(env.prep.calls) != 0 || env.vm.writes != 0 {
				t.Fatalf("Load touched memory: %d prepares, %d writes", len(env.prep.calls), env.vm.writes)
			}
			if img.Type != nil || img.Loaded != nil {
				t.Fatalf("rejected image was claimed: type=%v loaded=%v", img.Type, img.Loaded)
			}
		})
	}
}

func TestLoadCopiesAndWritesHeader(t *testing.T) {
	env := newTestEnv(t, 16*phys.MiB)
	data := makeKernel(kernelOpts{version: 0x0202, loadFlags: LoadedHigh, pmSize: 0x2345})
	img := &image.Image{Name: "vmlinuz", Data: data}

	if err := env.loader.Load(img); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Type != env.loader {
		t.Fatalf("Type = %v, want the bzImage loader", img.Type)
	}
	if img.Loaded == nil || img.Loaded.Segment != 0x1000 {
		t.Fatalf("Loaded = %+v", img.Loaded)
	}
	if len(env.prep.calls) != 2 || env.prep.calls[0] != 0x10000 || env.prep.calls[1] != LoadHighAddr {
		t.Fatalf("prepare calls = %v", env.prep.calls)
	}

	const rmFilesz = 5 * 512
	if got := env.read(t, 0x10000+rmFilesz-1, 1)[0]; got != 0xee {
		t.Fatalf("last setup byte = %#x, want 0xee", got)
	}
	if got := env.read(t, LoadHighAddr, 0x2345); !bytes.Equal(got, data[rmFilesz:]) {
		t.Fatalf("protected-mode portion not copied")
	}

	hdr, err := ReadLoadedHeader(env.mem, img)
	if err != nil {
		t.Fatalf("ReadLoadedHeader: %v", err)
	}
	const heap = rmFilesz + stackSize
	if hdr.TypeOfLoader != LoaderTypeEtherboot {
		t.Fatalf("type_of_loader = %#x", hdr.TypeOfLoader)
	}
	if hdr.LoadFlags != LoadedHigh|CanUseHeap {
		t.Fatalf("loadflags = %#x", hdr.LoadFlags)
	}
	if hdr.HeapEndPtr != heap-heapEndBias {
		t.Fatalf("heap_end_ptr = %#x, want %#x", hdr.HeapEndPtr, heap-heapEndBias)
	}
	if hdr.CmdLinePtr != 0x10000+heap {
		t.Fatalf("cmd_line_ptr = %#x, want %#x", hdr.CmdLinePtr, 0x10000+heap)
	}
}

func TestLoadLegacyCommandLine(t *testing.T) {
	env := newTestEnv(t, 16*phys.MiB)
	img := &image.Image{Name: "old", Data: makeKernel(kernelOpts{version: 0x0200, pmSize: 0x1000})}
	if err := env.loader.Load(img); err != nil {
		t.Fatalf("Load: %v", err)
	}

	const heap = 5*512 + stackSize
	legacy, err := readLegacyCmdline(env.mem, 0x10000)
	if err != nil {
		t.Fatalf("readLegacyCmdline: %v", err)
	}
	if legacy.Magic != legacyCmdlineMagic || legacy.Offset != heap {
		t.Fatalf("legacy descriptor = %+v, want {%#x %#x}", legacy, legacyCmdlineMagic, heap)
	}

	hdr, err := ReadLoadedHeader(env.mem, img)
	if err != nil {
		t.Fatalf("ReadLoadedHeader: %v", err)
	}
	if hdr.SetupMoveSize != heap+cmdlineSize {
		t.Fatalf("setup_move_size = %#x, want %#x", hdr.SetupMoveSize, heap+cmdlineSize)
	}
	if hdr.CmdLinePtr != 0 || hdr.LoadFlags&CanUseHeap != 0 {
		t.Fatalf("2.00 header gained newer fields: %+v", hdr)
	}
}

func TestLoadResourceError(t *testing.T) {
	// RAM ends just past 1MiB, so the high kernel cannot fit.
	env := newTestEnv(t, phys.MiB+0x1000)
	img := &image.Image{Name: "big", Data: makeKernel(kernelOpts{version: 0x0204, loadFlags: LoadedHigh, pmSize: 0x4000})}

	err := env.loader.Load(img)
	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("Load error = %v, want ResourceError", err)
	}
	if re.Segment != "protected-mode" || re.Addr != LoadHighAddr || !errors.Is(err, segment.ErrNoSpace) {
		t.Fatalf("ResourceError = %+v", re)
	}
	if errors.Is(err, image.ErrNoExec) {
		t.Fatalf("resource failure must not decline the image")
	}
	if img.Type != env.loader || img.Loaded != nil {
		t.Fatalf("after failed load: type=%v loaded=%+v", img.Type, img.Loaded)
	}
}

func TestAutoloadThroughRegistry(t *testing.T) {
	env := newTestEnv(t, 16*phys.MiB)
	reg := &image.Registry{Logger: env.loader.Logger}
	reg.AddType(env.loader)

	notKernel := &image.Image{Name: "readme", Data: make([]byte, 4096)}
	if err := reg.Autoload(notKernel); !errors.Is(err, image.ErrNoType) {
		t.Fatalf("Autoload(readme) = %v, want ErrNoType", err)
	}

	fallback := &acceptingType{}
	withFallback := &image.Registry{Logger: env.loader.Logger}
	withFallback.AddType(env.loader)
	withFallback.AddType(fallback)
	truncated := &image.Image{Name: "trunc", Data: makeKernel(kernelOpts{version: 0x0202, setupSects: 10})[:6*512]}
	if err := withFallback.Autoload(truncated); err != nil {
		t.Fatalf("Autoload(trunc): %v", err)
	}
	if fallback.loads != 1 || truncated.Type != fallback {
		t.Fatalf("truncated image not passed on: loads=%d type=%v", fallback.loads, truncated.Type)
	}
	if env.vm.writes != 0 {
		t.Fatalf("declined image wrote %d times to memory", env.vm.writes)
	}

	kernel := &image.Image{Name: "vmlinuz", Data: makeKernel(kernelOpts{version: 0x0203, pmSize: 0x100})}
	if err := reg.Autoload(kernel); err != nil {
		t.Fatalf("Autoload(vmlinuz): %v", err)
	}
	if kernel.Type.Name() != "bzImage" {
		t.Fatalf("Type = %s, want bzImage", kernel.Type.Name())
	}
}

// acceptingType claims every image offered to it.
type acceptingType struct {
	loads int
}

func (a *acceptingType) Name() string { return "raw" }

func (a *acceptingType) Load(img *image.Image) error {
	a.loads++
	return nil
}

func (a *acceptingType) Exec(img *image.Image, images []*image.Image) error { return nil }
