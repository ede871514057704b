package bzimage

// Boot header layout. Offsets are relative to the start of the image (and
// equally to the base of the loaded real-mode segment).
const (
	setupHeaderOffset = 0x1f1
	// setupHeaderSize covers setup_sects through initrd_addr_max.
	setupHeaderSize = 0x230 - setupHeaderOffset

	setupSectsOffset     = setupHeaderOffset + 0
	rootFlagsOffset      = setupHeaderOffset + 1
	sysSizeOffset        = setupHeaderOffset + 3
	ramSizeOffset        = setupHeaderOffset + 7
	vidModeOffset        = setupHeaderOffset + 9
	rootDevOffset        = setupHeaderOffset + 11
	bootFlagOffset       = setupHeaderOffset + 13
	jumpOffset           = setupHeaderOffset + 15
	headerOffset         = setupHeaderOffset + 17
	versionOffset        = setupHeaderOffset + 21
	realmodeSwtchOffset  = setupHeaderOffset + 23
	startSysSegOffset    = setupHeaderOffset + 27
	kernelVersionOffset  = setupHeaderOffset + 29
	typeOfLoaderOffset   = setupHeaderOffset + 31
	loadFlagsOffset      = setupHeaderOffset + 32
	setupMoveSizeOffset  = setupHeaderOffset + 33
	code32StartOffset    = setupHeaderOffset + 35
	ramdiskImageOffset   = setupHeaderOffset + 39
	ramdiskSizeOffset    = setupHeaderOffset + 43
	bootsectKludgeOffset = setupHeaderOffset + 47
	heapEndPtrOffset     = setupHeaderOffset + 51
	cmdLinePtrOffset     = setupHeaderOffset + 55
	initrdAddrMaxOffset  = setupHeaderOffset + 59

	// Legacy (protocol < 2.02) command line descriptor inside the
	// real-mode segment.
	legacyCmdlineOffset = 0x20
	legacyCmdlineMagic  = 0xa33f
	legacyCmdlineSize   = 4
)

const (
	// Signature is "HdrS" read as a little-endian uint32.
	Signature uint32 = 0x53726448

	// LoaderTypeEtherboot identifies this loader in type_of_loader.
	LoaderTypeEtherboot uint8 = 0x40

	// loadflags bits.
	LoadedHigh uint8 = 1 << 0
	CanUseHeap uint8 = 1 << 7

	// Special vid_mode values.
	VidModeNormal uint16 = 0xffff
	VidModeExt    uint16 = 0xfffe
	VidModeAsk    uint16 = 0xfffd
)

// Memory layout.
const (
	sectorSize          = 512
	defaultSetupSectors = 4

	// realModeBase places the setup code at 1000:0000.
	realModeBase = 0x00010000

	LoadLowAddr  = 0x00010000
	LoadHighAddr = 0x00100000

	// stackSize and cmdlineSize are reserved after the setup code.
	stackSize   = 0x1000
	cmdlineSize = 0x100

	// heapEndBias is the distance between the value stored in heap_end_ptr
	// and the offset of the heap top from the real-mode base.
	heapEndBias = 0x200

	// entryParagraphs is the real-mode entry point (seg+0x20:0000).
	entryParagraphs = 0x20

	// initrdMax is the highest initrd address for kernels predating
	// initrd_addr_max.
	initrdMax = 0x37ffffff

	// initrdStride is the step of the downward initrd relocation search.
	initrdStride = 0x100000
)

// Minimum protocol versions for header features.
const (
	versionMin           ProtocolVersion = 0x0200
	versionHeap          ProtocolVersion = 0x0201
	versionCmdlinePtr    ProtocolVersion = 0x0202
	versionInitrdAddrMax ProtocolVersion = 0x0203
)
