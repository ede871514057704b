package main

import (
	"bytes"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/netboot/internal/config"
	"github.com/tinyrange/netboot/internal/hv"
	"github.com/tinyrange/netboot/internal/image"
	"github.com/tinyrange/netboot/internal/linux/boot/bzimage"
	"github.com/tinyrange/netboot/internal/linux/boot/initramfs"
	"github.com/tinyrange/netboot/internal/phys"
	"github.com/tinyrange/netboot/internal/segment"
	"golang.org/x/term"
)

const banner = "\x1b[1mnetboot\x1b[0m \x1b[36mbzImage loader\x1b[0m -- staging kernel into guest RAM\n"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "netboot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configFlag stringFlag
	configFlag.v = config.Filename
	flag.Var(&configFlag, "config", "Boot configuration file")
	var kernelFlag stringFlag
	flag.Var(&kernelFlag, "kernel", "Kernel bzImage to boot")
	var initrdFlag stringListFlag
	flag.Var(&initrdFlag, "initrd", "Initial ramdisk (repeatable; the first one is passed to the kernel)")
	var cmdlineFlag stringFlag
	flag.Var(&cmdlineFlag, "cmdline", "Kernel command line")
	var memoryFlag uint64Flag
	memoryFlag.v = config.DefaultMemoryMB
	flag.Var(&memoryFlag, "memory", "Guest memory in MB")
	var snapshotFlag stringFlag
	snapshotFlag.v = "netboot.snap"
	flag.Var(&snapshotFlag, "snapshot", "Write the handoff snapshot to this file")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this file, then exit")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Load a Linux bzImage and an optional initrd into guest memory and hand off to it.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -kernel vmlinuz -initrd initrd.img -cmdline 'console=ttyS0'\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config boot/netboot.yaml -debug\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	if interactive {
		fmt.Fprint(os.Stderr, banner)
	} else {
		fmt.Fprint(os.Stderr, ansi.Strip(banner))
	}

	var cfg config.Config
	var err error
	if configFlag.set {
		cfg, err = config.Load(configFlag.v)
	} else {
		cfg, err = config.LoadOptional(configFlag.v)
	}
	if err != nil {
		return err
	}
	if kernelFlag.set {
		cfg.Kernel = kernelFlag.v
	}
	if len(initrdFlag.v) > 0 {
		cfg.Initrd = initrdFlag.v
	}
	if cmdlineFlag.set {
		cfg.Cmdline = cmdlineFlag.v
	}
	if memoryFlag.set {
		cfg.Machine.MemoryMB = memoryFlag.v
	}
	if snapshotFlag.set || cfg.Snapshot == "" {
		cfg.Snapshot = snapshotFlag.v
	}

	if *writeConfig != "" {
		return config.Write(*writeConfig, cfg)
	}
	if cfg.Kernel == "" {
		flag.Usage()
		return fmt.Errorf("kernel required")
	}

	return boot(cfg, logger, interactive, os.Exit)
}

// boot stages the configured images and executes the kernel. It returns
// only if booting fails before the firmware shuts down.
func boot(cfg config.Config, logger *slog.Logger, progress bool, exit func(int)) error {
	memSize := cfg.Machine.MemoryMB * phys.MiB
	mem, err := hv.NewMemory(0, memSize)
	if err != nil {
		return fmt.Errorf("create guest memory: %w", err)
	}
	defer mem.Close()

	space := hv.NewAddressSpace(hv.DefaultE820Map(0, memSize))
	for _, r := range cfg.Machine.Reserved {
		if err := space.Hide(r.Name, uint64(r.Base), uint64(r.Size)); err != nil {
			return fmt.Errorf("reserve %s: %w", r.Name, err)
		}
	}

	fw := &firmware{
		logger:   logger,
		space:    space,
		registry: &image.Registry{Logger: logger},
		stager:   &image.Stager{Memory: mem, Space: space, Top: phys.Addr(space.RAMEnd()), Logger: logger},
	}
	loader := &bzimage.Loader{
		Memory:   mem,
		Segments: &segment.Map{Memory: mem, Space: space, Logger: logger},
		Shutdown: fw.shutdown,
		Transfer: &snapshotTransfer{path: cfg.Snapshot, mem: mem, exit: exit, logger: logger},
		Logger:   logger,
	}
	fw.registry.AddType(loader)

	kernel, err := image.ReadFile(cfg.Kernel, progress)
	if err != nil {
		return err
	}
	kernel.Cmdline = cfg.Cmdline
	if hdr, err := bzimage.ReadHeader(bytes.NewReader(kernel.Data), int64(len(kernel.Data))); err == nil {
		if err := cfg.CheckProtocol(hdr.Version.Semver()); err != nil {
			return fmt.Errorf("%s: %w", kernel.Name, err)
		}
	}
	if err := fw.registry.Register(kernel); err != nil {
		return err
	}

	for _, path := range cfg.Initrd {
		initrd, err := image.ReadFile(path, progress)
		if err != nil {
			return err
		}
		if err := fw.addInitrd(initrd); err != nil {
			return err
		}
	}
	if len(cfg.Initramfs) > 0 {
		initrd, err := buildInitramfs(cfg.Initramfs)
		if err != nil {
			return err
		}
		if err := fw.addInitrd(initrd); err != nil {
			return err
		}
	}

	if err := fw.registry.Autoload(kernel); err != nil {
		return err
	}
	logger.Info("Kernel loaded", "image", kernel.String(), "segment", kernel.Loaded.Segment)

	// Exec only comes back with an error raised before shutdown.
	return fw.registry.Exec(kernel)
}

// firmware is the state the boot firmware owns until it hands off.
type firmware struct {
	logger   *slog.Logger
	space    *hv.AddressSpace
	registry *image.Registry
	stager   *image.Stager
}

func (fw *firmware) addInitrd(img *image.Image) error {
	if err := image.Initrd.Load(img); err != nil {
		return err
	}
	if err := fw.stager.Stage(img); err != nil {
		return err
	}
	return fw.registry.Register(img)
}

// shutdown releases everything the firmware holds. Staged buffers stop being
// hidden, so the kernel sees their memory as RAM.
func (fw *firmware) shutdown() {
	hidden := fw.space.Hidden()
	for _, h := range hidden {
		fw.space.Unhide(h.Name)
	}
	fw.logger.Debug("firmware shut down", "released", len(hidden))
}

func buildInitramfs(files []config.InitramfsFile) (*image.Image, error) {
	host := make([]initramfs.HostFile, 0, len(files))
	for _, f := range files {
		host = append(host, initramfs.HostFile{Path: f.Path, Source: f.Source, Mode: os.FileMode(f.Mode)})
	}
	entries, err := initramfs.ReadHostFiles(host)
	if err != nil {
		return nil, err
	}
	data, err := initramfs.Build(entries)
	if err != nil {
		return nil, fmt.Errorf("build initramfs: %w", err)
	}
	return &image.Image{Name: "initramfs.cpio", Data: data}, nil
}
