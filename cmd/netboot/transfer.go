package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/netboot/internal/hv"
	"github.com/tinyrange/netboot/internal/linux/boot/bzimage"
)

// snapshotTransfer hands the machine to an external VMM by writing guest
// RAM and the entry registers to a snapshot file, then exits.
type snapshotTransfer struct {
	path   string
	mem    hv.VirtualMachine
	exit   func(code int)
	logger *slog.Logger
}

func (t *snapshotTransfer) Jump(entry bzimage.RealModeEntry) error {
	f, err := os.Create(t.path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := hv.WriteSnapshot(f, t.mem, hv.SnapshotModeReal, entry.Registers()); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	t.logger.Info("handoff snapshot written", "path", t.path, "entry", entry.Entry, "sp", fmt.Sprintf("%#04x", entry.StackPointer))
	t.exit(0)
	return errors.New("exit returned")
}

var (
	_ bzimage.Transfer = &snapshotTransfer{}
)
