package image

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/netboot/internal/hv"
	"github.com/tinyrange/netboot/internal/phys"
)

const stageAlign = 0x1000

var ErrNoStageRoom = errors.New("no room to stage image")

// ReadFile reads an image from disk. When progress is set a progress bar is
// drawn on stderr while the file is read.
func ReadFile(path string, progress bool) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}

	name := filepath.Base(path)
	var r io.Reader = f
	if progress {
		bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("load %s", name))
		defer bar.Close()
		r = io.TeeReader(f, bar)
	}

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("read image %s: %w", name, err)
	}
	return &Image{Name: name, Data: buf.Bytes()}, nil
}

// Stager copies image bytes into guest RAM, working downwards from Top, and
// hides each staged buffer so that loaders cannot prepare segments over it.
type Stager struct {
	Memory hv.VirtualMachine
	Space  *hv.AddressSpace
	// Top is the first address above the next staged image.
	Top    phys.Addr
	Logger *slog.Logger
}

func (s *Stager) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Stage places img.Data in guest RAM below Top and records its address.
func (s *Stager) Stage(img *Image) error {
	size := img.Len()
	if size == 0 {
		return fmt.Errorf("stage %s: empty image", img.Name)
	}
	if uint64(s.Top) < size {
		return fmt.Errorf("stage %s (%d bytes) below %s: %w", img.Name, size, s.Top, ErrNoStageRoom)
	}
	addr := phys.Addr(uint64(s.Top.Sub(size)) &^ (stageAlign - 1))
	if !s.Space.Usable(uint64(addr), size) {
		return fmt.Errorf("stage %s at [%s,%s): %w", img.Name, addr, addr.End(size), ErrNoStageRoom)
	}
	if _, err := s.Memory.WriteAt(img.Data, addr.Offset()); err != nil {
		return fmt.Errorf("stage %s: %w", img.Name, err)
	}
	if err := s.Space.Hide(img.Name, uint64(addr), size); err != nil {
		return fmt.Errorf("stage %s: %w", img.Name, err)
	}
	img.Addr = addr
	s.Top = addr
	s.logger().Debug("staged image", "image", img.Name, "start", addr, "end", addr.End(size))
	return nil
}
