// Package initramfs builds newc cpio archives that Linux unpacks as its
// initial root filesystem.
package initramfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
)

const (
	newcMagic       = "070701"
	newcHeaderLen   = 110
	newcTrailerName = "TRAILER!!!"

	modeDir     = 0o040000
	modeRegular = 0o100000
	modeSymlink = 0o120000
)

var ErrEmptyName = errors.New("initramfs entry has an empty name")

// File is one entry of the archive. Parent directories are created
// automatically.
type File struct {
	Path string
	Mode fs.FileMode
	// Data is the file content, ignored for directories and symlinks.
	Data []byte
	// Link makes the entry a symlink to Link.
	Link string
}

// HostFile maps a file on the host into the archive.
type HostFile struct {
	Path   string
	Source string
	Mode   fs.FileMode
}

// ReadHostFiles loads the content of host files. A zero Mode takes the
// permission bits of the source file.
func ReadHostFiles(files []HostFile) ([]File, error) {
	out := make([]File, 0, len(files))
	for _, hf := range files {
		data, err := os.ReadFile(hf.Source)
		if err != nil {
			return nil, fmt.Errorf("initramfs %s: %w", hf.Path, err)
		}
		mode := hf.Mode
		if mode == 0 {
			info, err := os.Stat(hf.Source)
			if err != nil {
				return nil, fmt.Errorf("initramfs %s: %w", hf.Path, err)
			}
			mode = info.Mode().Perm()
		}
		out = append(out, File{Path: hf.Path, Mode: mode, Data: data})
	}
	return out, nil
}

// Build returns the archive for files.
func Build(files []File) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, f := range files {
		if err := w.Add(f); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Writer streams archive entries to an io.Writer.
type Writer struct {
	w    io.Writer
	ino  uint32
	dirs map[string]bool
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// Add appends f, preceded by any parent directories not yet written.
func (w *Writer) Add(f File) error {
	name := strings.Trim(path.Clean("/"+f.Path), "/")
	if name == "" {
		return fmt.Errorf("add %q: %w", f.Path, ErrEmptyName)
	}
	if err := w.mkdirAll(path.Dir(name)); err != nil {
		return err
	}

	h := header{name: name, nlink: 1}
	switch {
	case f.Mode.IsDir():
		if w.dirs[name] {
			return nil
		}
		h.mode = modeDir | uint32(f.Mode.Perm())
		h.nlink = 2
		w.markDir(name)
	case f.Link != "":
		h.mode = modeSymlink | 0o777
		h.data = []byte(f.Link)
	default:
		h.mode = modeRegular | uint32(f.Mode.Perm())
		h.data = f.Data
	}
	if err := w.writeEntry(h); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	return nil
}

func (w *Writer) mkdirAll(dir string) error {
	if dir == "." || dir == "" || w.dirs[dir] {
		return nil
	}
	if err := w.mkdirAll(path.Dir(dir)); err != nil {
		return err
	}
	w.markDir(dir)
	return w.writeEntry(header{name: dir, mode: modeDir | 0o755, nlink: 2})
}

func (w *Writer) markDir(dir string) {
	if w.dirs == nil {
		w.dirs = make(map[string]bool)
	}
	w.dirs[dir] = true
}

// Close writes the trailer. It does not close the underlying writer.
func (w *Writer) Close() error {
	if err := w.writeEntry(header{name: newcTrailerName, nlink: 1, trailer: true}); err != nil {
		return fmt.Errorf("write cpio trailer: %w", err)
	}
	return nil
}

type header struct {
	name    string
	mode    uint32
	nlink   uint32
	data    []byte
	trailer bool
}

func (w *Writer) writeEntry(h header) error {
	ino := uint32(0)
	if !h.trailer {
		w.ino++
		ino = w.ino
	}
	nameSize := len(h.name) + 1
	// Fields: ino mode uid gid nlink mtime filesize devmajor devminor
	// rdevmajor rdevminor namesize check.
	hdr := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		newcMagic, ino, h.mode, 0, 0, h.nlink, 0, len(h.data), 0, 0, 0, 0, nameSize, 0)
	if len(hdr) != newcHeaderLen {
		return fmt.Errorf("unexpected header length %d", len(hdr))
	}

	var entry bytes.Buffer
	entry.WriteString(hdr)
	entry.WriteString(h.name)
	entry.WriteByte(0)
	entry.Write(make([]byte, pad4(newcHeaderLen+nameSize)))
	entry.Write(h.data)
	entry.Write(make([]byte, pad4(len(h.data))))

	_, err := w.w.Write(entry.Bytes())
	return err
}

func pad4(n int) int { return (4 - n%4) % 4 }
