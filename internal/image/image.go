// Package image keeps the set of images the firmware knows about and
// dispatches them to the loader that understands their format.
package image

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/netboot/internal/phys"
)

var (
	// ErrNoExec is returned by a Type's Load when the image is not in that
	// type's format, so the next type can be tried.
	ErrNoExec    = errors.New("not an executable image of this type")
	ErrNoType    = errors.New("no image type recognises the image")
	ErrNotLoaded = errors.New("image is not loaded")
	ErrExists    = errors.New("image already registered")
)

// Type is an image format that can be loaded and executed.
type Type interface {
	Name() string
	// Load checks the image and places it into memory.
	Load(img *Image) error
	// Exec starts a loaded image. images is the full collection of
	// registered images, which may hold companions such as an initrd.
	Exec(img *Image, images []*Image) error
}

// LoadedState is the state a Type records at load time for use at
// execution time.
type LoadedState struct {
	// Segment is the real-mode segment the image was loaded at.
	Segment phys.Segment
}

// Image is a blob of bytes fetched by the firmware.
type Image struct {
	Name string
	// Data is the image content. It is never modified after registration.
	Data []byte
	// Addr is the physical address Data is resident at, or zero if the
	// image has not been staged into memory.
	Addr phys.Addr
	// Cmdline is the command line supplied for the image, if any.
	Cmdline string
	Type    Type
	Loaded  *LoadedState
}

// Len returns the length of the image in bytes.
func (img *Image) Len() uint64 { return uint64(len(img.Data)) }

func (img *Image) String() string {
	if img.Type != nil {
		return fmt.Sprintf("%s (%s)", img.Name, img.Type.Name())
	}
	return img.Name
}

// FirstOfType returns the first image in images with type t.
func FirstOfType(images []*Image, t Type) *Image {
	for _, img := range images {
		if img.Type == t {
			return img
		}
	}
	return nil
}

// Registry is the ordered collection of registered images and the types
// tried when autoloading.
type Registry struct {
	Logger *slog.Logger

	types  []Type
	images []*Image
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// AddType appends t to the types tried by Autoload.
func (r *Registry) AddType(t Type) { r.types = append(r.types, t) }

// Register adds img to the collection.
func (r *Registry) Register(img *Image) error {
	if img.Name == "" {
		return errors.New("register image: empty name")
	}
	if r.Find(img.Name) != nil {
		return fmt.Errorf("register image %q: %w", img.Name, ErrExists)
	}
	r.images = append(r.images, img)
	r.logger().Debug("registered image", "image", img.Name, "len", img.Len(), "addr", img.Addr)
	return nil
}

// Unregister removes img from the collection.
func (r *Registry) Unregister(img *Image) {
	for i, other := range r.images {
		if other == img {
			r.images = append(r.images[:i], r.images[i+1:]...)
			return
		}
	}
}

// Find returns the image called name.
func (r *Registry) Find(name string) *Image {
	for _, img := range r.images {
		if img.Name == name {
			return img
		}
	}
	return nil
}

// Images returns a snapshot of the registered images in registration order.
func (r *Registry) Images() []*Image {
	out := make([]*Image, len(r.images))
	copy(out, r.images)
	return out
}

// Load loads img with its assigned type, or autoloads it when it has none.
func (r *Registry) Load(img *Image) error {
	if img.Type == nil {
		return r.Autoload(img)
	}
	if err := img.Type.Load(img); err != nil {
		return fmt.Errorf("load %s: %w", img, err)
	}
	return nil
}

// Autoload tries each registered type in turn until one accepts img.
func (r *Registry) Autoload(img *Image) error {
	for _, t := range r.types {
		err := t.Load(img)
		if errors.Is(err, ErrNoExec) {
			r.logger().Debug("image type declined", "image", img.Name, "type", t.Name(), "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s as %s: %w", img.Name, t.Name(), err)
		}
		if img.Type == nil {
			img.Type = t
		}
		return nil
	}
	return fmt.Errorf("load %s: %w", img.Name, ErrNoType)
}

// Exec executes a loaded image, passing the registered images along.
func (r *Registry) Exec(img *Image) error {
	if img.Type == nil || img.Loaded == nil {
		return fmt.Errorf("exec %s: %w", img.Name, ErrNotLoaded)
	}
	r.logger().Info("executing image", "image", img.Name, "type", img.Type.Name())
	return img.Type.Exec(img, r.Images())
}

type initrdType struct{}

// Initrd is the type of ramdisk images. Such images are never probed for;
// the firmware assigns the type explicitly.
var Initrd Type = &initrdType{}

func (*initrdType) Name() string { return "initrd" }

func (*initrdType) Load(img *Image) error {
	img.Type = Initrd
	return nil
}

func (*initrdType) Exec(img *Image, _ []*Image) error {
	return fmt.Errorf("exec %s: initrd images cannot be executed", img.Name)
}
