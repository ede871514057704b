package bzimage

import (
	"errors"
	"fmt"

	"github.com/tinyrange/netboot/internal/image"
	"github.com/tinyrange/netboot/internal/phys"
)

var (
	ErrTooShort           = fmt.Errorf("image too short for kernel header: %w", image.ErrNoExec)
	ErrBadSignature       = fmt.Errorf("bad signature: %w", image.ErrNoExec)
	ErrUnsupportedVersion = errors.New("boot protocol version not supported")
	ErrTruncated          = fmt.Errorf("image too short for its setup sectors: %w", image.ErrNoExec)
	ErrNoShutdown         = errors.New("no shutdown hook configured")
	ErrNoTransfer         = errors.New("no transfer configured")
	ErrNoInitrdRoom       = errors.New("could not find a location for initrd")
	ErrKernelReturned     = errors.New("control returned from kernel entry point")
)

// FormatError reports an image this loader cannot interpret.
type FormatError struct {
	Image  string
	Reason error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("bzImage %s: %v", e.Image, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Reason }

// ResourceError reports memory that could not be prepared for a segment.
type ResourceError struct {
	Segment string
	Addr    phys.Addr
	Err     error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("bzImage: could not prepare %s segment at %s: %v", e.Segment, e.Addr, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// FatalError is the panic value raised when the kernel entry point returns.
// Device shutdown has already run, so nothing can be recovered.
type FatalError struct {
	Image string
	Entry phys.RealAddr
	// Err is the error the transfer returned with, if any.
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bzImage %s: %v (entry %s): %v", e.Image, ErrKernelReturned, e.Entry, e.Err)
	}
	return fmt.Sprintf("bzImage %s: %v (entry %s)", e.Image, ErrKernelReturned, e.Entry)
}

func (e *FatalError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrKernelReturned, e.Err}
	}
	return []error{ErrKernelReturned}
}
