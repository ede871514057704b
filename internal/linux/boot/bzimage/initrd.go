package bzimage

import (
	"errors"
	"fmt"

	"github.com/tinyrange/netboot/internal/image"
	"github.com/tinyrange/netboot/internal/phys"
)

// ramdiskCeiling is the limit imposed by the 32-bit ramdisk header fields.
const ramdiskCeiling = 1 << 32

var errInitrdNotStaged = errors.New("initrd is not resident in memory")

// loadInitrd decides where the kernel will find initrd. An initrd that
// already lies below the memory limit is used where it is. Otherwise lower
// addresses are tried in 1MiB steps until one is free, stopping before the
// search could reach the kernel.
func (l *Loader) loadInitrd(kernel *image.Image, ec *execContext, initrd *image.Image) error {
	if initrd.Addr == 0 {
		return fmt.Errorf("initrd %s: %w", initrd.Name, errInitrdNotStaged)
	}
	log := l.logger().With("image", kernel.Name, "initrd", initrd.Name)

	limit := min(ec.memLimit, ramdiskCeiling)
	size := initrd.Len()
	start := initrd.Addr

	if uint64(start)+size <= limit {
		log.Debug("using initrd in place", "start", start, "end", start.End(size))
	} else {
		// The guard compares against the whole image length rather than the
		// protected-mode portion, so it stops early.
		guard := phys.Addr(LoadHighAddr).Add(kernel.Len())
		for ; ; start = start.Sub(initrdStride) {
			if start <= guard {
				log.Debug("no location for initrd", "guard", guard)
				return &ResourceError{Segment: "initrd", Addr: start, Err: ErrNoInitrdRoom}
			}
			if uint64(start)+size > limit {
				continue
			}
			if err := l.Segments.Prepare(start, size, size); err != nil {
				continue
			}
			log.Debug("relocating initrd", "start", start, "end", start.End(size))
			if _, err := l.Memory.WriteAt(initrd.Data, start.Offset()); err != nil {
				return fmt.Errorf("copy initrd to %s: %w", start, err)
			}
			break
		}
	}

	ec.ramdiskImage = start
	ec.ramdiskSize = size
	return nil
}
