// Package phys models physical and real-mode addresses of the boot target.
//
// Real-mode addresses are segment:offset pairs; the linear address is
// segment<<4 + offset. Conversions that could silently lose information are
// checked and return errors instead.
package phys

import (
	"errors"
	"fmt"
)

// Common memory block sizes in bytes.
const (
	KiB uint64 = 1 << 10
	MiB uint64 = 1 << 20
	GiB uint64 = 1 << 30
)

const paragraphSize = 16

var (
	ErrNotParagraphAligned = errors.New("address is not paragraph aligned")
	ErrAboveRealMode       = errors.New("address is not reachable from real mode")
	ErrOutsideSegment      = errors.New("address is outside the 64KiB segment")
)

// Addr is a linear physical address.
type Addr uint64

// Add returns a+n.
func (a Addr) Add(n uint64) Addr { return a + Addr(n) }

// Sub returns a-n.
func (a Addr) Sub(n uint64) Addr { return a - Addr(n) }

// End returns the first address after a region of size n starting at a.
func (a Addr) End(n uint64) Addr { return a + Addr(n) }

// Offset returns the host offset for io.ReaderAt/io.WriterAt style access.
func (a Addr) Offset() int64 { return int64(a) }

func (a Addr) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Segment is a real-mode segment selector.
type Segment uint16

// Base returns the linear address of offset 0 within the segment.
func (s Segment) Base() Addr { return Addr(s) << 4 }

// Add returns the segment advanced by n paragraphs.
func (s Segment) Add(paragraphs uint16) Segment { return s + Segment(paragraphs) }

func (s Segment) String() string { return fmt.Sprintf("%04x", uint16(s)) }

// SegmentOf returns the segment whose base is exactly a.
func SegmentOf(a Addr) (Segment, error) {
	if a%paragraphSize != 0 {
		return 0, fmt.Errorf("segment for %s: %w", a, ErrNotParagraphAligned)
	}
	if a>>4 > 0xffff {
		return 0, fmt.Errorf("segment for %s: %w", a, ErrAboveRealMode)
	}
	return Segment(a >> 4), nil
}

// RealAddr is a real-mode segment:offset pair.
type RealAddr struct {
	Segment Segment
	Offset  uint16
}

// Linear returns the physical address the pair refers to.
func (r RealAddr) Linear() Addr {
	return r.Segment.Base() + Addr(r.Offset)
}

func (r RealAddr) String() string {
	return fmt.Sprintf("%04x:%04x", uint16(r.Segment), r.Offset)
}

// ToReal converts a linear address to a segment:offset pair relative to seg.
func ToReal(seg Segment, a Addr) (RealAddr, error) {
	base := seg.Base()
	if a < base || a-base > 0xffff {
		return RealAddr{}, fmt.Errorf("address %s, segment %s: %w", a, seg, ErrOutsideSegment)
	}
	return RealAddr{Segment: seg, Offset: uint16(a - base)}, nil
}
