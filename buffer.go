package wasmbrot

import (
	"fmt"
	"math"
	"math/bits"
)

// PageSize is the size of one WebAssembly memory page.
const PageSize = 65536

// DefaultMaxPages is the memory ceiling of the compute module: 60 pages hold
// a 1200x800 RGBA image plus the module's own data.
const DefaultMaxPages = 60

// BytesPerPixel is the RGBA8 pixel stride.
const BytesPerPixel = 4

// ImageBytes returns the length of a width x height RGBA8 image.
func ImageBytes(width, height int) int {
	return width * height * BytesPerPixel
}

// ImagePages returns the number of pages needed for a width x height RGBA8
// image. Dimensions whose product overflows saturate at math.MaxUint64.
func ImagePages(width, height int) uint64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	const pixelsPerPage = PageSize / BytesPerPixel
	hi, lo := bits.Mul64(uint64(width), uint64(height))
	if hi >= pixelsPerPage {
		return math.MaxUint64
	}
	q, r := bits.Div64(hi, lo, pixelsPerPage)
	if r != 0 && q < math.MaxUint64 {
		q++
	}
	return q
}

// fitsInt reports whether a width x height RGBA8 image length fits in an int.
func fitsInt(width, height int) bool {
	return width <= math.MaxInt/BytesPerPixel/height
}

// SharedBuffer is a fixed-capacity byte region shared by every worker of a
// render. It is never resized after allocation. Workers write disjoint
// ranges without locking; the coordinator reads only after all workers
// have reported.
type SharedBuffer struct {
	data []byte
}

// NewSharedBuffer wraps data. The slice must not be grown afterwards.
func NewSharedBuffer(data []byte) *SharedBuffer {
	return &SharedBuffer{data: data[:len(data):len(data)]}
}

// Cap returns the fixed capacity of the buffer in bytes.
func (b *SharedBuffer) Cap() int {
	return len(b.data)
}

// Bytes returns the whole buffer.
func (b *SharedBuffer) Bytes() []byte {
	return b.data
}

// Region returns the n bytes starting at offset, failing with ErrOutOfBounds
// if any of them lies outside [0, Cap()).
func (b *SharedBuffer) Region(offset uint32, n int) ([]byte, error) {
	end := uint64(offset) + uint64(n)
	if n < 0 || end > uint64(len(b.data)) {
		return nil, fmt.Errorf("%w: [%d, %d) in %d bytes", ErrOutOfBounds, offset, end, len(b.data))
	}
	return b.data[offset:end:end], nil
}

// Allocator provides the shared buffer for a render.
type Allocator interface {
	Allocate(width, height int) (*SharedBuffer, error)
}

// HeapAllocator allocates zeroed Go memory, enforcing the same page ceiling
// as the wasm runtime.
type HeapAllocator struct {
	MaxPages uint32
}

// Allocate returns a zeroed buffer of exactly width*height*4 bytes.
func (a HeapAllocator) Allocate(width, height int) (*SharedBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidSize
	}
	limit := a.MaxPages
	if limit == 0 {
		limit = DefaultMaxPages
	}
	if pages := ImagePages(width, height); pages > uint64(limit) || !fitsInt(width, height) {
		return nil, &AllocationError{Requested: pages, Limit: limit}
	}
	return NewSharedBuffer(make([]byte, ImageBytes(width, height))), nil
}
