// Package heap implements Kiln's managed heap: a fixed-size
// bump-allocated region, the object header layout shared with JIT
// code, and a stop-the-world mark-compact garbage collector.
package heap

import (
	"fmt"
	"unsafe"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("kiln.heap")

// DefaultSize is the heap size used when the manifest does not set one.
const DefaultSize = 4 * 1024 * 1024

// Object layout constants. An object pointer handed to JIT code points
// just past the header.
//
//	header+0   descriptor id (uint64)
//	header+8   flag word: mark bit, or forwarding address during GC
//	object+0   class: first field / array: int32 length, 4 bytes pad
//	object+8   array: element 0
//
// Every field and element occupies one 8-byte slot regardless of type,
// matching the frame slot model, so offsets never depend on types.
const (
	HeaderSize      = 16
	ArrayLengthSize = 8
	SlotSize        = 8

	markBit = 0x1
)

// ErrHeapFull is reported when an allocation cannot be satisfied even
// after a collection. The VM treats it as fatal resource exhaustion.
var ErrHeapFull = fmt.Errorf("heap: out of memory")

// Heap is the fixed-size allocation region. The backing slice is
// allocated once and never moves; JIT code holds raw addresses into it.
type Heap struct {
	data []byte
	base uintptr
	next uintptr // bump offset from base
	size uintptr
}

func NewHeap(size int) *Heap {
	if size <= 0 {
		size = DefaultSize
	}
	// Round to slot size so object starts stay aligned.
	size = (size + SlotSize - 1) &^ (SlotSize - 1)
	data := make([]byte, size)
	return &Heap{
		data: data,
		base: uintptr(unsafe.Pointer(&data[0])),
		size: uintptr(size),
	}
}

// Allocate reserves size bytes (header included by the caller) and
// returns the address of the first byte, or 0 if the heap is full. The
// returned memory is zeroed: the backing slice starts zeroed and the
// collector re-zeroes reclaimed space.
func (h *Heap) Allocate(size uintptr) uintptr {
	size = (size + SlotSize - 1) &^ (SlotSize - 1)
	if h.next+size > h.size {
		return 0
	}
	addr := h.base + h.next
	h.next += size
	return addr
}

// Base returns the address of the first heap byte.
func (h *Heap) Base() uintptr { return h.base }

// End returns the address one past the last allocated byte.
func (h *Heap) End() uintptr { return h.base + h.next }

// Size returns the heap capacity in bytes.
func (h *Heap) Size() int { return int(h.size) }

// Used returns the number of allocated bytes.
func (h *Heap) Used() int { return int(h.next) }

// Contains reports whether addr points into the allocated region.
func (h *Heap) Contains(addr uintptr) bool {
	return addr >= h.base && addr < h.base+h.next
}

// setNext rewinds the bump pointer after compaction and zeroes the
// reclaimed tail so future allocations come up clean.
func (h *Heap) setNext(offset uintptr) {
	for i := offset; i < h.next; i++ {
		h.data[i] = 0
	}
	h.next = offset
}

// Raw word access. The unsafe conversions are confined to this file.

func load64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

func store64(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v
}

func load32(addr uintptr) int32 {
	return *(*int32)(unsafe.Pointer(addr))
}

func store32(addr uintptr, v int32) {
	*(*int32)(unsafe.Pointer(addr)) = v
}

func memmoveBytes(dst, src, n uintptr) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}
