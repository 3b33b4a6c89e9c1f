package heap

import "time"

// Collector implements stop-the-world mark-compact with forwarding
// addresses. Mutator code is never running during a cycle: collections
// only start from the allocation path or the explicit collect
// instruction, both of which enter the runtime with every reference
// flushed to stack-mapped frame slots.
//
// A cycle is four passes:
//
//  1. mark: trace the object graph from the root slots
//  2. forward: assign each live object its slid-down address, stored
//     in the header flag word
//  3. rewrite: retarget every root slot and every live reference slot
//     to the forwarding addresses
//  4. move: slide live objects to their new addresses in ascending
//     order and reset the bump pointer
type Collector struct {
	mgr       *Manager
	markStack []uintptr
}

func newCollector(m *Manager) *Collector {
	return &Collector{mgr: m}
}

// collect runs one full cycle. roots holds the addresses of every live
// reference slot (native frame slots); the slots are rewritten in
// place when their referents move.
func (c *Collector) collect(roots []uintptr) {
	start := time.Now()
	usedBefore := c.mgr.heap.Used()

	live, scanned := c.mark(roots)
	newEnd := c.forward()
	c.rewrite(roots)
	c.move(newEnd)

	st := &c.mgr.Stats
	st.Collections++
	st.ObjectsScanned += scanned
	st.BytesReclaimed += usedBefore - c.mgr.heap.Used()
	st.LastLive = live

	log.Debugf("collection %d: %d objects scanned, %d live, %d bytes reclaimed in %s",
		st.Collections, scanned, live, usedBefore-c.mgr.heap.Used(), time.Since(start))
}

// mark traces reachability from the roots. Returns the live object
// count and the number of reference slots scanned.
func (c *Collector) mark(roots []uintptr) (live, scanned int) {
	h := c.mgr.heap
	c.markStack = c.markStack[:0]

	for _, slot := range roots {
		scanned++
		if obj := uintptr(load64(slot)); obj != 0 && h.Contains(obj) {
			c.markStack = append(c.markStack, obj)
		}
	}

	for len(c.markStack) > 0 {
		obj := c.markStack[len(c.markStack)-1]
		c.markStack = c.markStack[:len(c.markStack)-1]

		hdr := obj - HeaderSize
		flags := load64(hdr + 8)
		if flags&markBit != 0 {
			continue
		}
		store64(hdr+8, flags|markBit)
		live++

		d := c.mgr.descriptorOf(obj)
		if d.Array {
			if !d.ElemIsRef {
				continue
			}
			n := load32(obj)
			for i := int32(0); i < n; i++ {
				scanned++
				if child := uintptr(load64(ElemAddr(obj, i))); child != 0 && h.Contains(child) {
					c.markStack = append(c.markStack, child)
				}
			}
		} else {
			for i, isRef := range d.FieldRefs {
				if !isRef {
					continue
				}
				scanned++
				if child := uintptr(load64(obj + uintptr(i)*SlotSize)); child != 0 && h.Contains(child) {
					c.markStack = append(c.markStack, child)
				}
			}
		}
	}
	return live, scanned
}

// forward walks the heap in address order assigning each marked object
// its post-compaction header address, packed alongside the mark bit in
// the flag word. Object addresses are slot-aligned so the low bits are
// free. Returns the bump offset after the last survivor.
func (c *Collector) forward() uintptr {
	h := c.mgr.heap
	dst := h.base
	for hdr := h.base; hdr < h.End(); {
		size := c.mgr.objectSize(hdr)
		if load64(hdr+8)&markBit != 0 {
			store64(hdr+8, uint64(dst)|markBit)
			dst += size
		}
		hdr += size
	}
	return dst - h.base
}

// forwardedObject maps an object pointer to its post-move address.
func forwardedObject(obj uintptr) uintptr {
	newHdr := uintptr(load64(obj-HeaderSize+8) &^ markBit)
	return newHdr + HeaderSize
}

// rewrite retargets roots and the reference slots of live objects.
func (c *Collector) rewrite(roots []uintptr) {
	h := c.mgr.heap

	fix := func(slot uintptr) {
		if obj := uintptr(load64(slot)); obj != 0 && h.Contains(obj) {
			store64(slot, uint64(forwardedObject(obj)))
		}
	}

	for _, slot := range roots {
		fix(slot)
	}

	for hdr := h.base; hdr < h.End(); {
		size := c.mgr.objectSize(hdr)
		if load64(hdr+8)&markBit != 0 {
			obj := hdr + HeaderSize
			d := c.mgr.descriptorOf(obj)
			if d.Array {
				if d.ElemIsRef {
					n := load32(obj)
					for i := int32(0); i < n; i++ {
						fix(ElemAddr(obj, i))
					}
				}
			} else {
				for i, isRef := range d.FieldRefs {
					if isRef {
						fix(obj + uintptr(i)*SlotSize)
					}
				}
			}
		}
		hdr += size
	}
}

// move slides every live object down to its forwarding address and
// clears the flag words. Processing in ascending address order keeps
// destination ranges behind source ranges, so plain forward copies are
// safe.
func (c *Collector) move(newEnd uintptr) {
	h := c.mgr.heap
	for hdr := h.base; hdr < h.End(); {
		size := c.mgr.objectSize(hdr)
		flags := load64(hdr + 8)
		if flags&markBit != 0 {
			dst := uintptr(flags &^ markBit)
			store64(hdr+8, 0)
			if dst != hdr {
				memmoveBytes(dst, hdr, size)
			}
		}
		hdr += size
	}
	h.setNext(newEnd)
}
