package heap

import "testing"

func TestAllocate(t *testing.T) {
	h := NewHeap(256)

	a := h.Allocate(24)
	if a != h.Base() {
		t.Fatalf("first allocation at %#x, want base %#x", a, h.Base())
	}
	if h.Used() != 24 {
		t.Errorf("used = %d, want 24", h.Used())
	}

	// Sizes round up to whole slots.
	b := h.Allocate(10)
	if b != a+24 {
		t.Fatalf("second allocation at %#x, want %#x", b, a+24)
	}
	if h.Used() != 40 {
		t.Errorf("used = %d, want 40 after rounding", h.Used())
	}

	if !h.Contains(a) || !h.Contains(b+15) {
		t.Error("Contains rejects allocated addresses")
	}
	if h.Contains(h.Base() + uintptr(h.Used())) {
		t.Error("Contains accepts the unallocated tail")
	}
}

func TestAllocateFull(t *testing.T) {
	h := NewHeap(64)
	if a := h.Allocate(64); a == 0 {
		t.Fatal("exact-fit allocation failed")
	}
	if a := h.Allocate(8); a != 0 {
		t.Error("allocation from a full heap succeeded")
	}
}

func TestAllocateZeroed(t *testing.T) {
	h := NewHeap(128)
	a := h.Allocate(32)
	for i := uintptr(0); i < 32; i += 8 {
		if load64(a+i) != 0 {
			t.Fatalf("fresh allocation not zeroed at offset %d", i)
		}
	}
}

func TestSetNextZeroesTail(t *testing.T) {
	h := NewHeap(128)
	a := h.Allocate(48)
	store64(a+32, 0xdeadbeef)
	h.setNext(32)

	if h.Used() != 32 {
		t.Fatalf("used = %d, want 32", h.Used())
	}
	b := h.Allocate(16)
	if b != a+32 {
		t.Fatalf("reallocation at %#x, want %#x", b, a+32)
	}
	if load64(b) != 0 {
		t.Error("reclaimed space not zeroed")
	}
}
