//go:build linux && amd64

package compiler

import (
	"fmt"
	"syscall"
	"unsafe"
)

// codePageSize is the granularity of executable mappings.
const codePageSize = 64 * 1024

// ExecMemory hands out executable code regions from mmap'd RWX pages
// with a bump pointer. Pages stay writable so the driver can patch
// call sites after installation. Mappings are never unmapped while the
// VM lives.
type ExecMemory struct {
	pages [][]byte
	cur   []byte
	used  int
}

func NewExecMemory() *ExecMemory {
	return &ExecMemory{}
}

// Install copies code into executable memory and returns the mapped
// slice and its base address.
func (m *ExecMemory) Install(code []byte) ([]byte, uintptr, error) {
	if len(code) == 0 {
		panic("execmem: installing empty code")
	}
	size := (len(code) + 15) &^ 15
	if m.cur == nil || m.used+size > len(m.cur) {
		pageSize := codePageSize
		if size > pageSize {
			pageSize = (size + codePageSize - 1) &^ (codePageSize - 1)
		}
		page, err := syscall.Mmap(-1, 0, pageSize,
			syscall.PROT_READ|syscall.PROT_WRITE|syscall.PROT_EXEC,
			syscall.MAP_PRIVATE|syscall.MAP_ANON)
		if err != nil {
			return nil, 0, fmt.Errorf("execmem: mmap %d bytes: %w", pageSize, err)
		}
		m.pages = append(m.pages, page)
		m.cur = page
		m.used = 0
	}
	dst := m.cur[m.used : m.used+size]
	copy(dst, code)
	m.used += size
	return dst[:len(code)], uintptr(unsafe.Pointer(&dst[0])), nil
}
