//go:build linux && amd64

package vm

import (
	"unsafe"

	"github.com/chazu/kiln/compiler"
)

// stackWalker enumerates live reference slots across the chain of
// native frames. Every frame stores its function table index at
// [rbp-8] and its caller's RBP at [rbp]; the return address at [rbp+8]
// locates the call site in the caller. The walk ends at the frame
// whose saved RBP is the one captured at engine entry.
type stackWalker struct {
	driver *compiler.Driver
}

func loadWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// roots collects the addresses of every stack-mapped reference slot.
// topRBP and topRetOff describe the innermost frame and the code
// offset of the runtime call that stopped the mutator; parent frames
// are located through their return addresses.
func (w *stackWalker) roots(topRBP uintptr, topRetOff int) []uintptr {
	var out []uintptr
	rbp := topRBP
	retOff := topRetOff

	for rbp != 0 {
		funcIndex := int(loadWord(rbp - 8))
		cf := w.driver.Compiled(funcIndex)
		if cf == nil {
			panic("stackwalk: frame for uncompiled function")
		}
		for _, slot := range cf.StackMaps[retOff] {
			out = append(out, cf.SlotAddr(rbp, slot))
		}

		parent := loadWord(rbp)
		if parent == entryRBP {
			break
		}
		retAddr := loadWord(rbp + 8)
		parentFn := w.driver.FindByPC(retAddr)
		if parentFn == nil {
			panic("stackwalk: return address outside generated code")
		}
		retOff = int(retAddr - parentFn.Base)
		rbp = parent
	}
	return out
}
