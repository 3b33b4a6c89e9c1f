//go:build linux && amd64

package vm

import (
	"reflect"
	"unsafe"

	"github.com/chazu/kiln/compiler"
)

// Generated code calls back into Go through top-level functions at
// fixed code addresses, with arguments in Go's amd64 register ABI.
// One engine at a time owns native execution (Run holds runMu), so the
// helpers reach it through the package-level active pointer, and the
// entry state lives in package-level slots whose addresses get baked
// into generated code.
var (
	active *Engine

	entryRSP   uintptr
	entryRBP   uintptr
	entryRet   uintptr
	stackLimit uintptr
)

func funcPC(f any) uintptr {
	return reflect.ValueOf(f).Pointer()
}

func newBridge() *compiler.Bridge {
	return &compiler.Bridge{
		NewArrayPC:  funcPC(rtNewArray),
		NewObjectPC: funcPC(rtNewObject),
		CollectPC:   funcPC(rtCollect),
		TrapPC:      funcPC(rtTrap),
		CompilePC:   funcPC(rtCompile),
		EntryRSP:    &entryRSP,
		EntryRBP:    &entryRBP,
		EntryRet:    &entryRet,
		StackLimit:  &stackLimit,
	}
}

// rtNewArray allocates an array for generated code. rbp and retOff
// identify the calling frame and call site so a collection triggered
// by this allocation can walk the stack.
func rtNewArray(descID, length uint64, rbp uintptr, retOff uint64) uintptr {
	e := active
	e.beginRuntimeCall(rbp, int(retOff))
	defer e.endRuntimeCall()
	obj, err := e.mgr.NewArray(uint32(descID), int32(length))
	if err != nil {
		e.fatal("allocation failed: %v", err)
	}
	return obj
}

func rtNewObject(descID uint64, rbp uintptr, retOff uint64) uintptr {
	e := active
	e.beginRuntimeCall(rbp, int(retOff))
	defer e.endRuntimeCall()
	obj, err := e.mgr.NewObject(uint32(descID))
	if err != nil {
		e.fatal("allocation failed: %v", err)
	}
	return obj
}

func rtCollect(rbp uintptr, retOff uint64) {
	e := active
	e.beginRuntimeCall(rbp, int(retOff))
	defer e.endRuntimeCall()
	e.mgr.Collect()
}

// rtTrap records a user error. The generated trap exit then abandons
// every native frame, so this only captures the location.
func rtTrap(code, instrIndex uint64, rbp uintptr) {
	e := active
	funcIndex := int(*(*uint64)(unsafe.Pointer(rbp - 8)))
	e.pendingErr = &RuntimeError{
		Kind:        trapKind(int(code)),
		Function:    e.driver.Function(funcIndex).Sig.Name,
		Instruction: int(instrIndex),
	}
}

// rtCompile resolves a lazy compilation request from a trampoline and
// returns the fresh entry address.
func rtCompile(funcIndex uint64) uintptr {
	e := active
	addr, err := e.driver.Compile(int(funcIndex))
	if err != nil {
		e.fatal("compile on first call: %v", err)
	}
	return addr
}
