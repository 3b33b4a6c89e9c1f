package compiler

// Calling conventions.
//
// JIT-to-JIT calls pass integer and reference arguments in RDI, RSI,
// RDX, RCX, R8, R9 and float arguments in XMM0-XMM5, each class
// consuming its own sequence in parameter order. Results return in RAX
// (integer/reference) or XMM0 (float). All allocatable registers are
// caller-flushed at call boundaries, so nothing is callee-saved.
//
// Calls into the Go runtime bridge follow Go's amd64 register ABI:
// arguments in RAX, RBX, RCX, RDI, RSI and the result in RAX. R14
// holds the goroutine pointer and X15 the zero value; generated code
// never touches either, which also keeps them out of the allocatable
// file.
var (
	intArgRegs   = []Reg{RDI, RSI, RDX, RCX, R8, R9}
	floatArgRegs = []Reg{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5}

	goArgRegs = []Reg{RAX, RBX, RCX, RDI, RSI}

	// Allocatable files, consumed left to right up to the configured
	// register counts.
	allocIntRegs   = []Reg{R10, R11, R12, R13}
	allocFloatRegs = []Reg{XMM8, XMM9, XMM10, XMM11}
)

// Scratch registers the emitter may clobber between MIR instructions.
const (
	scratch0  = RAX
	scratch1  = RCX
	scratch2  = RDX
	scratchF0 = XMM6
	scratchF1 = XMM7
)

// Runtime error codes passed from generated code to the bridge.
const (
	TrapNullReference = iota + 1
	TrapIndexOutOfRange
	TrapDivisionByZero
	TrapStackOverflow
	TrapNegativeArrayLen
)

// TrapMessage returns the user-facing message for a trap code.
func TrapMessage(code int) string {
	switch code {
	case TrapNullReference:
		return "null reference"
	case TrapIndexOutOfRange:
		return "array index out of range"
	case TrapDivisionByZero:
		return "division by zero"
	case TrapStackOverflow:
		return "stack overflow"
	case TrapNegativeArrayLen:
		return "negative array length"
	default:
		return "unknown trap"
	}
}

// Bridge carries everything generated code needs from the runtime: the
// code addresses of the bridge helpers and the slots where the engine
// publishes entry state. The execution engine fills it in before any
// compilation happens.
type Bridge struct {
	// Helper code addresses, called with Go ABI arguments.
	NewArrayPC  uintptr // (descID, length, callerRBP, retOffset) -> object
	NewObjectPC uintptr // (descID, callerRBP, retOffset) -> object
	CollectPC   uintptr // (callerRBP, retOffset)
	TrapPC      uintptr // (code, instrIndex, callerRBP)
	CompilePC   uintptr // (funcIndex) -> entry address

	// Entry state published by the generated entry adapter and
	// consumed by trap exits and the stack walker.
	EntryRSP *uintptr
	EntryRBP *uintptr
	EntryRet *uintptr

	// StackLimit is the lowest RSP generated prologues allow.
	StackLimit *uintptr
}
