// Package compiler translates verified IR functions to native x64
// machine code: stack IR to register MIR, liveness and linear-scan
// register allocation, machine code emission, executable memory, and
// the JIT driver with its function table and call patching.
package compiler

// Native frame layout. Every value, argument, local, and operand
// virtual register occupies one 8-byte slot addressed off RBP:
//
//	[rbp+8]   return address (pushed by call)
//	[rbp]     caller RBP
//	[rbp-8]   function table index of this function
//	[rbp-16]  slot 0: first argument
//	...       arguments, then locals, then operand virtual registers
//
// The stack walker and the collector's stack maps both address frames
// through this layout, so it is the one place that knows the offsets.
const (
	SlotSize = 8

	// funcIndexOffset is the RBP offset of the function index slot.
	funcIndexOffset = -8
)

// FrameLayout computes slot offsets for one function.
type FrameLayout struct {
	NumArgs   int
	NumLocals int
	NumVRegs  int // operand virtual registers, numbered after locals
}

// SlotOffset returns the RBP offset of frame slot i. Slots are ordered
// arguments, locals, operand registers.
func (l FrameLayout) SlotOffset(i int) int32 {
	return int32(-(2 + i) * SlotSize)
}

// ArgOffset returns the RBP offset of argument i.
func (l FrameLayout) ArgOffset(i int) int32 {
	return l.SlotOffset(i)
}

// LocalOffset returns the RBP offset of local i.
func (l FrameLayout) LocalOffset(i int) int32 {
	return l.SlotOffset(l.NumArgs + i)
}

// VRegOffset returns the RBP offset of the home slot of virtual
// register v. Virtual registers 0..NumLocals-1 are the locals.
func (l FrameLayout) VRegOffset(v int) int32 {
	return l.SlotOffset(l.NumArgs + v)
}

// NumSlots returns the number of frame slots below the function index
// slot.
func (l FrameLayout) NumSlots() int {
	return l.NumArgs + l.NumLocals + l.NumVRegs
}

// FrameSize returns the prologue's RSP adjustment: the function index
// slot plus all value slots, rounded so RSP stays 16-byte aligned
// between calls.
func (l FrameLayout) FrameSize() int32 {
	size := (1 + l.NumSlots()) * SlotSize
	return int32((size + 15) &^ 15)
}

// SlotIndexOfArg and SlotIndexOfLocal map to the flat slot numbering
// used by stack maps.
func (l FrameLayout) SlotIndexOfArg(i int) int   { return i }
func (l FrameLayout) SlotIndexOfLocal(i int) int { return l.NumArgs + i }
func (l FrameLayout) SlotIndexOfVReg(v int) int  { return l.NumArgs + v }
