package compiler

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reg names an x64 register. Integer registers are 0-15 in hardware
// encoding order; XMM registers start at 16 so one type covers both
// files.
type Reg uint8

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15

	XMM0  Reg = 16
	XMM1  Reg = 17
	XMM2  Reg = 18
	XMM3  Reg = 19
	XMM4  Reg = 20
	XMM5  Reg = 21
	XMM6  Reg = 22
	XMM7  Reg = 23
	XMM8  Reg = 24
	XMM9  Reg = 25
	XMM10 Reg = 26
	XMM11 Reg = 27
)

// IsXMM reports whether r is an XMM register.
func (r Reg) IsXMM() bool { return r >= 16 }

// enc returns the 4-bit hardware encoding.
func (r Reg) enc() uint8 {
	if r.IsXMM() {
		return uint8(r-16) & 0xF
	}
	return uint8(r) & 0xF
}

// Condition codes, the low nibble of the 0F 8x long-form Jcc opcodes.
type Cond uint8

const (
	CondB  Cond = 0x2 // below (unsigned <)
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7 // above (unsigned >)
	CondP  Cond = 0xA // parity (unordered float compare)
	CondNP Cond = 0xB
	CondL  Cond = 0xC // signed <
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Label is a forward- or backward-referenced position in the code
// stream.
type Label int

// CallSite records a rel32 call to another IR function, patched by the
// driver once the callee has a code address.
type CallSite struct {
	Target int // callee function table index
	Offset int // code offset of the rel32 field
}

// Assembler accumulates machine code with label fixups. Intra-function
// branches resolve at Finish; cross-function calls are left for the
// driver to patch.
type Assembler struct {
	Code  []byte
	Calls []CallSite

	labels []int
	fixups []fixup
}

type fixup struct {
	label  Label
	offset int // rel32 field position; target is relative to offset+4
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Pos returns the current code offset.
func (a *Assembler) Pos() int { return len(a.Code) }

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Bind fixes the label at the current position.
func (a *Assembler) Bind(l Label) {
	if a.labels[l] != -1 {
		panic(fmt.Sprintf("amd64: label %d bound twice", l))
	}
	a.labels[l] = a.Pos()
}

// Finish resolves every label fixup. Unbound labels are an internal
// fault.
func (a *Assembler) Finish() {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target == -1 {
			panic(fmt.Sprintf("amd64: label %d never bound", f.label))
		}
		binary.LittleEndian.PutUint32(a.Code[f.offset:], uint32(target-(f.offset+4)))
	}
	a.fixups = a.fixups[:0]
}

func (a *Assembler) byte(b ...byte) { a.Code = append(a.Code, b...) }
func (a *Assembler) u32(v uint32)   { a.Code = binary.LittleEndian.AppendUint32(a.Code, v) }
func (a *Assembler) u64(v uint64)   { a.Code = binary.LittleEndian.AppendUint64(a.Code, v) }
func (a *Assembler) rel32(l Label) {
	a.fixups = append(a.fixups, fixup{l, a.Pos()})
	a.u32(0)
}

// rex emits a REX prefix when needed. w selects 64-bit operands, reg
// and base contribute the R and B extension bits.
func (a *Assembler) rex(w bool, reg, base Reg) {
	b := uint8(0x40)
	if w {
		b |= 0x08
	}
	if reg.enc() >= 8 {
		b |= 0x04
	}
	if base.enc() >= 8 {
		b |= 0x01
	}
	if b != 0x40 {
		a.byte(b)
	}
}

// modrmReg emits ModRM for register-direct addressing.
func (a *Assembler) modrmReg(reg, rm Reg) {
	a.byte(0xC0 | (reg.enc()&7)<<3 | rm.enc()&7)
}

// modrmMem emits ModRM (+SIB when base is RSP) for [base+disp].
func (a *Assembler) modrmMem(reg, base Reg, disp int32) {
	mod := uint8(0x80)
	short := disp >= -128 && disp <= 127
	if short {
		mod = 0x40
	}
	a.byte(mod | (reg.enc()&7)<<3 | base.enc()&7)
	if base.enc()&7 == uint8(RSP) {
		a.byte(0x24)
	}
	if short {
		a.byte(byte(disp))
	} else {
		a.u32(uint32(disp))
	}
}

// ---------------------------------------------------------------------
// Stack and moves
// ---------------------------------------------------------------------

func (a *Assembler) Push(r Reg) {
	a.rex(false, 0, r)
	a.byte(0x50 + r.enc()&7)
}

func (a *Assembler) Pop(r Reg) {
	a.rex(false, 0, r)
	a.byte(0x58 + r.enc()&7)
}

// MovRegReg moves 64 bits between integer registers.
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.rex(true, src, dst)
	a.byte(0x89)
	a.modrmReg(src, dst)
}

// MovRegImm64 loads a full 64-bit immediate.
func (a *Assembler) MovRegImm64(dst Reg, imm uint64) {
	a.rex(true, 0, dst)
	a.byte(0xB8 + dst.enc()&7)
	a.u64(imm)
}

// MovRegImm32 loads a 32-bit immediate, zero-extending.
func (a *Assembler) MovRegImm32(dst Reg, imm uint32) {
	a.rex(false, 0, dst)
	a.byte(0xB8 + dst.enc()&7)
	a.u32(imm)
}

// MovRegMem loads 64 bits from [base+disp].
func (a *Assembler) MovRegMem(dst, base Reg, disp int32) {
	a.rex(true, dst, base)
	a.byte(0x8B)
	a.modrmMem(dst, base, disp)
}

// MovMemReg stores 64 bits to [base+disp].
func (a *Assembler) MovMemReg(base Reg, disp int32, src Reg) {
	a.rex(true, src, base)
	a.byte(0x89)
	a.modrmMem(src, base, disp)
}

// MovRegMem32 loads 32 bits from [base+disp], zero-extending.
func (a *Assembler) MovRegMem32(dst, base Reg, disp int32) {
	a.rex(false, dst, base)
	a.byte(0x8B)
	a.modrmMem(dst, base, disp)
}

// MovMemReg32 stores the low 32 bits of src to [base+disp].
func (a *Assembler) MovMemReg32(base Reg, disp int32, src Reg) {
	a.rex(false, src, base)
	a.byte(0x89)
	a.modrmMem(src, base, disp)
}

// MovsxdRegMem32 loads 32 bits from [base+disp], sign-extending to 64.
func (a *Assembler) MovsxdRegMem32(dst, base Reg, disp int32) {
	a.rex(true, dst, base)
	a.byte(0x63)
	a.modrmMem(dst, base, disp)
}

// ---------------------------------------------------------------------
// Integer ALU (32-bit forms: Int32 arithmetic wraps at 32 bits)
// ---------------------------------------------------------------------

func (a *Assembler) alu32(opcode byte, dst, src Reg) {
	a.rex(false, src, dst)
	a.byte(opcode)
	a.modrmReg(src, dst)
}

func (a *Assembler) Add32(dst, src Reg) { a.alu32(0x01, dst, src) }
func (a *Assembler) Sub32(dst, src Reg) { a.alu32(0x29, dst, src) }
func (a *Assembler) Cmp32(dst, src Reg) { a.alu32(0x39, dst, src) }

func (a *Assembler) IMul32(dst, src Reg) {
	a.rex(false, dst, src)
	a.byte(0x0F, 0xAF)
	a.modrmReg(dst, src)
}

func (a *Assembler) Neg32(r Reg) {
	a.rex(false, 0, r)
	a.byte(0xF7)
	a.modrmReg(3, r)
}

// Cdq sign-extends EAX into EDX:EAX ahead of IDiv32.
func (a *Assembler) Cdq() { a.byte(0x99) }

// IDiv32 divides EDX:EAX by r; quotient lands in EAX.
func (a *Assembler) IDiv32(r Reg) {
	a.rex(false, 0, r)
	a.byte(0xF7)
	a.modrmReg(7, r)
}

// Cmp32Imm compares the low 32 bits of r with an immediate.
func (a *Assembler) Cmp32Imm(r Reg, imm int32) {
	a.rex(false, 0, r)
	a.byte(0x81)
	a.modrmReg(7, r)
	a.u32(uint32(imm))
}

// CmpRegReg compares two 64-bit registers.
func (a *Assembler) CmpRegReg(x, y Reg) {
	a.rex(true, y, x)
	a.byte(0x39)
	a.modrmReg(y, x)
}

// TestRegReg ands two 64-bit registers, setting flags only.
func (a *Assembler) TestRegReg(x, y Reg) {
	a.rex(true, y, x)
	a.byte(0x85)
	a.modrmReg(y, x)
}

// Add64 adds two 64-bit registers, used for address arithmetic.
func (a *Assembler) Add64(dst, src Reg) {
	a.rex(true, src, dst)
	a.byte(0x01)
	a.modrmReg(src, dst)
}

// Shl64 shifts a 64-bit register left by an immediate.
func (a *Assembler) Shl64(r Reg, imm uint8) {
	a.rex(true, 0, r)
	a.byte(0xC1)
	a.modrmReg(4, r)
	a.byte(imm)
}

// Xor32 clears a register via the 32-bit xor idiom.
func (a *Assembler) Xor32(r Reg) {
	a.rex(false, r, r)
	a.byte(0x31)
	a.modrmReg(r, r)
}

// AddRegImm32 and SubRegImm32 adjust a 64-bit register, used for RSP.
func (a *Assembler) AddRegImm32(r Reg, imm int32) {
	a.rex(true, 0, r)
	a.byte(0x81)
	a.modrmReg(0, r)
	a.u32(uint32(imm))
}

func (a *Assembler) SubRegImm32(r Reg, imm int32) {
	a.rex(true, 0, r)
	a.byte(0x81)
	a.modrmReg(5, r)
	a.u32(uint32(imm))
}

// ---------------------------------------------------------------------
// SSE2 scalar doubles
// ---------------------------------------------------------------------

func (a *Assembler) sse(prefix byte, opcode byte, reg, rm Reg) {
	a.byte(prefix)
	a.rex(false, reg, rm)
	a.byte(0x0F, opcode)
	a.modrmReg(reg, rm)
}

func (a *Assembler) MovsdRegReg(dst, src Reg) { a.sse(0xF2, 0x10, dst, src) }
func (a *Assembler) Addsd(dst, src Reg)       { a.sse(0xF2, 0x58, dst, src) }
func (a *Assembler) Subsd(dst, src Reg)       { a.sse(0xF2, 0x5C, dst, src) }
func (a *Assembler) Mulsd(dst, src Reg)       { a.sse(0xF2, 0x59, dst, src) }
func (a *Assembler) Divsd(dst, src Reg)       { a.sse(0xF2, 0x5E, dst, src) }
func (a *Assembler) Ucomisd(x, y Reg)         { a.sse(0x66, 0x2E, x, y) }

// MovsdRegMem loads a double from [base+disp].
func (a *Assembler) MovsdRegMem(dst, base Reg, disp int32) {
	a.byte(0xF2)
	a.rex(false, dst, base)
	a.byte(0x0F, 0x10)
	a.modrmMem(dst, base, disp)
}

// MovsdMemReg stores a double to [base+disp].
func (a *Assembler) MovsdMemReg(base Reg, disp int32, src Reg) {
	a.byte(0xF2)
	a.rex(false, src, base)
	a.byte(0x0F, 0x11)
	a.modrmMem(src, base, disp)
}

// MovqXmmReg moves 64 bits from an integer register into an XMM.
func (a *Assembler) MovqXmmReg(dst, src Reg) {
	a.byte(0x66)
	a.rex(true, dst, src)
	a.byte(0x0F, 0x6E)
	a.modrmReg(dst, src)
}

// MovqRegXmm moves 64 bits from an XMM into an integer register.
func (a *Assembler) MovqRegXmm(dst, src Reg) {
	a.byte(0x66)
	a.rex(true, src, dst)
	a.byte(0x0F, 0x7E)
	a.modrmReg(src, dst)
}

// MovsdRegImm loads a double constant through the integer scratch
// register.
func (a *Assembler) MovsdRegImm(dst, scratch Reg, v float64) {
	a.MovRegImm64(scratch, math.Float64bits(v))
	a.MovqXmmReg(dst, scratch)
}

// ---------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------

func (a *Assembler) Jmp(l Label) {
	a.byte(0xE9)
	a.rel32(l)
}

func (a *Assembler) Jcc(c Cond, l Label) {
	a.byte(0x0F, 0x80+uint8(c))
	a.rel32(l)
}

// JmpReg jumps to the address in r.
func (a *Assembler) JmpReg(r Reg) {
	a.rex(false, 0, r)
	a.byte(0xFF)
	a.modrmReg(4, r)
}

// CallReg calls the address in r.
func (a *Assembler) CallReg(r Reg) {
	a.rex(false, 0, r)
	a.byte(0xFF)
	a.modrmReg(2, r)
}

// CallFunc emits a rel32 call to the IR function with the given table
// index, recorded for the driver to patch.
func (a *Assembler) CallFunc(index int) {
	a.byte(0xE8)
	a.Calls = append(a.Calls, CallSite{Target: index, Offset: a.Pos()})
	a.u32(0)
}

// CallLabel emits a rel32 call to a label in this function.
func (a *Assembler) CallLabel(l Label) {
	a.byte(0xE8)
	a.rel32(l)
}

func (a *Assembler) Ret() { a.byte(0xC3) }
