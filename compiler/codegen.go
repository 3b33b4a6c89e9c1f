package compiler

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/chazu/kiln/model"
)

// compileResult is the raw output of code generation, before the code
// is installed at a real address.
type compileResult struct {
	code         []byte
	calls        []CallSite
	stackMaps    map[int][]int32 // return-address code offset -> ref slot indices
	instrOffsets []int           // code offset of each IR instruction
	layout       FrameLayout
}

type trapSite struct {
	code    int
	irIndex int
	label   Label
}

// codegen emits one function. Register-resident virtual registers are
// flushed to their home frame slots before every collection point, so
// the recorded stack maps only ever name frame slots.
type codegen struct {
	a      *Assembler
	m      *mirFunc
	al     *allocation
	bridge *Bridge

	labels     map[int]Label
	traps      []trapSite
	trapCommon Label

	// nonNull[i] holds the registers proven non-null entering MIR
	// instruction i; cur is the instruction being emitted.
	nonNull []nonNullSet
	cur     int

	stackMaps    map[int][]int32
	instrOffsets []int
}

func generate(m *mirFunc, al *allocation, bridge *Bridge) *compileResult {
	g := &codegen{
		a:            NewAssembler(),
		m:            m,
		al:           al,
		bridge:       bridge,
		labels:       make(map[int]Label),
		nonNull:      computeNonNull(m),
		stackMaps:    make(map[int][]int32),
		instrOffsets: make([]int, len(m.fn.Instructions)),
	}
	g.trapCommon = g.a.NewLabel()

	startsIR := make(map[int]int)
	for ir := len(m.irStart) - 1; ir >= 0; ir-- {
		startsIR[m.irStart[ir]] = ir
	}

	g.prologue()

	for i := range m.instrs {
		if l, ok := g.labels[i]; ok {
			g.a.Bind(l)
		} else if isTarget(m, i) {
			l := g.a.NewLabel()
			g.labels[i] = l
			g.a.Bind(l)
		}
		if ir, ok := startsIR[i]; ok {
			g.instrOffsets[ir] = g.a.Pos()
		}
		g.cur = i
		g.instr(&m.instrs[i])
	}

	g.emitTraps()
	g.a.Finish()

	return &compileResult{
		code:         g.a.Code,
		calls:        g.a.Calls,
		stackMaps:    g.stackMaps,
		instrOffsets: g.instrOffsets,
		layout:       m.layout,
	}
}

func isTarget(m *mirFunc, idx int) bool {
	for i := range m.instrs {
		mi := &m.instrs[i]
		if (mi.Op == mirBranch || mi.Op == mirCompareBranch) && mi.Target == idx {
			return true
		}
	}
	return false
}

func (g *codegen) labelFor(mirIdx int) Label {
	if l, ok := g.labels[mirIdx]; ok {
		return l
	}
	l := g.a.NewLabel()
	g.labels[mirIdx] = l
	return l
}

func (g *codegen) slotOff(v int) int32 {
	return g.m.layout.VRegOffset(v)
}

// nullGuard emits the null check for the object operand v held in r,
// unless the elision pass proved v non-null here.
func (g *codegen) nullGuard(v int, r Reg, irIndex int) {
	if g.nonNull[g.cur].has(v) {
		return
	}
	g.a.TestRegReg(r, r)
	g.a.Jcc(CondE, g.trap(TrapNullReference, irIndex))
}

// trap allocates an exit stub for a check failure at the given IR
// instruction and returns its label.
func (g *codegen) trap(code, irIndex int) Label {
	l := g.a.NewLabel()
	g.traps = append(g.traps, trapSite{code: code, irIndex: irIndex, label: l})
	return l
}

func addrOf(p *uintptr) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}

// ---------------------------------------------------------------------
// Prologue, epilogue, trap exits
// ---------------------------------------------------------------------

func (g *codegen) prologue() {
	a := g.a
	layout := g.m.layout
	f := g.m.fn

	a.Push(RBP)
	a.MovRegReg(RBP, RSP)
	a.SubRegImm32(RSP, layout.FrameSize())

	a.MovRegImm32(RAX, uint32(f.Index))
	a.MovMemReg(RBP, funcIndexOffset, RAX)

	// Argument registers still hold the incoming values, so the probe
	// uses RAX and R11 only.
	a.MovRegImm64(R11, addrOf(g.bridge.StackLimit))
	a.MovRegMem(RAX, R11, 0)
	a.CmpRegReg(RSP, RAX)
	a.Jcc(CondB, g.trap(TrapStackOverflow, 0))

	// Spill arguments to their frame slots.
	intN, floatN := 0, 0
	for i, p := range f.Sig.Params {
		if p.IsFloat() {
			a.MovsdMemReg(RBP, layout.ArgOffset(i), floatArgRegs[floatN])
			floatN++
		} else {
			a.MovMemReg(RBP, layout.ArgOffset(i), intArgRegs[intN])
			intN++
		}
	}

	// Zero locals and operand slots so reference slots read as null
	// until first written, which the stack maps depend on.
	a.Xor32(RAX)
	for v := 0; v < g.m.numVRegs; v++ {
		a.MovMemReg(RBP, g.slotOff(v), RAX)
	}

	// Seed register-resident locals so the first read does not see a
	// stale register.
	for _, v := range g.al.resident() {
		if v < f.NumLocals() {
			g.reload(v)
		}
	}
}

func (g *codegen) epilogue() {
	g.a.MovRegReg(RSP, RBP)
	g.a.Pop(RBP)
	g.a.Ret()
}

func (g *codegen) emitTraps() {
	a := g.a
	for _, t := range g.traps {
		a.Bind(t.label)
		a.MovRegImm32(RAX, uint32(t.code))
		a.MovRegImm32(RBX, uint32(t.irIndex))
		a.Jmp(g.trapCommon)
	}

	// Record the error with its frame, then abandon every native frame
	// by restoring the state saved at engine entry and jumping to the
	// entry return address.
	a.Bind(g.trapCommon)
	a.MovRegReg(RCX, RBP)
	a.MovRegImm64(R11, uint64(g.bridge.TrapPC))
	a.CallReg(R11)
	a.MovRegImm64(R11, addrOf(g.bridge.EntryRSP))
	a.MovRegMem(RSP, R11, 0)
	// The captured RSP still has the entry return address on the
	// stack; jumping (not returning) means discarding it by hand.
	a.AddRegImm32(RSP, 8)
	a.MovRegImm64(R11, addrOf(g.bridge.EntryRBP))
	a.MovRegMem(RBP, R11, 0)
	a.MovRegImm64(R11, addrOf(g.bridge.EntryRet))
	a.MovRegMem(R11, R11, 0)
	a.Xor32(RAX)
	a.JmpReg(R11)
}

// ---------------------------------------------------------------------
// Value access
// ---------------------------------------------------------------------

// useInt materializes an integer-class virtual register for reading,
// returning its hardware register or loading it into scratch.
func (g *codegen) useInt(v int, scratch Reg) Reg {
	if r, ok := g.al.regOf(v); ok {
		return r
	}
	g.a.MovRegMem(scratch, RBP, g.slotOff(v))
	return scratch
}

// useIntCopy always materializes into scratch, for sequences that
// mutate the register.
func (g *codegen) useIntCopy(v int, scratch Reg) Reg {
	if r, ok := g.al.regOf(v); ok {
		g.a.MovRegReg(scratch, r)
		return scratch
	}
	g.a.MovRegMem(scratch, RBP, g.slotOff(v))
	return scratch
}

func (g *codegen) useFloat(v int, scratch Reg) Reg {
	if r, ok := g.al.regOf(v); ok {
		return r
	}
	g.a.MovsdRegMem(scratch, RBP, g.slotOff(v))
	return scratch
}

func (g *codegen) useFloatCopy(v int, scratch Reg) Reg {
	if r, ok := g.al.regOf(v); ok {
		g.a.MovsdRegReg(scratch, r)
		return scratch
	}
	g.a.MovsdRegMem(scratch, RBP, g.slotOff(v))
	return scratch
}

// defInt returns the register to compute an integer-class result in;
// setInt then commits it to the allocation or the frame slot.
func (g *codegen) defInt(v int, scratch Reg) Reg {
	if r, ok := g.al.regOf(v); ok {
		return r
	}
	return scratch
}

func (g *codegen) setInt(v int, r Reg) {
	if ar, ok := g.al.regOf(v); ok {
		if ar != r {
			g.a.MovRegReg(ar, r)
		}
		return
	}
	g.a.MovMemReg(RBP, g.slotOff(v), r)
}

func (g *codegen) defFloat(v int, scratch Reg) Reg {
	if r, ok := g.al.regOf(v); ok {
		return r
	}
	return scratch
}

func (g *codegen) setFloat(v int, r Reg) {
	if ar, ok := g.al.regOf(v); ok {
		if ar != r {
			g.a.MovsdRegReg(ar, r)
		}
		return
	}
	g.a.MovsdMemReg(RBP, g.slotOff(v), r)
}

// flushAll writes every register-resident virtual register back to its
// home slot; reloadAll re-materializes them. Bracketing every
// collection point this way keeps the frame the single source of truth
// while a callee, the allocator, or the collector runs.
func (g *codegen) flushAll() {
	for _, v := range g.al.resident() {
		r := g.al.regs[v]
		if r.IsXMM() {
			g.a.MovsdMemReg(RBP, g.slotOff(v), r)
		} else {
			g.a.MovMemReg(RBP, g.slotOff(v), r)
		}
	}
}

func (g *codegen) reloadAll() {
	for _, v := range g.al.resident() {
		g.reload(v)
	}
}

func (g *codegen) reload(v int) {
	r := g.al.regs[v]
	if r.IsXMM() {
		g.a.MovsdRegMem(r, RBP, g.slotOff(v))
	} else {
		g.a.MovRegMem(r, RBP, g.slotOff(v))
	}
}

// ---------------------------------------------------------------------
// Instruction emission
// ---------------------------------------------------------------------

func (g *codegen) instr(mi *mirInstr) {
	a := g.a
	switch mi.Op {
	case mirLoadInt, mirLoadBool:
		r := g.defInt(mi.Dst, scratch0)
		a.MovRegImm32(r, uint32(int32(mi.Imm)))
		g.setInt(mi.Dst, r)

	case mirLoadNull:
		r := g.defInt(mi.Dst, scratch0)
		a.Xor32(r)
		g.setInt(mi.Dst, r)

	case mirLoadFloat:
		r := g.defFloat(mi.Dst, scratchF0)
		a.MovsdRegImm(r, scratch0, mi.FImm)
		g.setFloat(mi.Dst, r)

	case mirLoadArg:
		off := g.m.layout.ArgOffset(int(mi.Imm))
		if mi.Float {
			r := g.defFloat(mi.Dst, scratchF0)
			a.MovsdRegMem(r, RBP, off)
			g.setFloat(mi.Dst, r)
		} else {
			r := g.defInt(mi.Dst, scratch0)
			a.MovRegMem(r, RBP, off)
			g.setInt(mi.Dst, r)
		}

	case mirMove:
		if mi.Dst == mi.A {
			return
		}
		if mi.Float {
			r := g.useFloat(mi.A, scratchF0)
			g.setFloat(mi.Dst, r)
		} else {
			r := g.useInt(mi.A, scratch0)
			g.setInt(mi.Dst, r)
		}

	case mirAddInt, mirSubInt, mirMulInt:
		// Lowering makes Dst and A the same operand slot.
		rA := g.useIntCopy(mi.A, scratch0)
		rB := g.useInt(mi.B, scratch1)
		switch mi.Op {
		case mirAddInt:
			a.Add32(rA, rB)
		case mirSubInt:
			a.Sub32(rA, rB)
		case mirMulInt:
			a.IMul32(rA, rB)
		}
		g.setInt(mi.Dst, rA)

	case mirDivInt:
		g.divInt(mi)

	case mirAddFloat, mirSubFloat, mirMulFloat, mirDivFloat:
		rA := g.useFloatCopy(mi.A, scratchF0)
		rB := g.useFloat(mi.B, scratchF1)
		switch mi.Op {
		case mirAddFloat:
			a.Addsd(rA, rB)
		case mirSubFloat:
			a.Subsd(rA, rB)
		case mirMulFloat:
			a.Mulsd(rA, rB)
		case mirDivFloat:
			a.Divsd(rA, rB)
		}
		g.setFloat(mi.Dst, rA)

	case mirLoadLen:
		rArr := g.useInt(mi.A, scratch0)
		g.nullGuard(mi.A, rArr, mi.IRIndex)
		rD := g.defInt(mi.Dst, scratch1)
		a.MovRegMem32(rD, rArr, 0)
		g.setInt(mi.Dst, rD)

	case mirLoadElem:
		g.elemAddr(mi)
		if mi.Float {
			rD := g.defFloat(mi.Dst, scratchF0)
			a.MovsdRegMem(rD, scratch0, arrayDataOffset)
			g.setFloat(mi.Dst, rD)
		} else {
			rD := g.defInt(mi.Dst, scratch1)
			a.MovRegMem(rD, scratch0, arrayDataOffset)
			g.setInt(mi.Dst, rD)
		}

	case mirStoreElem:
		g.elemAddr(mi)
		if mi.Float {
			rV := g.useFloat(mi.C, scratchF0)
			a.MovsdMemReg(scratch0, arrayDataOffset, rV)
		} else {
			rV := g.useInt(mi.C, scratch1)
			a.MovMemReg(scratch0, arrayDataOffset, rV)
		}

	case mirLoadField:
		rObj := g.useInt(mi.A, scratch0)
		g.nullGuard(mi.A, rObj, mi.IRIndex)
		if mi.Float {
			rD := g.defFloat(mi.Dst, scratchF0)
			a.MovsdRegMem(rD, rObj, int32(mi.Imm))
			g.setFloat(mi.Dst, rD)
		} else {
			rD := g.defInt(mi.Dst, scratch1)
			a.MovRegMem(rD, rObj, int32(mi.Imm))
			g.setInt(mi.Dst, rD)
		}

	case mirStoreField:
		rObj := g.useInt(mi.A, scratch0)
		g.nullGuard(mi.A, rObj, mi.IRIndex)
		if mi.Float {
			rV := g.useFloat(mi.C, scratchF0)
			a.MovsdMemReg(rObj, int32(mi.Imm), rV)
		} else {
			rV := g.useInt(mi.C, scratch1)
			a.MovMemReg(rObj, int32(mi.Imm), rV)
		}

	case mirNewArray:
		g.flushAll()
		a.MovRegMem(RBX, RBP, g.slotOff(mi.A))
		a.Cmp32Imm(RBX, 0)
		a.Jcc(CondL, g.trap(TrapNegativeArrayLen, mi.IRIndex))
		a.MovRegImm32(RAX, mi.DescID)
		a.MovRegReg(RCX, RBP)
		immPos := g.movRetOffset(RDI)
		a.MovRegImm64(R11, uint64(g.bridge.NewArrayPC))
		a.CallReg(R11)
		g.finishCollectionPoint(mi, immPos)
		g.reloadAll()
		g.setInt(mi.Dst, RAX)

	case mirNewObject:
		g.flushAll()
		a.MovRegImm32(RAX, mi.DescID)
		a.MovRegReg(RBX, RBP)
		immPos := g.movRetOffset(RCX)
		a.MovRegImm64(R11, uint64(g.bridge.NewObjectPC))
		a.CallReg(R11)
		g.finishCollectionPoint(mi, immPos)
		g.reloadAll()
		g.setInt(mi.Dst, RAX)

	case mirCollect:
		g.flushAll()
		a.MovRegReg(RAX, RBP)
		immPos := g.movRetOffset(RBX)
		a.MovRegImm64(R11, uint64(g.bridge.CollectPC))
		a.CallReg(R11)
		g.finishCollectionPoint(mi, immPos)
		g.reloadAll()

	case mirCall:
		g.callFunc(mi)

	case mirReturn:
		if mi.A != noVReg {
			if mi.Float {
				r := g.useFloat(mi.A, XMM0)
				if r != XMM0 {
					a.MovsdRegReg(XMM0, r)
				}
			} else {
				r := g.useInt(mi.A, RAX)
				if r != RAX {
					a.MovRegReg(RAX, r)
				}
			}
		}
		g.epilogue()

	case mirBranch:
		a.Jmp(g.labelFor(mi.Target))

	case mirCompareBranch:
		g.compareBranch(mi)

	default:
		panic(fmt.Sprintf("codegen: unhandled MIR op %d", mi.Op))
	}
}

// arrayDataOffset is where element 0 starts, past the length word.
const arrayDataOffset = 8

// elemAddr leaves the address of element B of array A, minus the data
// offset, in scratch0: null check, unsigned bounds check against the
// length word, then base + index*8.
func (g *codegen) elemAddr(mi *mirInstr) {
	a := g.a
	rArr := g.useIntCopy(mi.A, scratch0)
	rIdx := g.useIntCopy(mi.B, scratch1)
	g.nullGuard(mi.A, rArr, mi.IRIndex)
	a.MovRegMem32(scratch2, rArr, 0)
	a.Cmp32(rIdx, scratch2)
	// The unsigned compare rejects negative indices along with
	// overlarge ones in one branch.
	a.Jcc(CondAE, g.trap(TrapIndexOutOfRange, mi.IRIndex))
	a.Shl64(rIdx, 3)
	a.Add64(rArr, rIdx)
}

func (g *codegen) divInt(mi *mirInstr) {
	a := g.a
	rA := g.useInt(mi.A, scratch2)
	if rA != RAX {
		a.MovRegReg(RAX, rA)
	}
	rB := g.useIntCopy(mi.B, scratch1)
	a.Cmp32Imm(rB, 0)
	a.Jcc(CondE, g.trap(TrapDivisionByZero, mi.IRIndex))

	// IDIV faults on MinInt32 / -1; that quotient wraps to MinInt32,
	// which is plain negation.
	divide := a.NewLabel()
	done := a.NewLabel()
	a.Cmp32Imm(rB, -1)
	a.Jcc(CondNE, divide)
	a.Neg32(RAX)
	a.Jmp(done)
	a.Bind(divide)
	a.Cdq()
	a.IDiv32(rB)
	a.Bind(done)
	g.setInt(mi.Dst, RAX)
}

func (g *codegen) compareBranch(mi *mirInstr) {
	a := g.a
	target := g.labelFor(mi.Target)

	if mi.Float {
		// UCOMISD needs unordered handling: NaN compares as not-equal
		// and fails every ordering.
		rA := g.useFloat(mi.A, scratchF0)
		rB := g.useFloat(mi.B, scratchF1)
		switch mi.CmpOp {
		case model.OpBranchEqual:
			skip := a.NewLabel()
			a.Ucomisd(rA, rB)
			a.Jcc(CondP, skip)
			a.Jcc(CondE, target)
			a.Bind(skip)
		case model.OpBranchNotEqual:
			a.Ucomisd(rA, rB)
			a.Jcc(CondP, target)
			a.Jcc(CondNE, target)
		case model.OpBranchGreater:
			a.Ucomisd(rA, rB)
			a.Jcc(CondA, target)
		case model.OpBranchGreaterEqual:
			a.Ucomisd(rA, rB)
			a.Jcc(CondAE, target)
		case model.OpBranchLess:
			a.Ucomisd(rB, rA)
			a.Jcc(CondA, target)
		case model.OpBranchLessEqual:
			a.Ucomisd(rB, rA)
			a.Jcc(CondAE, target)
		}
		return
	}

	rA := g.useInt(mi.A, scratch0)
	rB := g.useInt(mi.B, scratch1)
	if mi.Wide {
		a.CmpRegReg(rA, rB)
	} else {
		a.Cmp32(rA, rB)
	}
	var c Cond
	switch mi.CmpOp {
	case model.OpBranchEqual:
		c = CondE
	case model.OpBranchNotEqual:
		c = CondNE
	case model.OpBranchGreater:
		c = CondG
	case model.OpBranchGreaterEqual:
		c = CondGE
	case model.OpBranchLess:
		c = CondL
	case model.OpBranchLessEqual:
		c = CondLE
	}
	a.Jcc(c, target)
}

func (g *codegen) callFunc(mi *mirInstr) {
	a := g.a
	g.flushAll()

	intN, floatN := 0, 0
	for _, v := range mi.Args {
		if g.m.vregFloat[v] {
			a.MovsdRegMem(floatArgRegs[floatN], RBP, g.slotOff(v))
			floatN++
		} else {
			a.MovRegMem(intArgRegs[intN], RBP, g.slotOff(v))
			intN++
		}
	}

	a.CallFunc(mi.FuncIndex)
	g.stackMaps[a.Pos()] = g.m.refSlotsAt(mi.IRIndex)
	g.reloadAll()

	if mi.Dst != noVReg {
		if mi.Float {
			g.setFloat(mi.Dst, XMM0)
		} else {
			g.setInt(mi.Dst, RAX)
		}
	}
}

// movRetOffset emits a 32-bit immediate load whose value, the code
// offset of the bridge call's return address, is only known once the
// call is emitted; finishCollectionPoint patches it.
func (g *codegen) movRetOffset(r Reg) int {
	g.a.MovRegImm32(r, 0)
	return g.a.Pos() - 4
}

func (g *codegen) finishCollectionPoint(mi *mirInstr, immPos int) {
	retOff := g.a.Pos()
	binary.LittleEndian.PutUint32(g.a.Code[immPos:], uint32(retOff))
	g.stackMaps[retOff] = g.m.refSlotsAt(mi.IRIndex)
}
