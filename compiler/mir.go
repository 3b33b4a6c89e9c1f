package compiler

import (
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/model"
)

// The MIR is a three-address form over virtual registers. Virtual
// registers 0..NumLocals-1 are the function's locals; operand stack
// slots map to fixed virtual registers by depth, one per register
// class, so control-flow joins agree on locations by construction and
// need no reconciling moves.
type mirOp int

const (
	mirLoadInt mirOp = iota
	mirLoadFloat
	mirLoadBool
	mirLoadNull
	mirMove
	mirLoadArg
	mirAddInt
	mirSubInt
	mirMulInt
	mirDivInt
	mirAddFloat
	mirSubFloat
	mirMulFloat
	mirDivFloat
	mirCall
	mirReturn
	mirNewArray
	mirLoadElem
	mirStoreElem
	mirLoadLen
	mirNewObject
	mirLoadField
	mirStoreField
	mirBranch
	mirCompareBranch
	mirCollect
)

// vreg indices are plain ints; -1 means absent.
const noVReg = -1

type mirInstr struct {
	Op mirOp

	Dst int // defined virtual register
	A   int // operands
	B   int
	C   int // third operand for stores

	Imm    int64   // integer immediate / argument index / field offset
	FImm   float64 // float immediate
	DescID uint32  // heap descriptor for allocations

	// Compare branches carry the source opcode; Float selects the
	// UCOMISD form and Wide a 64-bit reference compare.
	CmpOp model.Opcode
	Float bool
	Wide  bool

	Target int // MIR instruction index for branches

	// FuncIndex and Args describe calls.
	FuncIndex int
	Args      []int

	// IRIndex is the source instruction, used for trap locations,
	// instruction offset tables, and stack maps at collection points.
	IRIndex int
}

// isCollectionPoint reports whether the collector can run inside this
// instruction.
func (m *mirInstr) isCollectionPoint() bool {
	switch m.Op {
	case mirCall, mirNewArray, mirNewObject, mirCollect:
		return true
	}
	return false
}

// mirFunc is the MIR compilation result for one function.
type mirFunc struct {
	fn     *model.Function
	instrs []mirInstr

	// irStart[i] is the index of the first MIR instruction lowered
	// from IR instruction i.
	irStart []int

	numVRegs  int
	vregFloat []bool // register class per virtual register
	vregRef   []bool // reference locals, for whole-body liveness

	layout FrameLayout
}

// mirBuilder lowers a verified function. The manager is needed to
// intern heap descriptors for the allocation sites.
type mirBuilder struct {
	binder *model.Binder
	mgr    *heap.Manager
}

func newMIRBuilder(binder *model.Binder, mgr *heap.Manager) *mirBuilder {
	return &mirBuilder{binder: binder, mgr: mgr}
}

func (b *mirBuilder) lower(f *model.Function) *mirFunc {
	if f.OperandStacks == nil {
		panic("mir: lowering unverified function " + f.Sig.String())
	}

	numLocals := f.NumLocals()
	maxDepth := f.MaxStackDepth

	m := &mirFunc{
		fn:        f,
		irStart:   make([]int, len(f.Instructions)),
		numVRegs:  numLocals + 2*maxDepth,
		vregFloat: make([]bool, numLocals+2*maxDepth),
		vregRef:   make([]bool, numLocals+2*maxDepth),
	}
	for i, t := range f.Locals {
		m.vregFloat[i] = t.IsFloat()
		m.vregRef[i] = t.IsReference()
	}
	for d := 0; d < maxDepth; d++ {
		m.vregFloat[numLocals+maxDepth+d] = true
	}
	m.layout = FrameLayout{
		NumArgs:   f.NumArgs(),
		NumLocals: numLocals,
		NumVRegs:  2 * maxDepth,
	}

	// slot maps an operand depth and type to its virtual register.
	slot := func(d int, t *model.Type) int {
		if t.IsFloat() {
			return numLocals + maxDepth + d
		}
		return numLocals + d
	}

	for i := range f.Instructions {
		m.irStart[i] = len(m.instrs)
		in := &f.Instructions[i]
		stack := f.OperandStacks[i]
		d := len(stack)
		emit := func(mi mirInstr) {
			mi.IRIndex = i
			m.instrs = append(m.instrs, mi)
		}

		switch in.Op {
		case model.OpLoadInt32:
			emit(mirInstr{Op: mirLoadInt, Dst: slot(d, model.Int32), A: noVReg, B: noVReg, C: noVReg, Imm: int64(in.Int)})
		case model.OpLoadFloat64:
			emit(mirInstr{Op: mirLoadFloat, Dst: slot(d, model.Float64), A: noVReg, B: noVReg, C: noVReg, FImm: in.Float})
		case model.OpLoadBool:
			v := int64(0)
			if in.Bool {
				v = 1
			}
			emit(mirInstr{Op: mirLoadBool, Dst: slot(d, model.Bool), A: noVReg, B: noVReg, C: noVReg, Imm: v})
		case model.OpLoadNull:
			emit(mirInstr{Op: mirLoadNull, Dst: slot(d, in.Type), A: noVReg, B: noVReg, C: noVReg})

		case model.OpLoadLocal:
			t := f.Locals[in.Int]
			emit(mirInstr{Op: mirMove, Dst: slot(d, t), A: int(in.Int), B: noVReg, C: noVReg, Float: t.IsFloat()})
		case model.OpStoreLocal:
			t := f.Locals[in.Int]
			emit(mirInstr{Op: mirMove, Dst: int(in.Int), A: slot(d-1, t), B: noVReg, C: noVReg, Float: t.IsFloat()})
		case model.OpLoadArg:
			t := f.Sig.Params[in.Int]
			emit(mirInstr{Op: mirLoadArg, Dst: slot(d, t), A: noVReg, B: noVReg, C: noVReg, Imm: int64(in.Int), Float: t.IsFloat()})

		case model.OpAdd, model.OpSub, model.OpMul, model.OpDiv:
			t := stack[d-1]
			op := map[model.Opcode]mirOp{
				model.OpAdd: mirAddInt, model.OpSub: mirSubInt,
				model.OpMul: mirMulInt, model.OpDiv: mirDivInt,
			}[in.Op]
			if t.IsFloat() {
				op += mirAddFloat - mirAddInt
			}
			emit(mirInstr{Op: op, Dst: slot(d-2, t), A: slot(d-2, t), B: slot(d-1, t), C: noVReg, Float: t.IsFloat()})

		case model.OpCall:
			callee, _ := b.binder.Function(in.Str)
			n := len(callee.Sig.Params)
			args := make([]int, n)
			for j := 0; j < n; j++ {
				args[j] = slot(d-n+j, callee.Sig.Params[j])
			}
			mi := mirInstr{Op: mirCall, Dst: noVReg, A: noVReg, B: noVReg, C: noVReg,
				FuncIndex: callee.Index, Args: args}
			if ret := callee.Sig.ReturnType; ret.Kind != model.KindVoid {
				mi.Dst = slot(d-n, ret)
				mi.Float = ret.IsFloat()
			}
			emit(mi)

		case model.OpReturn:
			mi := mirInstr{Op: mirReturn, Dst: noVReg, A: noVReg, B: noVReg, C: noVReg}
			if ret := f.Sig.ReturnType; ret.Kind != model.KindVoid {
				mi.A = slot(d-1, ret)
				mi.Float = ret.IsFloat()
			}
			emit(mi)

		case model.OpNewArray:
			desc := b.mgr.ArrayDescriptor(in.Type)
			emit(mirInstr{Op: mirNewArray, Dst: slot(d-1, model.ArrayOf(in.Type)),
				A: slot(d-1, model.Int32), B: noVReg, C: noVReg, DescID: desc.ID})
		case model.OpLoadElement:
			emit(mirInstr{Op: mirLoadElem, Dst: slot(d-2, in.Type),
				A: slot(d-2, model.ArrayOf(in.Type)), B: slot(d-1, model.Int32), C: noVReg,
				Float: in.Type.IsFloat()})
		case model.OpStoreElement:
			emit(mirInstr{Op: mirStoreElem, Dst: noVReg,
				A: slot(d-3, model.ArrayOf(in.Type)), B: slot(d-2, model.Int32),
				C: slot(d-1, in.Type), Float: in.Type.IsFloat()})
		case model.OpLoadLength:
			arr := stack[d-1]
			emit(mirInstr{Op: mirLoadLen, Dst: slot(d-1, model.Int32),
				A: slot(d-1, arr), B: noVReg, C: noVReg})

		case model.OpNewObject:
			class, _ := b.binder.Class(in.Str)
			desc := b.mgr.ClassDescriptor(class)
			emit(mirInstr{Op: mirNewObject, Dst: slot(d, model.ClassOf(in.Str)),
				A: noVReg, B: noVReg, C: noVReg, DescID: desc.ID})
		case model.OpLoadField:
			className, fieldName, _ := model.SplitFieldRef(in.Str)
			class, _ := b.binder.Class(className)
			off, _ := class.FieldOffset(fieldName)
			fld, _ := class.Field(fieldName)
			emit(mirInstr{Op: mirLoadField, Dst: slot(d-1, fld.Type),
				A: slot(d-1, model.ClassOf(className)), B: noVReg, C: noVReg,
				Imm: int64(off), Float: fld.Type.IsFloat()})
		case model.OpStoreField:
			className, fieldName, _ := model.SplitFieldRef(in.Str)
			class, _ := b.binder.Class(className)
			off, _ := class.FieldOffset(fieldName)
			fld, _ := class.Field(fieldName)
			emit(mirInstr{Op: mirStoreField, Dst: noVReg,
				A: slot(d-2, model.ClassOf(className)), B: noVReg, C: slot(d-1, fld.Type),
				Imm: int64(off), Float: fld.Type.IsFloat()})

		case model.OpBranch:
			emit(mirInstr{Op: mirBranch, Dst: noVReg, A: noVReg, B: noVReg, C: noVReg, Target: in.Target})
		case model.OpBranchEqual, model.OpBranchNotEqual, model.OpBranchGreater,
			model.OpBranchGreaterEqual, model.OpBranchLess, model.OpBranchLessEqual:
			t := stack[d-1]
			emit(mirInstr{Op: mirCompareBranch, Dst: noVReg,
				A: slot(d-2, t), B: slot(d-1, t), C: noVReg,
				CmpOp: in.Op, Float: t.IsFloat(), Wide: t.IsReference(), Target: in.Target})

		case model.OpCollect:
			emit(mirInstr{Op: mirCollect, Dst: noVReg, A: noVReg, B: noVReg, C: noVReg})

		default:
			panic("mir: unhandled opcode " + in.Op.String())
		}
	}

	// Branch targets were IR indices during lowering; retarget them to
	// MIR indices now that every instruction is placed.
	for i := range m.instrs {
		mi := &m.instrs[i]
		if mi.Op == mirBranch || mi.Op == mirCompareBranch {
			mi.Target = m.irStart[mi.Target]
		}
	}
	return m
}

// refSlotsAt returns the frame slot indices holding references when IR
// instruction i is at a collection point: every reference argument and
// local, plus the reference operand slots of the verifier's snapshot.
func (m *mirFunc) refSlotsAt(i int) []int32 {
	var slots []int32
	f := m.fn
	for j, p := range f.Sig.Params {
		if p.IsReference() {
			slots = append(slots, int32(m.layout.SlotIndexOfArg(j)))
		}
	}
	for j, l := range f.Locals {
		if l.IsReference() {
			slots = append(slots, int32(m.layout.SlotIndexOfVReg(j)))
		}
	}
	for d, t := range f.OperandStacks[i] {
		if t.IsReference() {
			slots = append(slots, int32(m.layout.SlotIndexOfVReg(f.NumLocals()+d)))
		}
	}
	return slots
}
