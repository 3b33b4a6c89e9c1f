package model

import "fmt"

// Opcode enumerates the instructions of the stack IR.
type Opcode int

const (
	OpLoadNull Opcode = iota
	OpLoadInt32
	OpLoadFloat64
	OpLoadBool
	OpLoadLocal
	OpStoreLocal
	OpLoadArg
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpCall
	OpReturn
	OpNewArray
	OpLoadElement
	OpStoreElement
	OpLoadLength
	OpNewObject
	OpLoadField
	OpStoreField
	OpBranch
	OpBranchEqual
	OpBranchNotEqual
	OpBranchGreater
	OpBranchGreaterEqual
	OpBranchLess
	OpBranchLessEqual
	OpCollect
)

var opcodeNames = map[Opcode]string{
	OpLoadNull:           "ldnull",
	OpLoadInt32:          "ldint",
	OpLoadFloat64:        "ldfloat",
	OpLoadBool:           "ldbool",
	OpLoadLocal:          "ldloc",
	OpStoreLocal:         "stloc",
	OpLoadArg:            "ldarg",
	OpAdd:                "add",
	OpSub:                "sub",
	OpMul:                "mul",
	OpDiv:                "div",
	OpCall:               "call",
	OpReturn:             "ret",
	OpNewArray:           "newarr",
	OpLoadElement:        "ldelem",
	OpStoreElement:       "stelem",
	OpLoadLength:         "ldlen",
	OpNewObject:          "newobj",
	OpLoadField:          "ldfield",
	OpStoreField:         "stfield",
	OpBranch:             "br",
	OpBranchEqual:        "beq",
	OpBranchNotEqual:     "bne",
	OpBranchGreater:      "bgt",
	OpBranchGreaterEqual: "bge",
	OpBranchLess:         "blt",
	OpBranchLessEqual:    "ble",
	OpCollect:            "collect",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// IsBranch reports whether the opcode transfers control to Target.
func (op Opcode) IsBranch() bool {
	return op >= OpBranch && op <= OpBranchLessEqual
}

// IsConditionalBranch reports whether the opcode compares two operands
// before branching.
func (op Opcode) IsConditionalBranch() bool {
	return op >= OpBranchEqual && op <= OpBranchLessEqual
}

// Instruction is one IR instruction. Only the fields relevant to the
// opcode are meaningful; the rest stay zero.
type Instruction struct {
	Op Opcode

	// Int carries the immediate for ldint and the local/arg index for
	// ldloc, stloc, and ldarg.
	Int int32

	// Float carries the immediate for ldfloat.
	Float float64

	// Bool carries the immediate for ldbool.
	Bool bool

	// Str names the call target (call), the class (newobj, ldfield,
	// stfield), and is "class.field" for the field opcodes.
	Str string

	// Type carries the value type for ldnull and the element type for
	// newarr, ldelem, and stelem.
	Type *Type

	// Sig carries the callee signature for call, resolved by the binder.
	Sig *Signature

	// Target is the instruction index branches jump to.
	Target int
}

func (in Instruction) String() string {
	switch in.Op {
	case OpLoadInt32:
		return fmt.Sprintf("%s %d", in.Op, in.Int)
	case OpLoadFloat64:
		return fmt.Sprintf("%s %g", in.Op, in.Float)
	case OpLoadBool:
		return fmt.Sprintf("%s %t", in.Op, in.Bool)
	case OpLoadLocal, OpStoreLocal, OpLoadArg:
		return fmt.Sprintf("%s %d", in.Op, in.Int)
	case OpLoadNull, OpNewArray, OpLoadElement, OpStoreElement:
		return fmt.Sprintf("%s %s", in.Op, in.Type)
	case OpCall:
		if in.Sig != nil {
			return fmt.Sprintf("%s %s", in.Op, in.Sig)
		}
		return fmt.Sprintf("%s %s", in.Op, in.Str)
	case OpNewObject, OpLoadField, OpStoreField:
		return fmt.Sprintf("%s %s", in.Op, in.Str)
	case OpBranch, OpBranchEqual, OpBranchNotEqual, OpBranchGreater,
		OpBranchGreaterEqual, OpBranchLess, OpBranchLessEqual:
		return fmt.Sprintf("%s %d", in.Op, in.Target)
	default:
		return in.Op.String()
	}
}

// Convenience constructors used by tests and programmatic module builders.

func LoadNull(t *Type) Instruction             { return Instruction{Op: OpLoadNull, Type: t} }
func LoadInt32(v int32) Instruction            { return Instruction{Op: OpLoadInt32, Int: v} }
func LoadFloat64(v float64) Instruction        { return Instruction{Op: OpLoadFloat64, Float: v} }
func LoadBool(v bool) Instruction              { return Instruction{Op: OpLoadBool, Bool: v} }
func LoadLocal(i int32) Instruction            { return Instruction{Op: OpLoadLocal, Int: i} }
func StoreLocal(i int32) Instruction           { return Instruction{Op: OpStoreLocal, Int: i} }
func LoadArg(i int32) Instruction              { return Instruction{Op: OpLoadArg, Int: i} }
func Add() Instruction                         { return Instruction{Op: OpAdd} }
func Sub() Instruction                         { return Instruction{Op: OpSub} }
func Mul() Instruction                         { return Instruction{Op: OpMul} }
func Div() Instruction                         { return Instruction{Op: OpDiv} }
func Call(name string) Instruction             { return Instruction{Op: OpCall, Str: name} }
func Return() Instruction                      { return Instruction{Op: OpReturn} }
func NewArray(elem *Type) Instruction          { return Instruction{Op: OpNewArray, Type: elem} }
func LoadElement(elem *Type) Instruction       { return Instruction{Op: OpLoadElement, Type: elem} }
func StoreElement(elem *Type) Instruction      { return Instruction{Op: OpStoreElement, Type: elem} }
func LoadLength() Instruction                  { return Instruction{Op: OpLoadLength} }
func NewObject(class string) Instruction       { return Instruction{Op: OpNewObject, Str: class} }
func LoadField(classField string) Instruction  { return Instruction{Op: OpLoadField, Str: classField} }
func StoreField(classField string) Instruction { return Instruction{Op: OpStoreField, Str: classField} }
func Branch(target int) Instruction            { return Instruction{Op: OpBranch, Target: target} }
func BranchEqual(target int) Instruction       { return Instruction{Op: OpBranchEqual, Target: target} }
func BranchNotEqual(target int) Instruction    { return Instruction{Op: OpBranchNotEqual, Target: target} }
func BranchGreater(target int) Instruction     { return Instruction{Op: OpBranchGreater, Target: target} }
func BranchGreaterEqual(target int) Instruction {
	return Instruction{Op: OpBranchGreaterEqual, Target: target}
}
func BranchLess(target int) Instruction { return Instruction{Op: OpBranchLess, Target: target} }
func BranchLessEqual(target int) Instruction {
	return Instruction{Op: OpBranchLessEqual, Target: target}
}
func Collect() Instruction { return Instruction{Op: OpCollect} }
