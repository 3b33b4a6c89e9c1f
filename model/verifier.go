package model

import "fmt"

// MaxIntParams and MaxFloatParams bound the number of parameters the
// native calling convention can pass in registers. The verifier rejects
// signatures beyond these limits so the backend never has to.
const (
	MaxIntParams   = 6
	MaxFloatParams = 6
)

// Verifier type-checks function bodies by abstract interpretation of
// the operand stack. Verified functions are safe to hand to the
// compiler: operand types are known at every instruction, branch
// targets agree on stack shape, and every path returns the declared
// type. The per-instruction stack snapshots it records are the source
// for the collector's stack maps.
type Verifier struct {
	binder *Binder
}

func NewVerifier(b *Binder) *Verifier {
	return &Verifier{binder: b}
}

// VerifyModule verifies every function of a bound module.
func (v *Verifier) VerifyModule(m *Module) error {
	for _, f := range m.Functions {
		if err := v.Verify(f); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks one function and fills in its verified metadata.
func (v *Verifier) Verify(f *Function) error {
	if len(f.Instructions) == 0 {
		return v.errf(f, 0, "function body is empty")
	}

	ints, floats := 0, 0
	for _, p := range f.Sig.Params {
		if p.Kind == KindVoid {
			return v.errf(f, 0, "parameter of type Void")
		}
		if p.IsFloat() {
			floats++
		} else {
			ints++
		}
	}
	if ints > MaxIntParams || floats > MaxFloatParams {
		return v.errf(f, 0, "too many parameters (max %d integer/reference, %d float)",
			MaxIntParams, MaxFloatParams)
	}
	for _, l := range f.Locals {
		if l.Kind == KindVoid {
			return v.errf(f, 0, "local of type Void")
		}
	}

	f.OperandStacks = make([][]*Type, len(f.Instructions))
	f.BranchTargets = make(map[int]bool)
	f.MaxStackDepth = 0

	for i := range f.Instructions {
		in := &f.Instructions[i]
		if in.Op.IsBranch() {
			if in.Target < 0 || in.Target >= len(f.Instructions) {
				return v.errf(f, i, "branch target %d out of range", in.Target)
			}
			f.BranchTargets[in.Target] = true
		}
	}

	// expected[i] holds the stack shape required at instruction i when
	// it was reached by a forward branch before the linear pass got
	// there.
	expected := make(map[int][]*Type)

	var stack []*Type
	reachable := true

	for i := range f.Instructions {
		if want, ok := expected[i]; ok {
			if reachable {
				if err := stacksEqual(stack, want); err != nil {
					return v.errf(f, i, "operand stack mismatch at join: %v", err)
				}
			} else {
				stack = append([]*Type(nil), want...)
				reachable = true
			}
		}
		if !reachable {
			return v.errf(f, i, "unreachable instruction")
		}

		f.OperandStacks[i] = append([]*Type(nil), stack...)
		if len(stack) > f.MaxStackDepth {
			f.MaxStackDepth = len(stack)
		}

		next, terminates, err := v.step(f, i, &stack, expected)
		if err != nil {
			return err
		}
		_ = next
		reachable = !terminates
	}

	if reachable {
		return v.errf(f, len(f.Instructions)-1, "control falls off the end of the function")
	}
	return nil
}

// step interprets instruction i against the current stack, recording
// branch expectations. terminates reports that control does not fall
// through to i+1.
func (v *Verifier) step(f *Function, i int, stack *[]*Type, expected map[int][]*Type) (int, bool, error) {
	in := &f.Instructions[i]

	push := func(t *Type) { *stack = append(*stack, t) }
	pop := func() (*Type, error) {
		if len(*stack) == 0 {
			return nil, v.errf(f, i, "%s: operand stack is empty", in.Op)
		}
		t := (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]
		return t, nil
	}
	popWant := func(want *Type) error {
		t, err := pop()
		if err != nil {
			return err
		}
		if !t.Equal(want) {
			return v.errf(f, i, "%s: want %s on stack, have %s", in.Op, want, t)
		}
		return nil
	}

	switch in.Op {
	case OpLoadNull:
		if !in.Type.IsReference() {
			return 0, false, v.errf(f, i, "ldnull of non-reference type %s", in.Type)
		}
		push(in.Type)

	case OpLoadInt32:
		push(Int32)
	case OpLoadFloat64:
		push(Float64)
	case OpLoadBool:
		push(Bool)

	case OpLoadLocal:
		idx := int(in.Int)
		if idx < 0 || idx >= len(f.Locals) {
			return 0, false, v.errf(f, i, "ldloc %d: function has %d locals", idx, len(f.Locals))
		}
		push(f.Locals[idx])
	case OpStoreLocal:
		idx := int(in.Int)
		if idx < 0 || idx >= len(f.Locals) {
			return 0, false, v.errf(f, i, "stloc %d: function has %d locals", idx, len(f.Locals))
		}
		if err := popWant(f.Locals[idx]); err != nil {
			return 0, false, err
		}
	case OpLoadArg:
		idx := int(in.Int)
		if idx < 0 || idx >= len(f.Sig.Params) {
			return 0, false, v.errf(f, i, "ldarg %d: function has %d parameters", idx, len(f.Sig.Params))
		}
		push(f.Sig.Params[idx])

	case OpAdd, OpSub, OpMul, OpDiv:
		rhs, err := pop()
		if err != nil {
			return 0, false, err
		}
		lhs, err := pop()
		if err != nil {
			return 0, false, err
		}
		if !lhs.Equal(rhs) || (lhs.Kind != KindInt32 && lhs.Kind != KindFloat64) {
			return 0, false, v.errf(f, i, "%s: want two Int32 or two Float64 operands, have %s and %s",
				in.Op, lhs, rhs)
		}
		push(lhs)

	case OpCall:
		sig := in.Sig
		if sig == nil {
			return 0, false, v.errf(f, i, "call %q is unbound", in.Str)
		}
		for j := len(sig.Params) - 1; j >= 0; j-- {
			if err := popWant(sig.Params[j]); err != nil {
				return 0, false, err
			}
		}
		if sig.ReturnType.Kind != KindVoid {
			push(sig.ReturnType)
		}

	case OpReturn:
		ret := f.Sig.ReturnType
		if ret.Kind == KindVoid {
			if len(*stack) != 0 {
				return 0, false, v.errf(f, i, "ret: %d values left on stack of Void function", len(*stack))
			}
		} else {
			if err := popWant(ret); err != nil {
				return 0, false, err
			}
			if len(*stack) != 0 {
				return 0, false, v.errf(f, i, "ret: %d extra values left on stack", len(*stack))
			}
		}
		return 0, true, nil

	case OpNewArray:
		if err := popWant(Int32); err != nil {
			return 0, false, err
		}
		push(ArrayOf(in.Type))

	case OpLoadElement:
		if err := popWant(Int32); err != nil {
			return 0, false, err
		}
		if err := popWant(ArrayOf(in.Type)); err != nil {
			return 0, false, err
		}
		push(in.Type)

	case OpStoreElement:
		if err := popWant(in.Type); err != nil {
			return 0, false, err
		}
		if err := popWant(Int32); err != nil {
			return 0, false, err
		}
		if err := popWant(ArrayOf(in.Type)); err != nil {
			return 0, false, err
		}

	case OpLoadLength:
		t, err := pop()
		if err != nil {
			return 0, false, err
		}
		if t.Kind != KindArray {
			return 0, false, v.errf(f, i, "ldlen: want an array reference, have %s", t)
		}
		push(Int32)

	case OpNewObject:
		push(ClassOf(in.Str))

	case OpLoadField:
		className, fieldName, _ := SplitFieldRef(in.Str)
		c, _ := v.binder.Class(className)
		fld, err := c.Field(fieldName)
		if err != nil {
			return 0, false, v.errf(f, i, "%v", err)
		}
		if err := popWant(ClassOf(className)); err != nil {
			return 0, false, err
		}
		push(fld.Type)

	case OpStoreField:
		className, fieldName, _ := SplitFieldRef(in.Str)
		c, _ := v.binder.Class(className)
		fld, err := c.Field(fieldName)
		if err != nil {
			return 0, false, v.errf(f, i, "%v", err)
		}
		if err := popWant(fld.Type); err != nil {
			return 0, false, err
		}
		if err := popWant(ClassOf(className)); err != nil {
			return 0, false, err
		}

	case OpBranch:
		if err := v.recordTarget(f, i, in.Target, *stack, expected); err != nil {
			return 0, false, err
		}
		return in.Target, true, nil

	case OpBranchEqual, OpBranchNotEqual, OpBranchGreater,
		OpBranchGreaterEqual, OpBranchLess, OpBranchLessEqual:
		rhs, err := pop()
		if err != nil {
			return 0, false, err
		}
		lhs, err := pop()
		if err != nil {
			return 0, false, err
		}
		if !lhs.Equal(rhs) {
			return 0, false, v.errf(f, i, "%s: operand types differ: %s and %s", in.Op, lhs, rhs)
		}
		ordered := lhs.Kind == KindInt32 || lhs.Kind == KindFloat64
		equality := in.Op == OpBranchEqual || in.Op == OpBranchNotEqual
		if !ordered && !(equality && (lhs.IsReference() || lhs.Kind == KindBool)) {
			return 0, false, v.errf(f, i, "%s: cannot compare %s operands", in.Op, lhs)
		}
		if err := v.recordTarget(f, i, in.Target, *stack, expected); err != nil {
			return 0, false, err
		}

	case OpCollect:
		// No stack effect.

	default:
		return 0, false, v.errf(f, i, "unknown opcode %d", int(in.Op))
	}

	return 0, false, nil
}

func (v *Verifier) recordTarget(f *Function, i, target int, stack []*Type, expected map[int][]*Type) error {
	if target <= i {
		// Backward branch: the target's stack shape is already known.
		if err := stacksEqual(stack, f.OperandStacks[target]); err != nil {
			return v.errf(f, i, "operand stack mismatch at backward branch to %d: %v", target, err)
		}
		return nil
	}
	if want, ok := expected[target]; ok {
		if err := stacksEqual(stack, want); err != nil {
			return v.errf(f, i, "operand stack mismatch at branch to %d: %v", target, err)
		}
		return nil
	}
	expected[target] = append([]*Type(nil), stack...)
	return nil
}

func stacksEqual(a, b []*Type) error {
	if len(a) != len(b) {
		return fmt.Errorf("depth %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return fmt.Errorf("slot %d: %s vs %s", i, a[i], b[i])
		}
	}
	return nil
}

func (v *Verifier) errf(f *Function, i int, format string, args ...any) error {
	return fmt.Errorf("verify %s at %d: %s", f.Sig, i, fmt.Sprintf(format, args...))
}
