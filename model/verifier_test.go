package model

import (
	"strings"
	"testing"
)

func bindAndVerify(t *testing.T, m *Module) error {
	t.Helper()
	b := NewBinder()
	if err := b.Bind(m); err != nil {
		return err
	}
	return NewVerifier(b).VerifyModule(m)
}

func TestVerifyFactorial(t *testing.T) {
	fact := NewFunction(
		NewSignature("fact", []*Type{Int32}, Int32),
		nil,
		[]Instruction{
			LoadArg(0),
			LoadInt32(2),
			BranchLess(10),
			LoadArg(0),
			LoadArg(0),
			LoadInt32(1),
			Sub(),
			Call("fact"),
			Mul(),
			Return(),
			LoadInt32(1),
			Return(),
		},
	)
	m := NewModule()
	m.AddFunction(fact)

	if err := bindAndVerify(t, m); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	if fact.MaxStackDepth != 3 {
		t.Errorf("max stack depth = %d, want 3", fact.MaxStackDepth)
	}
	if len(fact.OperandStacks) != len(fact.Instructions) {
		t.Fatalf("operand stacks recorded for %d of %d instructions",
			len(fact.OperandStacks), len(fact.Instructions))
	}
	// Before the mul both the saved argument and the call result are live.
	if got := fact.OperandStacks[8]; len(got) != 2 || !got[0].Equal(Int32) || !got[1].Equal(Int32) {
		t.Errorf("stack before mul = %v, want [Int32 Int32]", got)
	}
	if !fact.BranchTargets[10] {
		t.Error("branch target 10 not recorded")
	}
}

func TestVerifyErrors(t *testing.T) {
	intArr := ArrayOf(Int32)

	tests := []struct {
		name string
		fn   *Function
		want string
	}{
		{
			"empty body",
			NewFunction(NewSignature("f", nil, Void), nil, nil),
			"body is empty",
		},
		{
			"falls off the end",
			NewFunction(NewSignature("f", nil, Void), []*Type{Int32}, []Instruction{
				LoadInt32(1), StoreLocal(0),
			}),
			"falls off the end",
		},
		{
			"mixed arithmetic",
			NewFunction(NewSignature("f", nil, Int32), nil, []Instruction{
				LoadInt32(1), LoadFloat64(2.0), Add(), Return(),
			}),
			"want two Int32 or two Float64",
		},
		{
			"return type mismatch",
			NewFunction(NewSignature("f", nil, Int32), nil, []Instruction{
				LoadFloat64(1.5), Return(),
			}),
			"want Int32 on stack",
		},
		{
			"extra values at return",
			NewFunction(NewSignature("f", nil, Int32), nil, []Instruction{
				LoadInt32(1), LoadInt32(2), Return(),
			}),
			"extra values",
		},
		{
			"branch out of range",
			NewFunction(NewSignature("f", nil, Void), nil, []Instruction{
				Branch(9),
			}),
			"out of range",
		},
		{
			"join shape mismatch",
			NewFunction(NewSignature("f", []*Type{Bool}, Int32), nil, []Instruction{
				LoadArg(0),     // 0
				LoadBool(true), // 1
				BranchEqual(4), // 2: branch with empty stack
				LoadInt32(1),   // 3: fall through pushes one
				LoadInt32(2),   // 4: join disagrees
				Add(),          // 5
				Return(),       // 6
			}),
			"mismatch",
		},
		{
			"ordering on references",
			NewFunction(NewSignature("f", []*Type{intArr, intArr}, Void), nil, []Instruction{
				LoadArg(0), LoadArg(1), BranchLess(3), Return(),
			}),
			"cannot compare",
		},
		{
			"stored wrong local type",
			NewFunction(NewSignature("f", nil, Void), []*Type{Float64}, []Instruction{
				LoadInt32(1), StoreLocal(0), Return(),
			}),
			"want Float64 on stack",
		},
		{
			"void parameter",
			NewFunction(NewSignature("f", []*Type{Void}, Void), nil, []Instruction{
				Return(),
			}),
			"parameter of type Void",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewModule()
			m.AddFunction(tt.fn)
			err := bindAndVerify(t, m)
			if err == nil {
				t.Fatal("verification succeeded, want error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestVerifyEqualityOnReferences(t *testing.T) {
	node := ClassOf("Node")
	f := NewFunction(
		NewSignature("isNull", []*Type{node}, Bool),
		nil,
		[]Instruction{
			LoadArg(0),      // 0
			LoadNull(node),  // 1
			BranchEqual(5),  // 2
			LoadBool(false), // 3
			Return(),        // 4
			LoadBool(true),  // 5
			Return(),        // 6
		},
	)
	m := NewModule()
	m.AddClass(&Class{Name: "Node", Fields: []Field{{Name: "next", Type: node}}})
	m.AddFunction(f)
	if err := bindAndVerify(t, m); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestBinderResolvesCallsAndFields(t *testing.T) {
	node := ClassOf("Node")
	get := NewFunction(
		NewSignature("get", []*Type{node}, Int32),
		nil,
		[]Instruction{
			LoadArg(0),
			LoadField("Node.value"),
			Return(),
		},
	)
	main := NewFunction(
		NewSignature("main", nil, Int32),
		nil,
		[]Instruction{
			NewObject("Node"),
			Call("get"),
			Return(),
		},
	)
	m := NewModule()
	m.AddClass(&Class{Name: "Node", Fields: []Field{
		{Name: "value", Type: Int32},
		{Name: "next", Type: node},
	}})
	m.AddFunction(get)
	m.AddFunction(main)

	if err := bindAndVerify(t, m); err != nil {
		t.Fatalf("bind/verify failed: %v", err)
	}
	if main.Instructions[1].Sig == nil {
		t.Fatal("call site not bound to signature")
	}
	if main.Instructions[1].Sig.Name != "get" {
		t.Errorf("bound to %q, want get", main.Instructions[1].Sig.Name)
	}
	if get.Index != 0 || main.Index != 1 {
		t.Errorf("function indices = %d, %d, want 0, 1", get.Index, main.Index)
	}

	c, ok := NewBinder().Class("Node")
	if ok || c != nil {
		t.Error("fresh binder resolved a class it never saw")
	}
}

func TestBinderErrors(t *testing.T) {
	t.Run("duplicate function", func(t *testing.T) {
		m := NewModule()
		m.AddFunction(NewFunction(NewSignature("f", nil, Void), nil, []Instruction{Return()}))
		m.AddFunction(NewFunction(NewSignature("f", nil, Void), nil, []Instruction{Return()}))
		if err := NewBinder().Bind(m); err == nil {
			t.Error("duplicate function bound without error")
		}
	})
	t.Run("unknown callee", func(t *testing.T) {
		m := NewModule()
		m.AddFunction(NewFunction(NewSignature("f", nil, Void), nil, []Instruction{
			Call("nowhere"), Return(),
		}))
		if err := NewBinder().Bind(m); err == nil {
			t.Error("unknown callee bound without error")
		}
	})
	t.Run("unknown class", func(t *testing.T) {
		m := NewModule()
		m.AddFunction(NewFunction(NewSignature("f", nil, Void), nil, []Instruction{
			NewObject("Ghost"), Return(),
		}))
		if err := NewBinder().Bind(m); err == nil {
			t.Error("unknown class bound without error")
		}
	})
}
