package asm

import (
	"strings"
	"testing"

	"github.com/chazu/kiln/model"
)

const listSource = `
// Singly linked list of Int32 values.
class Node {
    value: Int32
    next: Ref.Class[Node]
}

func cons(Int32, Ref.Class[Node]) -> Ref.Class[Node] {
    locals(Ref.Class[Node])
    newobj Node     // 0
    stloc 0         // 1
    ldloc 0         // 2
    ldarg 0         // 3
    stfield Node.value
    ldloc 0
    ldarg 1
    stfield Node.next
    ldloc 0
    ret
}

func sum(Ref.Class[Node]) -> Int32 {
    locals(Int32, Ref.Class[Node])
    ldarg 0         // 0
    stloc 1         // 1
    ldloc 1         // 2
    ldnull Ref.Class[Node]
    beq 14          // 4
    ldloc 0
    ldloc 1
    ldfield Node.value
    add
    stloc 0
    ldloc 1
    ldfield Node.next
    stloc 1
    br 2            // 13
    ldloc 0         // 14
    ret
}
`

func TestParseModule(t *testing.T) {
	m, err := Parse(listSource)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if len(m.Classes) != 1 {
		t.Fatalf("classes = %d, want 1", len(m.Classes))
	}
	node := m.Classes[0]
	if node.Name != "Node" || len(node.Fields) != 2 {
		t.Fatalf("class = %s with %d fields, want Node with 2", node.Name, len(node.Fields))
	}
	if !node.Fields[1].Type.Equal(model.ClassOf("Node")) {
		t.Errorf("next field type = %s, want Ref.Class[Node]", node.Fields[1].Type)
	}

	if len(m.Functions) != 2 {
		t.Fatalf("functions = %d, want 2", len(m.Functions))
	}
	cons, sum := m.Functions[0], m.Functions[1]
	if cons.Sig.String() != "cons(Int32, Ref.Class[Node]) -> Ref.Class[Node]" {
		t.Errorf("cons signature = %s", cons.Sig)
	}
	if len(cons.Locals) != 1 || len(sum.Locals) != 2 {
		t.Errorf("locals = %d and %d, want 1 and 2", len(cons.Locals), len(sum.Locals))
	}
	if sum.Instructions[4].Op != model.OpBranchEqual || sum.Instructions[4].Target != 14 {
		t.Errorf("instruction 4 = %s, want beq 14", sum.Instructions[4])
	}
	if sum.Instructions[13].Op != model.OpBranch || sum.Instructions[13].Target != 2 {
		t.Errorf("instruction 13 = %s, want br 2", sum.Instructions[13])
	}

	// The parsed module must survive binding and verification.
	b := model.NewBinder()
	if err := b.Bind(m); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := model.NewVerifier(b).VerifyModule(m); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestParseInstructionOperands(t *testing.T) {
	src := `
func f() -> Void {
    locals(Ref.Array[Float64])
    ldint -42
    ldfloat 2.5
    ldbool true
    newarr Float64
    stloc 0
    collect
    ret
}
`
	m, err := Parse(src)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	body := m.Functions[0].Instructions
	if body[0].Int != -42 {
		t.Errorf("ldint operand = %d, want -42", body[0].Int)
	}
	if body[1].Float != 2.5 {
		t.Errorf("ldfloat operand = %g, want 2.5", body[1].Float)
	}
	if !body[2].Bool {
		t.Error("ldbool operand = false, want true")
	}
	if !body[3].Type.Equal(model.Float64) {
		t.Errorf("newarr element type = %s, want Float64", body[3].Type)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name, src, want string
	}{
		{"stray line", "bogus\n", "expected class or func"},
		{"missing locals", "func f() -> Void {\nret\n}\n", "locals"},
		{"unknown mnemonic", "func f() -> Void {\nlocals()\nfrobnicate\n}\n", "unknown instruction"},
		{"bad field line", "class C {\njust-a-name\n}\n", "field: Type"},
		{"unterminated class", "class C {\nx: Int32\n", "closing brace"},
		{"unterminated function", "func f() -> Void {\nlocals()\nret\n", "closing brace"},
		{"bad signature", "func f( -> Void {\nlocals()\nret\n}\n", "malformed signature"},
		{"bad branch target", "func f() -> Void {\nlocals()\nbr x\n}\n", "bad target"},
		{"operand on plain op", "func f() -> Void {\nlocals()\nadd 3\n}\n", "takes no operand"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			if err == nil {
				t.Fatal("parse succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
