package model

import (
	"fmt"
	"strings"
)

// Signature identifies a function: its name, parameter types, and
// return type. Functions are looked up by name only; overloading is
// not supported.
type Signature struct {
	Name       string
	Params     []*Type
	ReturnType *Type
}

func NewSignature(name string, params []*Type, ret *Type) *Signature {
	return &Signature{Name: name, Params: params, ReturnType: ret}
}

func (s *Signature) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> ")
	b.WriteString(s.ReturnType.String())
	return b.String()
}

// Function is one IR function: signature, declared locals, and the
// instruction body. Index is assigned by the binder and identifies the
// function in native frames and the function table.
type Function struct {
	Sig          *Signature
	Locals       []*Type
	Instructions []Instruction

	Index int

	// Verified metadata, filled in by the verifier.

	// OperandStacks[i] holds the types on the operand stack immediately
	// before instruction i executes, bottom first. Stack maps are
	// derived from these.
	OperandStacks [][]*Type

	// MaxStackDepth is the deepest operand stack over the body.
	MaxStackDepth int

	// BranchTargets is the set of instruction indices that are jumped to.
	BranchTargets map[int]bool
}

func NewFunction(sig *Signature, locals []*Type, body []Instruction) *Function {
	return &Function{Sig: sig, Locals: locals, Instructions: body, Index: -1}
}

func (f *Function) String() string {
	return f.Sig.String()
}

// NumArgs returns the number of declared parameters.
func (f *Function) NumArgs() int { return len(f.Sig.Params) }

// NumLocals returns the number of declared locals.
func (f *Function) NumLocals() int { return len(f.Locals) }

// Class declares a heap class: a name and its ordered fields. Field
// offsets are assigned by declaration order, one 8-byte slot each.
type Class struct {
	Name   string
	Fields []Field
}

// Field is a named, typed class member.
type Field struct {
	Name string
	Type *Type
}

// FieldOffset returns the byte offset of the named field within an
// instance payload, or an error if the class has no such field.
func (c *Class) FieldOffset(name string) (int, error) {
	for i, f := range c.Fields {
		if f.Name == name {
			return i * 8, nil
		}
	}
	return 0, fmt.Errorf("class %s has no field %q", c.Name, name)
}

// Field returns the named field.
func (c *Class) Field(name string) (*Field, error) {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("class %s has no field %q", c.Name, name)
}

// Size returns the payload size of an instance in bytes.
func (c *Class) Size() int { return len(c.Fields) * 8 }
