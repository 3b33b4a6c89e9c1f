// Package model defines the typed stack IR that Kiln compiles: value
// types, instructions, functions, classes, and the module container,
// together with the binder and the bytecode verifier.
package model

import "fmt"

// TypeKind discriminates the value types of the IR.
type TypeKind int

const (
	KindVoid TypeKind = iota
	KindInt32
	KindFloat64
	KindBool
	KindArray
	KindClass
)

// Type describes an IR value type. Array and class types are reference
// types; everything else lives directly in an 8-byte frame slot.
type Type struct {
	Kind TypeKind

	// Elem is the element type for KindArray.
	Elem *Type

	// ClassName names the class for KindClass.
	ClassName string
}

// Predefined primitive types. Reference types are built with ArrayOf
// and ClassOf so element/class information travels with them.
var (
	Void    = &Type{Kind: KindVoid}
	Int32   = &Type{Kind: KindInt32}
	Float64 = &Type{Kind: KindFloat64}
	Bool    = &Type{Kind: KindBool}
)

// ArrayOf returns the array type with the given element type.
func ArrayOf(elem *Type) *Type {
	return &Type{Kind: KindArray, Elem: elem}
}

// ClassOf returns the reference type for the named class.
func ClassOf(name string) *Type {
	return &Type{Kind: KindClass, ClassName: name}
}

// IsReference reports whether values of this type are heap references.
func (t *Type) IsReference() bool {
	return t.Kind == KindArray || t.Kind == KindClass
}

// IsFloat reports whether values of this type live in XMM registers.
func (t *Type) IsFloat() bool {
	return t.Kind == KindFloat64
}

// Equal reports structural equality of two types.
func (t *Type) Equal(o *Type) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindArray:
		return t.Elem.Equal(o.Elem)
	case KindClass:
		return t.ClassName == o.ClassName
	default:
		return true
	}
}

func (t *Type) String() string {
	switch t.Kind {
	case KindVoid:
		return "Void"
	case KindInt32:
		return "Int32"
	case KindFloat64:
		return "Float64"
	case KindBool:
		return "Bool"
	case KindArray:
		return fmt.Sprintf("Ref.Array[%s]", t.Elem)
	case KindClass:
		return fmt.Sprintf("Ref.Class[%s]", t.ClassName)
	default:
		return fmt.Sprintf("Type(%d)", t.Kind)
	}
}

// ParseType parses the textual form produced by String. Used by the
// assembler and the wire format.
func ParseType(s string) (*Type, error) {
	switch s {
	case "Void":
		return Void, nil
	case "Int32":
		return Int32, nil
	case "Float64":
		return Float64, nil
	case "Bool":
		return Bool, nil
	}
	if inner, ok := cutBrackets(s, "Ref.Array["); ok {
		elem, err := ParseType(inner)
		if err != nil {
			return nil, err
		}
		return ArrayOf(elem), nil
	}
	if inner, ok := cutBrackets(s, "Ref.Class["); ok {
		if inner == "" {
			return nil, fmt.Errorf("empty class name in type %q", s)
		}
		return ClassOf(inner), nil
	}
	return nil, fmt.Errorf("unknown type %q", s)
}

func cutBrackets(s, prefix string) (string, bool) {
	if len(s) > len(prefix)+1 && s[:len(prefix)] == prefix && s[len(s)-1] == ']' {
		return s[len(prefix) : len(s)-1], true
	}
	return "", false
}
