package model

import "fmt"

// Module is a compilation unit: a set of functions and classes.
type Module struct {
	Functions []*Function
	Classes   []*Class
}

func NewModule() *Module {
	return &Module{}
}

// AddFunction appends a function to the module.
func (m *Module) AddFunction(f *Function) {
	m.Functions = append(m.Functions, f)
}

// AddClass appends a class to the module.
func (m *Module) AddClass(c *Class) {
	m.Classes = append(m.Classes, c)
}

// Binder resolves the names a module's instructions refer to: call
// targets to signatures, class and field references to declarations.
// Binding assigns each function its table index.
type Binder struct {
	functions map[string]*Function
	classes   map[string]*Class
}

func NewBinder() *Binder {
	return &Binder{
		functions: make(map[string]*Function),
		classes:   make(map[string]*Class),
	}
}

// Bind registers the module's definitions and resolves every symbolic
// reference in every function body. Duplicate definitions and dangling
// references are errors.
func (b *Binder) Bind(m *Module) error {
	for _, c := range m.Classes {
		if _, ok := b.classes[c.Name]; ok {
			return fmt.Errorf("duplicate class %q", c.Name)
		}
		seen := make(map[string]bool, len(c.Fields))
		for _, f := range c.Fields {
			if seen[f.Name] {
				return fmt.Errorf("class %s: duplicate field %q", c.Name, f.Name)
			}
			if f.Type.Kind == KindVoid {
				return fmt.Errorf("class %s: field %q has type Void", c.Name, f.Name)
			}
			seen[f.Name] = true
		}
		b.classes[c.Name] = c
	}

	// Class-typed fields may refer to classes declared later, so check
	// them only after every class is registered.
	for _, c := range m.Classes {
		for _, f := range c.Fields {
			if err := b.checkType(f.Type); err != nil {
				return fmt.Errorf("class %s field %s: %w", c.Name, f.Name, err)
			}
		}
	}

	for _, f := range m.Functions {
		if _, ok := b.functions[f.Sig.Name]; ok {
			return fmt.Errorf("duplicate function %q", f.Sig.Name)
		}
		f.Index = len(b.functions)
		b.functions[f.Sig.Name] = f
	}

	for _, f := range m.Functions {
		if err := b.bindFunction(f); err != nil {
			return fmt.Errorf("bind %s: %w", f.Sig, err)
		}
	}
	return nil
}

func (b *Binder) bindFunction(f *Function) error {
	for _, t := range f.Sig.Params {
		if err := b.checkType(t); err != nil {
			return err
		}
	}
	for _, t := range f.Locals {
		if err := b.checkType(t); err != nil {
			return err
		}
	}
	for i := range f.Instructions {
		in := &f.Instructions[i]
		switch in.Op {
		case OpCall:
			callee, ok := b.functions[in.Str]
			if !ok {
				return fmt.Errorf("instruction %d: call to undefined function %q", i, in.Str)
			}
			in.Sig = callee.Sig
		case OpNewObject:
			if _, ok := b.classes[in.Str]; !ok {
				return fmt.Errorf("instruction %d: undefined class %q", i, in.Str)
			}
		case OpLoadField, OpStoreField:
			className, fieldName, err := SplitFieldRef(in.Str)
			if err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
			c, ok := b.classes[className]
			if !ok {
				return fmt.Errorf("instruction %d: undefined class %q", i, className)
			}
			if _, err := c.Field(fieldName); err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
		case OpLoadNull, OpNewArray, OpLoadElement, OpStoreElement:
			if err := b.checkType(in.Type); err != nil {
				return fmt.Errorf("instruction %d: %w", i, err)
			}
		}
	}
	return nil
}

func (b *Binder) checkType(t *Type) error {
	switch t.Kind {
	case KindArray:
		return b.checkType(t.Elem)
	case KindClass:
		if _, ok := b.classes[t.ClassName]; !ok {
			return fmt.Errorf("reference to undefined class %q", t.ClassName)
		}
	}
	return nil
}

// Function returns the bound function with the given name.
func (b *Binder) Function(name string) (*Function, bool) {
	f, ok := b.functions[name]
	return f, ok
}

// Class returns the bound class with the given name.
func (b *Binder) Class(name string) (*Class, bool) {
	c, ok := b.classes[name]
	return c, ok
}

// SplitFieldRef splits a "Class.field" reference into its parts.
func SplitFieldRef(s string) (class, field string, err error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed field reference %q (want Class.field)", s)
}
