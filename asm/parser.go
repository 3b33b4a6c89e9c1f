// Package asm parses the textual form of Kiln modules. A module file
// declares classes and functions; function bodies are one instruction
// per line with branch targets given as instruction indices:
//
//	class Point {
//	    x: Int32
//	    y: Int32
//	}
//
//	func fact(Int32) -> Int32 {
//	    locals()
//	    ldarg 0
//	    ldint 1
//	    bgt 5
//	    ldint 1
//	    ret
//	    ldarg 0
//	    ldarg 0
//	    ldint 1
//	    sub
//	    call fact
//	    mul
//	    ret
//	}
//
// Comments run from // to the end of the line.
package asm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/kiln/model"
)

// Parser parses one module source text.
type Parser struct {
	lines []string
	pos   int
}

func NewParser(input string) *Parser {
	return &Parser{lines: strings.Split(input, "\n")}
}

// Parse reads the whole source and returns the unbound module.
func Parse(input string) (*model.Module, error) {
	return NewParser(input).ParseModule()
}

func (p *Parser) ParseModule() (*model.Module, error) {
	m := model.NewModule()
	for {
		line, ok := p.next()
		if !ok {
			return m, nil
		}
		switch {
		case strings.HasPrefix(line, "class "):
			c, err := p.parseClass(line)
			if err != nil {
				return nil, err
			}
			m.AddClass(c)
		case strings.HasPrefix(line, "func "):
			f, err := p.parseFunction(line)
			if err != nil {
				return nil, err
			}
			m.AddFunction(f)
		default:
			return nil, p.errf("expected class or func declaration, have %q", line)
		}
	}
}

// next returns the next non-empty line with comments stripped.
func (p *Parser) next() (string, bool) {
	for p.pos < len(p.lines) {
		line := p.lines[p.pos]
		p.pos++
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			return line, true
		}
	}
	return "", false
}

func (p *Parser) errf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", p.pos, fmt.Sprintf(format, args...))
}

// parseClass parses "class Name {" followed by "field: Type" lines and
// a closing brace.
func (p *Parser) parseClass(header string) (*model.Class, error) {
	name := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(header, "class "), "{"))
	if name == "" {
		return nil, p.errf("class declaration needs a name")
	}
	c := &model.Class{Name: name}
	for {
		line, ok := p.next()
		if !ok {
			return nil, p.errf("class %s: missing closing brace", name)
		}
		if line == "}" {
			return c, nil
		}
		fieldName, typeName, found := strings.Cut(line, ":")
		if !found {
			return nil, p.errf("class %s: want \"field: Type\", have %q", name, line)
		}
		t, err := model.ParseType(strings.TrimSpace(typeName))
		if err != nil {
			return nil, p.errf("class %s: %v", name, err)
		}
		c.Fields = append(c.Fields, model.Field{Name: strings.TrimSpace(fieldName), Type: t})
	}
}

// parseFunction parses "func name(T, ...) -> R {", the locals
// declaration, and the instruction body.
func (p *Parser) parseFunction(header string) (*model.Function, error) {
	sig, err := p.parseSignature(header)
	if err != nil {
		return nil, err
	}

	line, ok := p.next()
	if !ok || !strings.HasPrefix(line, "locals(") || !strings.HasSuffix(line, ")") {
		return nil, p.errf("function %s: body must start with a locals(...) declaration", sig.Name)
	}
	var locals []*model.Type
	if inner := strings.TrimSpace(line[len("locals(") : len(line)-1]); inner != "" {
		for _, part := range strings.Split(inner, ",") {
			t, err := model.ParseType(strings.TrimSpace(part))
			if err != nil {
				return nil, p.errf("function %s locals: %v", sig.Name, err)
			}
			locals = append(locals, t)
		}
	}

	var body []model.Instruction
	for {
		line, ok := p.next()
		if !ok {
			return nil, p.errf("function %s: missing closing brace", sig.Name)
		}
		if line == "}" {
			return model.NewFunction(sig, locals, body), nil
		}
		in, err := p.parseInstruction(line)
		if err != nil {
			return nil, p.errf("function %s: %v", sig.Name, err)
		}
		body = append(body, in)
	}
}

func (p *Parser) parseSignature(header string) (*model.Signature, error) {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(header, "func "), "{"))
	open := strings.Index(s, "(")
	arrow := strings.LastIndex(s, "->")
	if open < 0 || arrow < open {
		return nil, p.errf("malformed signature %q (want name(T, ...) -> R)", s)
	}
	closing := strings.LastIndex(s[:arrow], ")")
	if closing < open {
		return nil, p.errf("malformed signature %q (want name(T, ...) -> R)", s)
	}
	name := strings.TrimSpace(s[:open])
	if name == "" {
		return nil, p.errf("function declaration needs a name")
	}
	var params []*model.Type
	if inner := strings.TrimSpace(s[open+1 : closing]); inner != "" {
		for _, part := range strings.Split(inner, ",") {
			t, err := model.ParseType(strings.TrimSpace(part))
			if err != nil {
				return nil, p.errf("function %s: %v", name, err)
			}
			params = append(params, t)
		}
	}
	ret, err := model.ParseType(strings.TrimSpace(s[arrow+2:]))
	if err != nil {
		return nil, p.errf("function %s return type: %v", name, err)
	}
	return model.NewSignature(name, params, ret), nil
}

func (p *Parser) parseInstruction(line string) (model.Instruction, error) {
	var zero model.Instruction
	mnemonic, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	op, ok := mnemonicOps[mnemonic]
	if !ok {
		return zero, fmt.Errorf("unknown instruction %q", mnemonic)
	}

	in := model.Instruction{Op: op}
	switch op {
	case model.OpLoadInt32:
		v, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return zero, fmt.Errorf("ldint: bad operand %q", rest)
		}
		in.Int = int32(v)
	case model.OpLoadFloat64:
		v, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return zero, fmt.Errorf("ldfloat: bad operand %q", rest)
		}
		in.Float = v
	case model.OpLoadBool:
		switch rest {
		case "true":
			in.Bool = true
		case "false":
			in.Bool = false
		default:
			return zero, fmt.Errorf("ldbool: bad operand %q", rest)
		}
	case model.OpLoadLocal, model.OpStoreLocal, model.OpLoadArg:
		v, err := strconv.ParseInt(rest, 10, 32)
		if err != nil || v < 0 {
			return zero, fmt.Errorf("%s: bad index %q", mnemonic, rest)
		}
		in.Int = int32(v)
	case model.OpLoadNull, model.OpNewArray, model.OpLoadElement, model.OpStoreElement:
		t, err := model.ParseType(rest)
		if err != nil {
			return zero, fmt.Errorf("%s: %v", mnemonic, err)
		}
		in.Type = t
	case model.OpCall, model.OpNewObject:
		if rest == "" {
			return zero, fmt.Errorf("%s: missing name", mnemonic)
		}
		in.Str = rest
	case model.OpLoadField, model.OpStoreField:
		if _, _, err := model.SplitFieldRef(rest); err != nil {
			return zero, fmt.Errorf("%s: %v", mnemonic, err)
		}
		in.Str = rest
	case model.OpBranch, model.OpBranchEqual, model.OpBranchNotEqual,
		model.OpBranchGreater, model.OpBranchGreaterEqual,
		model.OpBranchLess, model.OpBranchLessEqual:
		v, err := strconv.ParseInt(rest, 10, 32)
		if err != nil || v < 0 {
			return zero, fmt.Errorf("%s: bad target %q", mnemonic, rest)
		}
		in.Target = int(v)
	default:
		if rest != "" {
			return zero, fmt.Errorf("%s takes no operand, have %q", mnemonic, rest)
		}
	}
	return in, nil
}

var mnemonicOps = map[string]model.Opcode{
	"ldnull": model.OpLoadNull, "ldint": model.OpLoadInt32,
	"ldfloat": model.OpLoadFloat64, "ldbool": model.OpLoadBool,
	"ldloc": model.OpLoadLocal, "stloc": model.OpStoreLocal, "ldarg": model.OpLoadArg,
	"add": model.OpAdd, "sub": model.OpSub, "mul": model.OpMul, "div": model.OpDiv,
	"call": model.OpCall, "ret": model.OpReturn,
	"newarr": model.OpNewArray, "ldelem": model.OpLoadElement,
	"stelem": model.OpStoreElement, "ldlen": model.OpLoadLength,
	"newobj": model.OpNewObject, "ldfield": model.OpLoadField, "stfield": model.OpStoreField,
	"br": model.OpBranch, "beq": model.OpBranchEqual, "bne": model.OpBranchNotEqual,
	"bgt": model.OpBranchGreater, "bge": model.OpBranchGreaterEqual,
	"blt": model.OpBranchLess, "ble": model.OpBranchLessEqual,
	"collect": model.OpCollect,
}
