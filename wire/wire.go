// Package wire serializes Kiln modules to CBOR for ahead-of-time
// distribution (.kmod files). The encoding is canonical so the same
// module always produces the same bytes.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/kiln/model"
)

// FormatVersion is bumped on incompatible encoding changes.
const FormatVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Types are encoded by their textual form and instructions by
// mnemonic, so the wire shape stays stable even if internal enum
// values shift.

type wireModule struct {
	Version   int            `cbor:"version"`
	Classes   []wireClass    `cbor:"classes,omitempty"`
	Functions []wireFunction `cbor:"functions"`
}

type wireClass struct {
	Name   string      `cbor:"name"`
	Fields []wireField `cbor:"fields,omitempty"`
}

type wireField struct {
	Name string `cbor:"name"`
	Type string `cbor:"type"`
}

type wireFunction struct {
	Name   string      `cbor:"name"`
	Params []string    `cbor:"params,omitempty"`
	Return string      `cbor:"return"`
	Locals []string    `cbor:"locals,omitempty"`
	Body   []wireInstr `cbor:"body"`
}

type wireInstr struct {
	Op     string  `cbor:"op"`
	Int    int32   `cbor:"int,omitempty"`
	Float  float64 `cbor:"float,omitempty"`
	Bool   bool    `cbor:"bool,omitempty"`
	Str    string  `cbor:"str,omitempty"`
	Type   string  `cbor:"type,omitempty"`
	Target int     `cbor:"target,omitempty"`
}

// MarshalModule serializes an unbound module to CBOR bytes.
func MarshalModule(m *model.Module) ([]byte, error) {
	wm := wireModule{Version: FormatVersion}
	for _, c := range m.Classes {
		wc := wireClass{Name: c.Name}
		for _, f := range c.Fields {
			wc.Fields = append(wc.Fields, wireField{Name: f.Name, Type: f.Type.String()})
		}
		wm.Classes = append(wm.Classes, wc)
	}
	for _, f := range m.Functions {
		wf := wireFunction{Name: f.Sig.Name, Return: f.Sig.ReturnType.String()}
		for _, p := range f.Sig.Params {
			wf.Params = append(wf.Params, p.String())
		}
		for _, l := range f.Locals {
			wf.Locals = append(wf.Locals, l.String())
		}
		for i := range f.Instructions {
			wi, err := encodeInstr(&f.Instructions[i])
			if err != nil {
				return nil, fmt.Errorf("wire: marshal %s: %w", f.Sig, err)
			}
			wf.Body = append(wf.Body, wi)
		}
		wm.Functions = append(wm.Functions, wf)
	}
	return cborEncMode.Marshal(&wm)
}

// UnmarshalModule deserializes a module from CBOR bytes. The result is
// unbound and unverified, exactly like a freshly parsed module.
func UnmarshalModule(data []byte) (*model.Module, error) {
	var wm wireModule
	if err := cbor.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("wire: unmarshal module: %w", err)
	}
	if wm.Version != FormatVersion {
		return nil, fmt.Errorf("wire: unsupported format version %d (want %d)", wm.Version, FormatVersion)
	}

	m := model.NewModule()
	for _, wc := range wm.Classes {
		c := &model.Class{Name: wc.Name}
		for _, wf := range wc.Fields {
			t, err := model.ParseType(wf.Type)
			if err != nil {
				return nil, fmt.Errorf("wire: class %s field %s: %w", wc.Name, wf.Name, err)
			}
			c.Fields = append(c.Fields, model.Field{Name: wf.Name, Type: t})
		}
		m.AddClass(c)
	}
	for _, wf := range wm.Functions {
		var params []*model.Type
		for _, p := range wf.Params {
			t, err := model.ParseType(p)
			if err != nil {
				return nil, fmt.Errorf("wire: function %s: %w", wf.Name, err)
			}
			params = append(params, t)
		}
		ret, err := model.ParseType(wf.Return)
		if err != nil {
			return nil, fmt.Errorf("wire: function %s return type: %w", wf.Name, err)
		}
		var locals []*model.Type
		for _, l := range wf.Locals {
			t, err := model.ParseType(l)
			if err != nil {
				return nil, fmt.Errorf("wire: function %s locals: %w", wf.Name, err)
			}
			locals = append(locals, t)
		}
		var body []model.Instruction
		for i, wi := range wf.Body {
			in, err := decodeInstr(wi)
			if err != nil {
				return nil, fmt.Errorf("wire: function %s instruction %d: %w", wf.Name, i, err)
			}
			body = append(body, in)
		}
		m.AddFunction(model.NewFunction(model.NewSignature(wf.Name, params, ret), locals, body))
	}
	return m, nil
}

var opMnemonics = func() map[model.Opcode]string {
	out := make(map[model.Opcode]string)
	for op := model.OpLoadNull; op <= model.OpCollect; op++ {
		out[op] = op.String()
	}
	return out
}()

var mnemonicOps = func() map[string]model.Opcode {
	out := make(map[string]model.Opcode)
	for op, name := range opMnemonics {
		out[name] = op
	}
	return out
}()

func encodeInstr(in *model.Instruction) (wireInstr, error) {
	name, ok := opMnemonics[in.Op]
	if !ok {
		return wireInstr{}, fmt.Errorf("unknown opcode %d", int(in.Op))
	}
	wi := wireInstr{
		Op:     name,
		Int:    in.Int,
		Float:  in.Float,
		Bool:   in.Bool,
		Str:    in.Str,
		Target: in.Target,
	}
	if in.Type != nil {
		wi.Type = in.Type.String()
	}
	return wi, nil
}

func decodeInstr(wi wireInstr) (model.Instruction, error) {
	op, ok := mnemonicOps[wi.Op]
	if !ok {
		return model.Instruction{}, fmt.Errorf("unknown instruction %q", wi.Op)
	}
	in := model.Instruction{
		Op:     op,
		Int:    wi.Int,
		Float:  wi.Float,
		Bool:   wi.Bool,
		Str:    wi.Str,
		Target: wi.Target,
	}
	if wi.Type != "" {
		t, err := model.ParseType(wi.Type)
		if err != nil {
			return model.Instruction{}, err
		}
		in.Type = t
	}
	return in, nil
}
