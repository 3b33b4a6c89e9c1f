package compiler

import (
	"fmt"
	"unsafe"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/model"
)

var log = commonlog.GetLogger("kiln.compiler")

// Options configures the driver.
type Options struct {
	// Register file sizes for linear scan. Zero on both means every
	// value lives in frame memory.
	NumIntRegisters   int
	NumFloatRegisters int

	// Lazy defers compilation until a function's first call reaches
	// its trampoline. The default compiles everything at load.
	Lazy bool
}

// DefaultOptions mirrors the historical settings: two registers per
// class, eager compilation.
var DefaultOptions = Options{NumIntRegisters: 2, NumFloatRegisters: 2}

// CompiledFunction is an installed function: executable code plus the
// metadata the stack walker and the collector need.
type CompiledFunction struct {
	Fn     *model.Function
	Code   []byte
	Base   uintptr
	Layout FrameLayout

	// InstrOffsets holds the code offset where each IR instruction
	// starts.
	InstrOffsets []int

	// StackMaps maps return-address code offsets of collection points
	// to the frame slot indices holding live references there.
	StackMaps map[int][]int32
}

// Contains reports whether pc falls inside this function's code.
func (cf *CompiledFunction) Contains(pc uintptr) bool {
	return pc > cf.Base && pc <= cf.Base+uintptr(len(cf.Code))
}

// InstructionAt maps a return-address code offset back to the IR
// instruction that contains it.
func (cf *CompiledFunction) InstructionAt(retOffset int) int {
	idx := 0
	for i, off := range cf.InstrOffsets {
		if off < retOffset {
			idx = i
		}
	}
	return idx
}

// SlotAddr returns the address of frame slot i in the frame rooted at
// rbp.
func (cf *CompiledFunction) SlotAddr(rbp uintptr, slot int32) uintptr {
	return rbp + uintptr(int(cf.Layout.SlotOffset(int(slot))))
}

type funcState struct {
	fn         *model.Function
	compiled   *CompiledFunction
	trampoline uintptr

	// pending holds addresses of rel32 call fields waiting for this
	// function's code address.
	pending []uintptr
}

// Driver owns the function table. It compiles verified functions
// through MIR, register allocation, and code generation, installs the
// results in executable memory, and patches call sites as addresses
// become known.
type Driver struct {
	bridge *Bridge
	mem    *ExecMemory
	mir    *mirBuilder
	opts   Options
	funcs  []*funcState
}

func NewDriver(binder *model.Binder, mgr *heap.Manager, bridge *Bridge, opts Options) *Driver {
	return &Driver{
		bridge: bridge,
		mem:    NewExecMemory(),
		mir:    newMIRBuilder(binder, mgr),
		opts:   opts,
	}
}

// AddFunction registers a verified function. Functions must arrive in
// binder index order.
func (d *Driver) AddFunction(f *model.Function) {
	if f.Index != len(d.funcs) {
		panic(fmt.Sprintf("driver: function %s has index %d, want %d", f.Sig, f.Index, len(d.funcs)))
	}
	d.funcs = append(d.funcs, &funcState{fn: f})
}

// CompileAll compiles every registered function now. Lazy mode instead
// materializes trampolines so compilation happens on first call.
func (d *Driver) CompileAll() error {
	if d.opts.Lazy {
		for i := range d.funcs {
			if _, err := d.trampolineFor(i); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range d.funcs {
		if _, err := d.Compile(i); err != nil {
			return err
		}
	}
	return nil
}

// Compile compiles and installs one function if it is not installed
// yet, patches every call site waiting on it, and returns its entry
// address. A compile failure of verified IR is an internal fault, but
// executable memory exhaustion surfaces as an error.
func (d *Driver) Compile(index int) (uintptr, error) {
	st := d.state(index)
	if st.compiled != nil {
		return st.compiled.Base, nil
	}

	m := d.mir.lower(st.fn)
	al := allocateRegisters(m, d.opts.NumIntRegisters, d.opts.NumFloatRegisters)
	res := generate(m, al, d.bridge)

	code, base, err := d.mem.Install(res.code)
	if err != nil {
		return 0, fmt.Errorf("install %s: %w", st.fn.Sig, err)
	}
	st.compiled = &CompiledFunction{
		Fn:           st.fn,
		Code:         code,
		Base:         base,
		Layout:       res.layout,
		InstrOffsets: res.instrOffsets,
		StackMaps:    res.stackMaps,
	}
	log.Debugf("compiled %s: %d bytes at %#x, %d register-resident values",
		st.fn.Sig, len(code), base, len(al.regs))

	// Resolve this function's outgoing calls.
	for _, site := range res.calls {
		if err := d.bindCallSite(base+uintptr(site.Offset), site.Target); err != nil {
			return 0, err
		}
	}

	// Retarget everyone who was calling through the trampoline.
	for _, site := range st.pending {
		patchRel32(site, base)
	}
	st.pending = nil
	return base, nil
}

// bindCallSite points the rel32 field at siteAddr to the target
// function, through its trampoline when the target is not compiled
// yet.
func (d *Driver) bindCallSite(siteAddr uintptr, target int) error {
	st := d.state(target)
	if st.compiled != nil {
		patchRel32(siteAddr, st.compiled.Base)
		return nil
	}
	tramp, err := d.trampolineFor(target)
	if err != nil {
		return err
	}
	patchRel32(siteAddr, tramp)
	st.pending = append(st.pending, siteAddr)
	return nil
}

// trampolineFor builds (once) the compile trampoline for a function:
// it preserves the argument registers, asks the bridge to compile the
// callee, and tail-jumps to the fresh entry point.
func (d *Driver) trampolineFor(index int) (uintptr, error) {
	st := d.state(index)
	if st.trampoline != 0 {
		return st.trampoline, nil
	}

	a := NewAssembler()
	for _, r := range intArgRegs {
		a.Push(r)
	}
	a.SubRegImm32(RSP, int32(len(floatArgRegs)*8))
	for i, r := range floatArgRegs {
		a.MovsdMemReg(RSP, int32(i*8), r)
	}
	a.MovRegImm32(RAX, uint32(index))
	a.MovRegImm64(R11, uint64(d.bridge.CompilePC))
	a.CallReg(R11)
	a.MovRegReg(R10, RAX)
	for i, r := range floatArgRegs {
		a.MovsdRegMem(r, RSP, int32(i*8))
	}
	a.AddRegImm32(RSP, int32(len(floatArgRegs)*8))
	for i := len(intArgRegs) - 1; i >= 0; i-- {
		a.Pop(intArgRegs[i])
	}
	a.JmpReg(R10)
	a.Finish()

	_, base, err := d.mem.Install(a.Code)
	if err != nil {
		return 0, fmt.Errorf("install trampoline for %s: %w", st.fn.Sig, err)
	}
	st.trampoline = base
	return base, nil
}

// EntryAdapter builds the native entry stub for the program
// entrypoint. On every run it publishes the entry RSP, RBP, and return
// address for the trap exit path and the stack walker, derives the
// stack limit, and calls the entrypoint.
func (d *Driver) EntryAdapter(index int, maxStack int32) (uintptr, error) {
	a := NewAssembler()
	b := d.bridge

	a.MovRegMem(RAX, RSP, 0)
	a.MovRegImm64(R11, addrOf(b.EntryRet))
	a.MovMemReg(R11, 0, RAX)
	a.MovRegImm64(R11, addrOf(b.EntryRSP))
	a.MovMemReg(R11, 0, RSP)
	a.MovRegImm64(R11, addrOf(b.EntryRBP))
	a.MovMemReg(R11, 0, RBP)

	a.MovRegReg(RAX, RSP)
	a.SubRegImm32(RAX, maxStack)
	a.MovRegImm64(R11, addrOf(b.StackLimit))
	a.MovMemReg(R11, 0, RAX)

	a.CallFunc(index)
	a.Ret()
	a.Finish()

	_, base, err := d.mem.Install(a.Code)
	if err != nil {
		return 0, fmt.Errorf("install entry adapter: %w", err)
	}
	for _, site := range a.Calls {
		if err := d.bindCallSite(base+uintptr(site.Offset), site.Target); err != nil {
			return 0, err
		}
	}
	return base, nil
}

// Compiled returns the installed function at index, or nil.
func (d *Driver) Compiled(index int) *CompiledFunction {
	return d.state(index).compiled
}

// Function returns the IR function at index.
func (d *Driver) Function(index int) *model.Function {
	return d.state(index).fn
}

// FindByPC locates the compiled function whose code contains the given
// return address, for parent frames during stack walks.
func (d *Driver) FindByPC(pc uintptr) *CompiledFunction {
	for _, st := range d.funcs {
		if st.compiled != nil && st.compiled.Contains(pc) {
			return st.compiled
		}
	}
	return nil
}

func (d *Driver) state(index int) *funcState {
	if index < 0 || index >= len(d.funcs) {
		panic(fmt.Sprintf("driver: function index %d out of range", index))
	}
	return d.funcs[index]
}

func patchRel32(site, target uintptr) {
	*(*int32)(unsafe.Pointer(site)) = int32(int64(target) - int64(site+4))
}
