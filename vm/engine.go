//go:build linux && amd64

package vm

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tliron/commonlog"

	"github.com/chazu/kiln/compiler"
	"github.com/chazu/kiln/heap"
	"github.com/chazu/kiln/model"
)

var log = commonlog.GetLogger("kiln.vm")

// runMu serializes native execution: generated code reaches its engine
// through package state, so only one Run crosses into native code at a
// time.
var runMu sync.Mutex

// Config sizes the engine.
type Config struct {
	// HeapSize is the managed heap size in bytes.
	HeapSize int

	// MaxStack bounds native frame usage in bytes; the prologue probe
	// trips a stack overflow error beyond it.
	MaxStack int

	// Register file sizes for linear scan; zero values take the
	// defaults. FrameOnly disables register allocation entirely.
	IntRegisters   int
	FloatRegisters int
	FrameOnly      bool

	// Lazy compiles functions on first call instead of at load.
	Lazy bool
}

const defaultMaxStack = 512 * 1024

func (c Config) withDefaults() Config {
	if c.HeapSize <= 0 {
		c.HeapSize = heap.DefaultSize
	}
	if c.MaxStack <= 0 {
		c.MaxStack = defaultMaxStack
	}
	if c.FrameOnly {
		c.IntRegisters = 0
		c.FloatRegisters = 0
	} else {
		if c.IntRegisters <= 0 {
			c.IntRegisters = compiler.DefaultOptions.NumIntRegisters
		}
		if c.FloatRegisters <= 0 {
			c.FloatRegisters = compiler.DefaultOptions.NumFloatRegisters
		}
	}
	return c
}

// Engine owns one loaded module end to end: binder, verifier, heap
// manager, JIT driver, and the pending runtime error of the last run.
type Engine struct {
	cfg    Config
	binder *model.Binder
	mgr    *heap.Manager
	driver *compiler.Driver
	walker *stackWalker

	mainIndex int
	entry     uintptr

	pendingErr *RuntimeError

	// Innermost native frame during a bridge call, for root walks.
	topRBP    uintptr
	topRetOff int
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), mainIndex: -1}
}

// Manager exposes the heap manager, mainly for tests and diagnostics.
func (e *Engine) Manager() *heap.Manager { return e.mgr }

// Stats returns accumulated collector statistics.
func (e *Engine) Stats() heap.Stats { return e.mgr.Stats }

// LoadModule binds and verifies the module, then compiles it (or lays
// trampolines in lazy mode). The module must define main() -> Int32.
func (e *Engine) LoadModule(m *model.Module) error {
	if e.driver != nil {
		return fmt.Errorf("engine already has a module loaded")
	}

	e.binder = model.NewBinder()
	if err := e.binder.Bind(m); err != nil {
		return err
	}
	if err := model.NewVerifier(e.binder).VerifyModule(m); err != nil {
		return err
	}

	main, ok := e.binder.Function("main")
	if !ok {
		return fmt.Errorf("module has no main function")
	}
	if len(main.Sig.Params) != 0 || !main.Sig.ReturnType.Equal(model.Int32) {
		return fmt.Errorf("entrypoint must be main() -> Int32, have %s", main.Sig)
	}
	e.mainIndex = main.Index

	e.mgr = heap.NewManager(e.cfg.HeapSize)
	e.mgr.Roots = func() []uintptr {
		if e.topRBP == 0 {
			return nil
		}
		return e.walker.roots(e.topRBP, e.topRetOff)
	}

	e.driver = compiler.NewDriver(e.binder, e.mgr, newBridge(), compiler.Options{
		NumIntRegisters:   e.cfg.IntRegisters,
		NumFloatRegisters: e.cfg.FloatRegisters,
		Lazy:              e.cfg.Lazy,
	})
	e.walker = &stackWalker{driver: e.driver}
	for _, f := range m.Functions {
		e.driver.AddFunction(f)
	}
	if err := e.driver.CompileAll(); err != nil {
		return err
	}

	entry, err := e.driver.EntryAdapter(e.mainIndex, int32(e.cfg.MaxStack))
	if err != nil {
		return err
	}
	e.entry = entry
	log.Infof("module loaded: %d functions, heap %d bytes", len(m.Functions), e.cfg.HeapSize)
	return nil
}

// Run executes main and returns its result, or the runtime error that
// aborted it.
func (e *Engine) Run() (int32, error) {
	if e.entry == 0 {
		return 0, fmt.Errorf("no module loaded")
	}
	runMu.Lock()
	defer runMu.Unlock()

	active = e
	defer func() { active = nil }()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// Native frames never trigger Go's stack growth checks, so grow
	// the goroutine stack past the native budget up front.
	growStack(e.cfg.MaxStack + 64*1024)

	e.pendingErr = nil
	result := enterNative(e.entry)
	if e.pendingErr != nil {
		return 0, e.pendingErr
	}
	return result, nil
}

func (e *Engine) beginRuntimeCall(rbp uintptr, retOff int) {
	e.topRBP = rbp
	e.topRetOff = retOff
}

func (e *Engine) endRuntimeCall() {
	e.topRBP = 0
	e.topRetOff = 0
}

// fatal handles resource exhaustion and internal faults reached from
// inside native execution. Unwinding through native frames is not an
// option, so the process stops here.
func (e *Engine) fatal(format string, args ...any) {
	log.Criticalf(format, args...)
	fmt.Fprintf(os.Stderr, "kiln: fatal: %s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}

// enterNative jumps to the generated entry adapter by viewing its code
// address as a Go function value.
func enterNative(entry uintptr) int32 {
	code := &entry
	fn := *(*func() int32)(unsafe.Pointer(&code))
	return fn()
}

//go:noinline
func growStack(remaining int) {
	if remaining <= 0 {
		return
	}
	var pad [8192]byte
	growStack(remaining - len(pad))
	runtime.KeepAlive(&pad)
}
