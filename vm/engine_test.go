//go:build linux && amd64

package vm

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/chazu/kiln/asm"
)

func load(t *testing.T, cfg Config, src string) *Engine {
	t.Helper()
	m, err := asm.Parse(src)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	e := NewEngine(cfg)
	if err := e.LoadModule(m); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return e
}

func run(t *testing.T, cfg Config, src string) (int32, error) {
	t.Helper()
	return load(t, cfg, src).Run()
}

func mustRun(t *testing.T, cfg Config, src string) int32 {
	t.Helper()
	result, err := run(t, cfg, src)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return result
}

const factSource = `
func fact(Int32) -> Int32 {
    locals()
    ldarg 0
    ldint 2
    blt 10
    ldarg 0
    ldarg 0
    ldint 1
    sub
    call fact
    mul
    ret
    ldint 1
    ret
}

func main() -> Int32 {
    locals()
    ldint %d
    call fact
    ret
}
`

func TestFactorial(t *testing.T) {
	tests := []struct {
		n    int
		want int32
	}{
		{0, 1},
		{1, 1},
		{5, 120},
		{10, 3628800},
		{12, 479001600},
	}
	for _, tt := range tests {
		src := fmt.Sprintf(factSource, tt.n)
		if got := mustRun(t, Config{}, src); got != tt.want {
			t.Errorf("fact(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestFactorialLazy(t *testing.T) {
	src := fmt.Sprintf(factSource, 5)
	if got := mustRun(t, Config{Lazy: true}, src); got != 120 {
		t.Errorf("fact(5) = %d, want 120 under lazy compilation", got)
	}
}

func TestInt32Wraps(t *testing.T) {
	src := `
func main() -> Int32 {
    locals()
    ldint 2147483647
    ldint 1
    add
    ret
}
`
	if got := mustRun(t, Config{}, src); got != -2147483648 {
		t.Errorf("MaxInt32+1 = %d, want -2147483648", got)
	}
}

func TestInt32DivisionTruncates(t *testing.T) {
	src := `
func main() -> Int32 {
    locals()
    ldint -7
    ldint 2
    div
    ret
}
`
	if got := mustRun(t, Config{}, src); got != -3 {
		t.Errorf("-7/2 = %d, want -3", got)
	}
}

func TestMinInt32DividedByMinusOne(t *testing.T) {
	src := `
func main() -> Int32 {
    locals()
    ldint -2147483648
    ldint -1
    div
    ret
}
`
	if got := mustRun(t, Config{}, src); got != -2147483648 {
		t.Errorf("MinInt32/-1 = %d, want wrap to -2147483648", got)
	}
}

const sumSquaresSource = `
func main() -> Int32 {
    locals(Ref.Array[Int32], Int32, Int32)
    ldint 10        // 0
    newarr Int32    // 1
    stloc 0         // 2
    ldint 0         // 3
    stloc 1         // 4
    ldloc 1         // 5: fill loop
    ldloc 0         // 6
    ldlen           // 7
    bge 20          // 8
    ldloc 0         // 9
    ldloc 1         // 10
    ldloc 1         // 11
    ldloc 1         // 12
    mul             // 13
    stelem Int32    // 14
    ldloc 1         // 15
    ldint 1         // 16
    add             // 17
    stloc 1         // 18
    br 5            // 19
    ldint 0         // 20
    stloc 1         // 21
    ldint 0         // 22
    stloc 2         // 23
    ldloc 1         // 24: sum loop
    ldloc 0         // 25
    ldlen           // 26
    bge 39          // 27
    ldloc 2         // 28
    ldloc 0         // 29
    ldloc 1         // 30
    ldelem Int32    // 31
    add             // 32
    stloc 2         // 33
    ldloc 1         // 34
    ldint 1         // 35
    add             // 36
    stloc 1         // 37
    br 24           // 38
    ldloc 2         // 39
    ret             // 40
}
`

func TestArraySumOfSquares(t *testing.T) {
	if got := mustRun(t, Config{}, sumSquaresSource); got != 285 {
		t.Errorf("sum of squares = %d, want 285", got)
	}
}

func TestRegisterModesAgree(t *testing.T) {
	configs := []Config{
		{},
		{FrameOnly: true},
		{IntRegisters: 1, FloatRegisters: 1},
		{IntRegisters: 4, FloatRegisters: 4},
	}
	sources := []string{
		fmt.Sprintf(factSource, 10),
		sumSquaresSource,
	}
	for si, src := range sources {
		want := mustRun(t, configs[0], src)
		for _, cfg := range configs[1:] {
			if got := mustRun(t, cfg, src); got != want {
				t.Errorf("program %d with %+v = %d, want %d", si, cfg, got, want)
			}
		}
	}
}

func TestFloatArithmetic(t *testing.T) {
	src := `
func avg(Float64, Float64) -> Float64 {
    locals()
    ldarg 0
    ldarg 1
    add
    ldfloat 2.0
    div
    ret
}

func main() -> Int32 {
    locals()
    ldfloat 3.0     // 0
    ldfloat 5.0     // 1
    call avg        // 2
    ldfloat 4.0     // 3
    beq 7           // 4
    ldint 0         // 5
    ret             // 6
    ldint 1         // 7
    ret             // 8
}
`
	if got := mustRun(t, Config{}, src); got != 1 {
		t.Errorf("avg(3, 5) == 4 evaluated false (result %d)", got)
	}
}

func TestFloatOrderingWithRegisters(t *testing.T) {
	src := `
func main() -> Int32 {
    locals(Float64, Float64)
    ldfloat 1.5     // 0
    stloc 0         // 1
    ldfloat 2.5     // 2
    stloc 1         // 3
    ldloc 0         // 4
    ldloc 1         // 5
    blt 9           // 6
    ldint 0         // 7
    ret             // 8
    ldint 1         // 9
    ret             // 10
}
`
	for _, cfg := range []Config{{}, {FrameOnly: true}} {
		if got := mustRun(t, cfg, src); got != 1 {
			t.Errorf("1.5 < 2.5 evaluated false with %+v", cfg)
		}
	}
}

// ---------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------

func wantRuntimeError(t *testing.T, err, kind error, function string, instruction int) {
	t.Helper()
	if err == nil {
		t.Fatal("run succeeded, want a runtime error")
	}
	if !errors.Is(err, kind) {
		t.Fatalf("error = %v, want %v", err, kind)
	}
	var re *RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("error %T does not wrap RuntimeError", err)
	}
	if re.Function != function {
		t.Errorf("faulting function = %q, want %q", re.Function, function)
	}
	if re.Instruction != instruction {
		t.Errorf("faulting instruction = %d, want %d", re.Instruction, instruction)
	}
	loc := fmt.Sprintf("at %s:%d", function, instruction)
	if !strings.Contains(err.Error(), loc) {
		t.Errorf("error %q does not contain %q", err, loc)
	}
}

func TestDivisionByZero(t *testing.T) {
	src := `
func main() -> Int32 {
    locals()
    ldint 7         // 0
    ldint 0         // 1
    div             // 2
    ret             // 3
}
`
	_, err := run(t, Config{}, src)
	wantRuntimeError(t, err, ErrDivisionByZero, "main", 2)
}

func TestIndexOutOfRange(t *testing.T) {
	for _, index := range []int{5, -1} {
		src := fmt.Sprintf(`
func main() -> Int32 {
    locals(Ref.Array[Int32])
    ldint 3         // 0
    newarr Int32    // 1
    stloc 0         // 2
    ldloc 0         // 3
    ldint %d        // 4
    ldelem Int32    // 5
    ret             // 6
}
`, index)
		_, err := run(t, Config{}, src)
		wantRuntimeError(t, err, ErrIndexOutOfRange, "main", 5)
	}
}

func TestNullFieldAccess(t *testing.T) {
	src := `
class Node {
    value: Int32
    next: Ref.Class[Node]
}

func main() -> Int32 {
    locals(Ref.Class[Node])
    ldnull Ref.Class[Node]  // 0
    stloc 0                 // 1
    ldloc 0                 // 2
    ldfield Node.value      // 3
    ret                     // 4
}
`
	_, err := run(t, Config{}, src)
	wantRuntimeError(t, err, ErrNullReference, "main", 3)
}

func TestRepeatedFieldAccessOnFreshObject(t *testing.T) {
	src := `
class Node {
    value: Int32
    next: Ref.Class[Node]
}

func main() -> Int32 {
    locals(Ref.Class[Node])
    newobj Node             // 0
    stloc 0                 // 1
    ldloc 0                 // 2
    ldint 7                 // 3
    stfield Node.value      // 4
    ldloc 0                 // 5
    ldfield Node.value      // 6
    ldloc 0                 // 7
    ldfield Node.value      // 8
    add                     // 9
    ret                     // 10
}
`
	got := mustRun(t, Config{}, src)
	if got != 14 {
		t.Errorf("result = %d, want 14", got)
	}
}

func TestNullFieldAccessAfterOverwrite(t *testing.T) {
	src := `
class Node {
    value: Int32
    next: Ref.Class[Node]
}

func main() -> Int32 {
    locals(Ref.Class[Node])
    newobj Node             // 0
    stloc 0                 // 1
    ldloc 0                 // 2
    ldint 1                 // 3
    stfield Node.value      // 4
    ldnull Ref.Class[Node]  // 5
    stloc 0                 // 6
    ldloc 0                 // 7
    ldfield Node.value      // 8
    ret                     // 9
}
`
	_, err := run(t, Config{}, src)
	wantRuntimeError(t, err, ErrNullReference, "main", 8)
}

func TestNullArrayLength(t *testing.T) {
	src := `
func main() -> Int32 {
    locals()
    ldnull Ref.Array[Int32] // 0
    ldlen                   // 1
    ret                     // 2
}
`
	_, err := run(t, Config{}, src)
	wantRuntimeError(t, err, ErrNullReference, "main", 1)
}

func TestNegativeArrayLength(t *testing.T) {
	src := `
func main() -> Int32 {
    locals()
    ldint -3        // 0
    newarr Int32    // 1
    ldlen           // 2
    ret             // 3
}
`
	_, err := run(t, Config{}, src)
	wantRuntimeError(t, err, ErrNegativeArrayLen, "main", 1)
}

func TestStackOverflow(t *testing.T) {
	src := `
func loop() -> Int32 {
    locals()
    call loop
    ret
}

func main() -> Int32 {
    locals()
    call loop
    ret
}
`
	_, err := run(t, Config{MaxStack: 64 * 1024}, src)
	if err == nil {
		t.Fatal("unbounded recursion returned")
	}
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("error = %v, want %v", err, ErrStackOverflow)
	}
	var re *RuntimeError
	if !errors.As(err, &re) || re.Function != "loop" {
		t.Errorf("overflow reported in %v, want function loop", err)
	}
}

// ---------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------

const listSource = `
class Node {
    value: Int32
    next: Ref.Class[Node]
}

// build returns a list 0 -> 1 -> ... -> n-1.
func build(Int32) -> Ref.Class[Node] {
    locals(Ref.Class[Node], Int32, Ref.Class[Node])
    ldnull Ref.Class[Node]  // 0
    stloc 0                 // 1
    ldarg 0                 // 2
    stloc 1                 // 3
    ldloc 1                 // 4: loop head
    ldint 0                 // 5
    ble 22                  // 6
    ldloc 1                 // 7
    ldint 1                 // 8
    sub                     // 9
    stloc 1                 // 10
    newobj Node             // 11
    stloc 2                 // 12
    ldloc 2                 // 13
    ldloc 1                 // 14
    stfield Node.value      // 15
    ldloc 2                 // 16
    ldloc 0                 // 17
    stfield Node.next       // 18
    ldloc 2                 // 19
    stloc 0                 // 20
    br 4                    // 21
    ldloc 0                 // 22
    ret                     // 23
}

func sum(Ref.Class[Node]) -> Int32 {
    locals(Int32, Ref.Class[Node])
    ldarg 0                 // 0
    stloc 1                 // 1
    ldloc 1                 // 2: loop head
    ldnull Ref.Class[Node]  // 3
    beq 14                  // 4
    ldloc 0                 // 5
    ldloc 1                 // 6
    ldfield Node.value      // 7
    add                     // 8
    stloc 0                 // 9
    ldloc 1                 // 10
    ldfield Node.next       // 11
    stloc 1                 // 12
    br 2                    // 13
    ldloc 0                 // 14
    ret                     // 15
}

func main() -> Int32 {
    locals(Ref.Class[Node])
    ldint 10                // 0
    call build              // 1
    stloc 0                 // 2
    ldloc 0                 // 3: drop the first five nodes
    ldfield Node.next       // 4
    stloc 0                 // 5
    ldloc 0                 // 6
    ldfield Node.next       // 7
    stloc 0                 // 8
    ldloc 0                 // 9
    ldfield Node.next       // 10
    stloc 0                 // 11
    ldloc 0                 // 12
    ldfield Node.next       // 13
    stloc 0                 // 14
    ldloc 0                 // 15
    ldfield Node.next       // 16
    stloc 0                 // 17
    collect                 // 18
    ldloc 0                 // 19
    call sum                // 20
    ret                     // 21
}
`

func TestCollectDropsUnreachableNodes(t *testing.T) {
	e := load(t, Config{}, listSource)
	got, err := e.Run()
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got != 35 {
		t.Errorf("sum of surviving values = %d, want 35", got)
	}

	st := e.Stats()
	if st.Collections != 1 {
		t.Errorf("collections = %d, want 1", st.Collections)
	}
	if st.LastLive != 5 {
		t.Errorf("live objects after collect = %d, want 5", st.LastLive)
	}
	if st.BytesReclaimed == 0 {
		t.Error("no bytes reclaimed despite five dropped nodes")
	}
}

func TestCollectUnderAllocationPressure(t *testing.T) {
	// A heap that fits only a handful of arrays forces collections as
	// the loop churns through garbage.
	src := `
func main() -> Int32 {
    locals(Int32, Int32)
    ldint 200       // 0
    stloc 0         // 1
    ldloc 0         // 2: loop head
    ldint 0         // 3
    ble 14          // 4
    ldint 64        // 5
    newarr Int32    // 6
    ldlen           // 7
    stloc 1         // 8
    ldloc 0         // 9
    ldint 1         // 10
    sub             // 11
    stloc 0         // 12
    br 2            // 13
    ldloc 1         // 14
    ret             // 15
}
`
	e := load(t, Config{HeapSize: 8 * 1024}, src)
	got, err := e.Run()
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got != 64 {
		t.Errorf("result = %d, want 64", got)
	}
	if e.Stats().Collections == 0 {
		t.Error("no collections despite allocating far beyond the heap size")
	}
}

func TestTraverseNullNext(t *testing.T) {
	// Walking one step past the tail dereferences a null next pointer.
	src := `
class Node {
    value: Int32
    next: Ref.Class[Node]
}

func main() -> Int32 {
    locals(Ref.Class[Node])
    newobj Node             // 0
    stloc 0                 // 1
    ldloc 0                 // 2
    ldfield Node.next       // 3
    stloc 0                 // 4
    ldloc 0                 // 5
    ldfield Node.value      // 6
    ret                     // 7
}
`
	_, err := run(t, Config{}, src)
	wantRuntimeError(t, err, ErrNullReference, "main", 6)
}

// ---------------------------------------------------------------------
// Engine surface
// ---------------------------------------------------------------------

func TestLoadModuleRequiresMain(t *testing.T) {
	m, err := asm.Parse(fmt.Sprintf(factSource, 5))
	if err != nil {
		t.Fatal(err)
	}
	m.Functions = m.Functions[:1] // drop main
	e := NewEngine(Config{})
	if err := e.LoadModule(m); err == nil {
		t.Error("module without main loaded")
	}
}

func TestLoadModuleChecksMainSignature(t *testing.T) {
	src := `
func main(Int32) -> Int32 {
    locals()
    ldarg 0
    ret
}
`
	m, err := asm.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(Config{})
	if err := e.LoadModule(m); err == nil {
		t.Error("main with parameters accepted")
	}
}

func TestRunWithoutModule(t *testing.T) {
	if _, err := NewEngine(Config{}).Run(); err == nil {
		t.Error("Run without a module succeeded")
	}
}

func TestEngineReusableAfterError(t *testing.T) {
	src := `
func main() -> Int32 {
    locals()
    ldint 1         // 0
    ldint 0         // 1
    div             // 2
    ret             // 3
}
`
	e := load(t, Config{}, src)
	if _, err := e.Run(); err == nil {
		t.Fatal("first run succeeded, want division error")
	}
	// The error belongs to the run, not the engine.
	if _, err := e.Run(); err == nil {
		t.Fatal("second run succeeded, want the same division error")
	}
}
