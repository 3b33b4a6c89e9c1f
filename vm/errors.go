// Package vm is the execution engine: it binds, verifies, and compiles
// modules, enters the generated code, bridges allocation, collection,
// and trap calls back into Go, and walks native frames for the
// collector's roots.
package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/kiln/compiler"
)

// User error categories. A RuntimeError wraps one of these, so callers
// can match with errors.Is.
var (
	ErrNullReference    = errors.New("null reference")
	ErrIndexOutOfRange  = errors.New("array index out of range")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrStackOverflow    = errors.New("stack overflow")
	ErrNegativeArrayLen = errors.New("negative array length")
)

// RuntimeError is a user error raised by generated code: the program
// did something invalid at a known function and instruction. It aborts
// the running program but leaves the engine usable.
type RuntimeError struct {
	Kind        error
	Function    string
	Instruction int
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v (at %s:%d)", e.Kind, e.Function, e.Instruction)
}

func (e *RuntimeError) Unwrap() error { return e.Kind }

func trapKind(code int) error {
	switch code {
	case compiler.TrapNullReference:
		return ErrNullReference
	case compiler.TrapIndexOutOfRange:
		return ErrIndexOutOfRange
	case compiler.TrapDivisionByZero:
		return ErrDivisionByZero
	case compiler.TrapStackOverflow:
		return ErrStackOverflow
	case compiler.TrapNegativeArrayLen:
		return ErrNegativeArrayLen
	default:
		return fmt.Errorf("trap %d", code)
	}
}
