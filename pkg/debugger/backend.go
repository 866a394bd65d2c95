package debugger

import "errors"

// ErrUnsupported is returned by backends for commands they cannot perform
var ErrUnsupported = errors.New("operation not supported by debug backend")

// TypeClass is the coarse category of a target type, as seen by the value inspector
type TypeClass int

const (
	// ClassOther covers everything the tracer does not render (functions, enums, ...)
	ClassOther TypeClass = iota
	ClassInteger
	ClassFloat
	ClassChar
	ClassPointer
	ClassArray
	// ClassAggregate is a struct or union
	ClassAggregate
)

// String returns the string representation of the TypeClass
func (c TypeClass) String() string {
	switch c {
	case ClassInteger:
		return "integer"
	case ClassFloat:
		return "float"
	case ClassChar:
		return "char"
	case ClassPointer:
		return "pointer"
	case ClassArray:
		return "array"
	case ClassAggregate:
		return "aggregate"
	default:
		return "other"
	}
}

// Type describes a type in the debugged program
type Type struct {
	Name  string
	Class TypeClass
	// Size in bytes, 0 when the backend does not know it
	Size int64
	// Elem is the pointee type for pointers and the element type for arrays
	Elem *Type
	// Fields lists struct/union members in declaration order
	Fields []Field
}

// Field is a named member of an aggregate type
type Field struct {
	Name   string
	Type   *Type
	Offset int64
}

// IsCharPointer reports whether t is a pointer to a character type
func (t *Type) IsCharPointer() bool {
	return t != nil && t.Class == ClassPointer && t.Elem != nil && t.Elem.Class == ClassChar
}

// Value is a typed value read from the stopped process
type Value struct {
	Name string
	Type *Type
	// Addr is where the value itself lives (0 if it has no address)
	Addr uint64
	// Int holds the signed interpretation of integer values
	Int int64
	// Uint holds the unsigned interpretation, and the target address for pointers
	Uint uint64
	// Text is the backend's own rendering (used for floats and chars)
	Text string
	// Children are array elements or aggregate members, in order
	Children []Value
	// InScope is false for locals that are not yet live at the current line
	InScope bool
}

// State describes where the process is stopped
type State struct {
	File     string
	Line     int
	Function string
	Exited   bool
	// Reason is the human readable stop description
	Reason string
}

// Frame is one stack frame with its visible variables
type Frame struct {
	Function string
	File     string
	Line     int
	// Locals holds arguments followed by local variables
	Locals []Value
}

// Breakpoint is a breakpoint created in the backend
type Breakpoint struct {
	ID           int
	FunctionName string
	File         string
	Line         int
	Addr         uint64
}

// Memory reads process memory and typed values at arbitrary addresses
type Memory interface {
	// ReadMemory reads n bytes at addr. Partial reads return the bytes read and an error.
	ReadMemory(addr uint64, n int) ([]byte, error)

	// ValueAt materializes a value of type t located at addr
	ValueAt(addr uint64, t *Type) (Value, error)
}

// Backend is the debug backend the tracer drives. Commands are synchronous:
// each one blocks until the process has stopped again.
type Backend interface {
	Memory
	BreakpointSetter

	Continue() (*State, error)
	// Step advances one source line, entering calls
	Step() (*State, error)
	// StepOut runs until the current function returns to its caller
	StepOut() (*State, error)
	State() (*State, error)

	PC() (uint64, error)
	SetPC(pc uint64) error

	// Globals lists the module-level variables of the executable
	Globals() ([]Value, error)
	// Frames lists the stack of the selected thread, innermost first
	Frames() ([]Frame, error)

	// ReadStdout drains at most max bytes of the target's pending standard output
	ReadStdout(max int) (string, error)

	// Kill forcibly terminates the debugged process
	Kill() error
	// Close releases the backend session
	Close() error
}
