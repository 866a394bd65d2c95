// Package debugtest provides a scripted debugger.Backend for tests that
// cannot launch a real debugger.
package debugtest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/willibrandon/ctutor/pkg/debugger"
)

// Stop is one scripted stopped state of the fake process
type Stop struct {
	State   debugger.State
	Globals []debugger.Value
	Frames  []debugger.Frame
	// Stdout is appended to the pending output when the process reaches this stop
	Stdout string
	// Memory is merged into the backend memory when the process reaches this stop
	Memory map[uint64][]byte
}

// Backend replays a fixed list of stops. Continue, Step and StepOut each
// advance to the next stop; past the end the process reports exit.
type Backend struct {
	Stops []Stop
	// Loop restarts at LoopFrom after the last stop, simulating a program that never exits
	Loop     bool
	LoopFrom int

	// Memory holds byte regions keyed by their start address
	Memory map[uint64][]byte
	// Values overrides ValueAt for a given address
	Values map[uint64]debugger.Value

	PCValue     uint64
	SupportsPC  bool
	FailCommand int   // 1-based movement command that fails, 0 for never
	FailErr     error // error returned by the failing command

	// UnknownFunctions makes SetFunctionBreakpoint fail for these names
	UnknownFunctions map[string]bool

	// Observed calls
	Commands    []string
	Breakpoints []debugger.Breakpoint
	Cleared     []int
	SetPCs      []uint64
	Killed      int
	Closed      int

	pos     int
	stdout  string
	started bool
}

var _ debugger.Backend = (*Backend)(nil)

func (b *Backend) current() (*Stop, error) {
	if !b.started {
		return nil, errors.New("process not started")
	}
	if b.pos >= len(b.Stops) {
		return nil, errors.New("process has exited")
	}
	return &b.Stops[b.pos], nil
}

func (b *Backend) advance(cmd string) (*debugger.State, error) {
	b.Commands = append(b.Commands, cmd)
	if b.FailCommand > 0 && len(b.Commands) == b.FailCommand {
		err := b.FailErr
		if err == nil {
			err = fmt.Errorf("%s failed", cmd)
		}
		return nil, err
	}
	if !b.started {
		b.started = true
	} else {
		b.pos++
	}
	if b.pos >= len(b.Stops) && b.Loop && len(b.Stops) > 0 {
		b.pos = b.LoopFrom
	}
	if b.pos >= len(b.Stops) {
		b.pos = len(b.Stops)
		return &debugger.State{Exited: true, Reason: "exited with status 0"}, nil
	}
	stop := &b.Stops[b.pos]
	b.stdout += stop.Stdout
	for addr, data := range stop.Memory {
		if b.Memory == nil {
			b.Memory = make(map[uint64][]byte)
		}
		b.Memory[addr] = data
	}
	st := stop.State
	if st.Reason == "" {
		st.Reason = cmd
	}
	return &st, nil
}

func (b *Backend) SetFunctionBreakpoint(name string) (*debugger.Breakpoint, error) {
	if b.UnknownFunctions[name] {
		return nil, fmt.Errorf("could not find function %s", name)
	}
	bp := debugger.Breakpoint{ID: len(b.Breakpoints) + 1, FunctionName: name}
	b.Breakpoints = append(b.Breakpoints, bp)
	return &bp, nil
}

func (b *Backend) SetBreakpoint(file string, line int) (*debugger.Breakpoint, error) {
	bp := debugger.Breakpoint{ID: len(b.Breakpoints) + 1, File: file, Line: line}
	b.Breakpoints = append(b.Breakpoints, bp)
	return &bp, nil
}

func (b *Backend) ClearBreakpoint(id int) error {
	b.Cleared = append(b.Cleared, id)
	return nil
}

func (b *Backend) Continue() (*debugger.State, error) { return b.advance("continue") }
func (b *Backend) Step() (*debugger.State, error)     { return b.advance("step in") }
func (b *Backend) StepOut() (*debugger.State, error)  { return b.advance("step out") }

func (b *Backend) State() (*debugger.State, error) {
	if b.started && b.pos >= len(b.Stops) {
		return &debugger.State{Exited: true, Reason: "exited with status 0"}, nil
	}
	stop, err := b.current()
	if err != nil {
		return nil, err
	}
	st := stop.State
	return &st, nil
}

func (b *Backend) PC() (uint64, error) { return b.PCValue, nil }

func (b *Backend) SetPC(pc uint64) error {
	if !b.SupportsPC {
		return fmt.Errorf("set pc to %#x: %w", pc, debugger.ErrUnsupported)
	}
	b.SetPCs = append(b.SetPCs, pc)
	b.PCValue = pc
	return nil
}

// ReadMemory serves reads from the region containing addr. Reads running past
// the end of a region return the bytes available and an error.
func (b *Backend) ReadMemory(addr uint64, n int) ([]byte, error) {
	for start, data := range b.Memory {
		if addr < start || addr >= start+uint64(len(data)) {
			continue
		}
		off := addr - start
		end := off + uint64(n)
		if end > uint64(len(data)) {
			return append([]byte(nil), data[off:]...), fmt.Errorf("read %d bytes at %#x: unmapped memory", n, addr)
		}
		return append([]byte(nil), data[off:end]...), nil
	}
	return nil, fmt.Errorf("read %d bytes at %#x: unmapped memory", n, addr)
}

// ValueAt returns the scripted value at addr, or decodes integers, floats,
// chars and pointers from Memory in little endian order
func (b *Backend) ValueAt(addr uint64, t *debugger.Type) (debugger.Value, error) {
	if t == nil {
		return debugger.Value{}, errors.New("nil type")
	}
	if v, ok := b.Values[addr]; ok {
		return v, nil
	}
	size := int(t.Size)
	if size <= 0 || size > 8 {
		return debugger.Value{}, fmt.Errorf("no value of type %s at %#x", t.Name, addr)
	}
	data, err := b.ReadMemory(addr, size)
	if err != nil {
		return debugger.Value{}, err
	}
	var buf [8]byte
	copy(buf[:], data)
	u := binary.LittleEndian.Uint64(buf[:])
	v := debugger.Value{Type: t, Addr: addr, Uint: u, InScope: true}
	switch t.Class {
	case debugger.ClassInteger, debugger.ClassChar:
		shift := uint(64 - 8*size)
		v.Int = int64(u<<shift) >> shift
		v.Text = strconv.FormatInt(v.Int, 10)
		if t.Class == debugger.ClassChar {
			v.Text = fmt.Sprintf("'%c'", rune(byte(u)))
		}
	case debugger.ClassFloat:
		if size == 4 {
			v.Text = strconv.FormatFloat(float64(math.Float32frombits(uint32(u))), 'g', -1, 32)
		} else {
			v.Text = strconv.FormatFloat(math.Float64frombits(u), 'g', -1, 64)
		}
	case debugger.ClassPointer:
	default:
		return debugger.Value{}, fmt.Errorf("cannot decode %s at %#x", t.Name, addr)
	}
	return v, nil
}

func (b *Backend) Globals() ([]debugger.Value, error) {
	stop, err := b.current()
	if err != nil {
		return nil, err
	}
	return stop.Globals, nil
}

func (b *Backend) Frames() ([]debugger.Frame, error) {
	stop, err := b.current()
	if err != nil {
		return nil, err
	}
	return stop.Frames, nil
}

func (b *Backend) ReadStdout(max int) (string, error) {
	out := b.stdout
	if len(out) > max {
		out = out[:max]
	}
	b.stdout = b.stdout[len(out):]
	return out, nil
}

func (b *Backend) Kill() error {
	b.Killed++
	return nil
}

func (b *Backend) Close() error {
	b.Closed++
	return nil
}
