package debugtest

import (
	"encoding/binary"
	"strconv"

	"github.com/willibrandon/ctutor/pkg/debugger"
)

// Common C types on a 64-bit target
var (
	Int    = &debugger.Type{Name: "int", Class: debugger.ClassInteger, Size: 4}
	Long   = &debugger.Type{Name: "long", Class: debugger.ClassInteger, Size: 8}
	Double = &debugger.Type{Name: "double", Class: debugger.ClassFloat, Size: 8}
	Char   = &debugger.Type{Name: "char", Class: debugger.ClassChar, Size: 1}
)

// PointerTo returns the type *elem
func PointerTo(elem *debugger.Type) *debugger.Type {
	return &debugger.Type{Name: elem.Name + " *", Class: debugger.ClassPointer, Size: 8, Elem: elem}
}

// ArrayOf returns the type elem[n]
func ArrayOf(elem *debugger.Type, n int) *debugger.Type {
	return &debugger.Type{
		Name:  elem.Name + "[" + strconv.Itoa(n) + "]",
		Class: debugger.ClassArray,
		Size:  elem.Size * int64(n),
		Elem:  elem,
	}
}

// StructOf returns an aggregate type with the given fields laid out back to back
func StructOf(name string, fields ...debugger.Field) *debugger.Type {
	t := &debugger.Type{Name: name, Class: debugger.ClassAggregate}
	for _, f := range fields {
		f.Offset = t.Size
		t.Size += f.Type.Size
		t.Fields = append(t.Fields, f)
	}
	return t
}

// IntVar is an in-scope int variable
func IntVar(name string, addr uint64, n int64) debugger.Value {
	return debugger.Value{Name: name, Type: Int, Addr: addr, Int: n, Uint: uint64(n), Text: strconv.FormatInt(n, 10), InScope: true}
}

// DoubleVar is an in-scope double variable
func DoubleVar(name string, addr uint64, f float64) debugger.Value {
	return debugger.Value{Name: name, Type: Double, Addr: addr, Text: strconv.FormatFloat(f, 'g', -1, 64), InScope: true}
}

// PtrVar is an in-scope pointer variable holding target
func PtrVar(name string, addr, target uint64, elem *debugger.Type) debugger.Value {
	return debugger.Value{Name: name, Type: PointerTo(elem), Addr: addr, Uint: target, InScope: true}
}

// ArrayVar is an in-scope int array
func ArrayVar(name string, addr uint64, items ...int64) debugger.Value {
	v := debugger.Value{Name: name, Type: ArrayOf(Int, len(items)), Addr: addr, InScope: true}
	for i, n := range items {
		v.Children = append(v.Children, IntVar("["+strconv.Itoa(i)+"]", addr+uint64(4*i), n))
	}
	return v
}

// Int32s encodes little endian 32-bit integers, for scripting memory
func Int32s(items ...int32) []byte {
	out := make([]byte, 4*len(items))
	for i, n := range items {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(n))
	}
	return out
}
