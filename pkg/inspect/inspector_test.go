package inspect

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/ctutor/pkg/debugger"
	"github.com/willibrandon/ctutor/pkg/debugger/debugtest"
	"github.com/willibrandon/ctutor/pkg/heap"
	"github.com/willibrandon/ctutor/pkg/trace"
)

func newInspector(t *testing.T, mem *debugtest.Backend, opts Options) (*Inspector, *heap.Registry) {
	t.Helper()
	reg := heap.NewRegistry(heap.FreeWarn, nil)
	in, err := New(mem, reg, opts)
	require.NoError(t, err)
	in.BeginStep()
	return in, reg
}

func ptrBytes(addr uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, addr)
	return b
}

// nodeType builds struct node { int val; struct node *next; }
func nodeType() (*debugger.Type, *debugger.Type) {
	node := &debugger.Type{Name: "struct node", Class: debugger.ClassAggregate, Size: 16}
	nodePtr := debugtest.PointerTo(node)
	node.Fields = []debugger.Field{
		{Name: "val", Type: debugtest.Int, Offset: 0},
		{Name: "next", Type: nodePtr, Offset: 8},
	}
	return node, nodePtr
}

func nodeValue(node, nodePtr *debugger.Type, addr uint64, val int64, next uint64) debugger.Value {
	return debugger.Value{
		Type: node, Addr: addr, InScope: true,
		Children: []debugger.Value{
			debugtest.IntVar("val", addr, val),
			{Name: "next", Type: nodePtr, Addr: addr + 8, Uint: next, InScope: true},
		},
	}
}

func TestViewScalars(t *testing.T) {
	in, _ := newInspector(t, &debugtest.Backend{}, DefaultOptions())

	tests := []struct {
		name  string
		value debugger.Value
		want  trace.Value
	}{
		{"int", debugtest.IntVar("x", 0x10, -12), trace.Scalar(-12)},
		{"double", debugtest.DoubleVar("pi", 0x18, 3.14159), trace.FloatText("3.1416")},
		{"char", debugger.Value{Name: "c", Type: debugtest.Char, Text: "'a'"}, trace.CString("'a'")},
		{"array", debugtest.ArrayVar("a", 0x20, 1, 2, 3), trace.List(trace.Scalar(1), trace.Scalar(2), trace.Scalar(3))},
		{"empty array", debugtest.ArrayVar("e", 0x30), trace.List()},
		{"no type", debugger.Value{Name: "x"}, trace.Invalid()},
		{"function pointer", debugger.Value{Name: "f", Type: &debugger.Type{Name: "void (*)(void)", Class: debugger.ClassOther}}, trace.Invalid()},
		{"struct by value", debugger.Value{Name: "s", Type: debugtest.StructOf("struct s", debugger.Field{Name: "a", Type: debugtest.Int})}, trace.Invalid()},
		{"bad float", debugger.Value{Name: "d", Type: debugtest.Double, Text: "nan?"}, trace.Invalid()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, in.View(tt.value))
		})
	}
}

func TestFloatRendersFourDecimals(t *testing.T) {
	in, _ := newInspector(t, &debugtest.Backend{}, DefaultOptions())

	v := in.View(debugtest.DoubleVar("f", 0x10, 3.14159))
	data, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"3.1416"`, string(data))
}

func TestHeapPointerBeforeAndAfterAllocation(t *testing.T) {
	mem := &debugtest.Backend{Memory: map[uint64][]byte{0x1000: debugtest.Int32s(42, 0, 0, 0)}}
	in, reg := newInspector(t, mem, DefaultOptions())
	p := debugtest.PtrVar("p", 0x7ff0, 0x1000, debugtest.Int)

	assert.Equal(t, trace.Invalid(), in.View(p))
	assert.Empty(t, in.HeapSnapshot())

	reg.Alloc(0x1000, 16)
	in.BeginStep()

	assert.Equal(t, trace.HeapRef(0x1000), in.View(p))
	assert.Equal(t, debugtest.Int, reg.At(0x1000).Type)

	snap := in.HeapSnapshot()
	require.Contains(t, snap, uint64(0x1000))
	assert.Equal(t, trace.List(trace.Scalar(42)), snap[0x1000])
}

func TestSingleElementIsWrapped(t *testing.T) {
	mem := &debugtest.Backend{Memory: map[uint64][]byte{0x1000: debugtest.Int32s(7)}}
	in, reg := newInspector(t, mem, DefaultOptions())
	reg.Alloc(0x1000, 4)

	in.View(debugtest.PtrVar("p", 0x7ff0, 0x1000, debugtest.Int))
	assert.Equal(t, trace.List(trace.Scalar(7)), in.HeapSnapshot()[0x1000])
}

func TestInteriorPointer(t *testing.T) {
	mem := &debugtest.Backend{Memory: map[uint64][]byte{0x1000: debugtest.Int32s(1, 2, 3, 4)}}
	in, reg := newInspector(t, mem, DefaultOptions())
	reg.Alloc(0x1000, 16)

	assert.Equal(t, trace.HeapRef(0x1008), in.View(debugtest.PtrVar("p", 0x7ff0, 0x1008, debugtest.Int)))

	snap := in.HeapSnapshot()
	assert.Equal(t, trace.List(trace.Scalar(3)), snap[0x1008])
	// The block itself is typed by the interior pointer and rendered at its base
	assert.Equal(t, trace.List(trace.Scalar(1)), snap[0x1000])
}

// countingMemory counts typed reads
type countingMemory struct {
	*debugtest.Backend
	reads int
}

func (m *countingMemory) ValueAt(addr uint64, t *debugger.Type) (debugger.Value, error) {
	m.reads++
	return m.Backend.ValueAt(addr, t)
}

func TestLargeBlockReadsOneElement(t *testing.T) {
	mem := &countingMemory{Backend: &debugtest.Backend{Memory: map[uint64][]byte{0x100000: debugtest.Int32s(5)}}}
	reg := heap.NewRegistry(heap.FreeWarn, nil)
	in, err := New(mem, reg, DefaultOptions())
	require.NoError(t, err)
	in.BeginStep()
	reg.Alloc(0x100000, 1<<26)

	in.View(debugtest.PtrVar("q", 0x7ff0, 0x100000, debugtest.Int))
	snap := in.HeapSnapshot()
	assert.Equal(t, trace.List(trace.Scalar(5)), snap[0x100000])
	assert.Equal(t, 1, mem.reads)
}

func TestExpandBlocks(t *testing.T) {
	tests := []struct {
		name   string
		expand int
		want   trace.Value
	}{
		{"off", 0, trace.List(trace.Scalar(1))},
		{"whole block", 8, trace.List(trace.Scalar(1), trace.Scalar(2), trace.Scalar(3), trace.Scalar(4))},
		{"capped", 2, trace.List(trace.Scalar(1), trace.Scalar(2))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := &debugtest.Backend{Memory: map[uint64][]byte{0x1000: debugtest.Int32s(1, 2, 3, 4)}}
			opts := DefaultOptions()
			opts.ExpandBlocks = tt.expand
			in, reg := newInspector(t, mem, opts)
			reg.Alloc(0x1000, 16)

			in.View(debugtest.PtrVar("p", 0x7ff0, 0x1000, debugtest.Int))
			assert.Equal(t, tt.want, in.HeapSnapshot()[0x1000])
		})
	}
}

func TestExpandBlocksHardLimit(t *testing.T) {
	mem := &countingMemory{Backend: &debugtest.Backend{Memory: map[uint64][]byte{0x100000: make([]byte, 1<<16)}}}
	reg := heap.NewRegistry(heap.FreeWarn, nil)
	in, err := New(mem, reg, Options{ExpandBlocks: 1 << 20})
	require.NoError(t, err)
	in.BeginStep()
	reg.Alloc(0x100000, 1<<26)

	in.View(debugtest.PtrVar("q", 0x7ff0, 0x100000, debugtest.Int))
	in.HeapSnapshot()
	assert.Equal(t, MaxExpandBlocks, mem.reads)
}

func TestGlobalPointer(t *testing.T) {
	in, _ := newInspector(t, &debugtest.Backend{}, DefaultOptions())
	g := heap.NewGlobalTable()
	g.Add("counter", 0x2000)
	in.SetGlobals(g)

	assert.Equal(t, trace.GlobalRef("counter"), in.View(debugtest.PtrVar("p", 0x7ff0, 0x2000, debugtest.Int)))
	assert.Equal(t, trace.Invalid(), in.View(debugtest.PtrVar("q", 0x7ff8, 0x2004, debugtest.Int)))

	// Globals belong to one step
	in.BeginStep()
	assert.Equal(t, trace.Invalid(), in.View(debugtest.PtrVar("p", 0x7ff0, 0x2000, debugtest.Int)))
}

func TestLinkedListAndCycle(t *testing.T) {
	node, nodePtr := nodeType()
	mem := &debugtest.Backend{Values: map[uint64]debugger.Value{
		0x1000: nodeValue(node, nodePtr, 0x1000, 1, 0x2000),
		0x2000: nodeValue(node, nodePtr, 0x2000, 2, 0x1000),
	}}
	in, reg := newInspector(t, mem, DefaultOptions())
	reg.Alloc(0x1000, 16)
	reg.Alloc(0x2000, 16)

	head := debugger.Value{Name: "head", Type: nodePtr, Addr: 0x7ff0, Uint: 0x1000, InScope: true}
	assert.Equal(t, trace.HeapRef(0x1000), in.View(head))

	snap := in.HeapSnapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, trace.Dict(
		trace.Field{Name: "val", Value: trace.Scalar(1)},
		trace.Field{Name: "next", Value: trace.HeapRef(0x2000)},
	), snap[0x1000])
	assert.Equal(t, trace.Dict(
		trace.Field{Name: "val", Value: trace.Scalar(2)},
		trace.Field{Name: "next", Value: trace.HeapRef(0x1000)},
	), snap[0x2000])
}

func TestHeapSnapshotTypedAndUntyped(t *testing.T) {
	mem := &debugtest.Backend{Memory: map[uint64][]byte{0x4000: debugtest.Int32s(9)}}
	in, reg := newInspector(t, mem, DefaultOptions())
	reg.Alloc(0x3000, 32)
	reg.Alloc(0x4000, 4)

	in.View(debugtest.PtrVar("p", 0x7ff0, 0x4000, debugtest.Int))

	// Next step: nothing points at the typed block any more
	in.BeginStep()
	snap := in.HeapSnapshot()
	assert.NotContains(t, snap, uint64(0x3000))
	assert.Equal(t, trace.List(trace.Scalar(9)), snap[0x4000])
}

func TestUnreadableHeapObject(t *testing.T) {
	in, reg := newInspector(t, &debugtest.Backend{}, DefaultOptions())
	reg.Alloc(0x1000, 4)

	assert.Equal(t, trace.HeapRef(0x1000), in.View(debugtest.PtrVar("p", 0x7ff0, 0x1000, debugtest.Int)))
	assert.Equal(t, trace.List(trace.Invalid()), in.HeapSnapshot()[0x1000])
}

func TestCString(t *testing.T) {
	mem := &debugtest.Backend{Memory: map[uint64][]byte{
		0x5000: []byte("hello, world\x00junk"),
		0x6000: []byte("abc"),
		0x7000: {0},
	}}
	opts := DefaultOptions()
	opts.StringChunk = 4
	in, _ := newInspector(t, mem, opts)
	str := func(addr uint64) debugger.Value {
		return debugtest.PtrVar("s", 0x7ff0, addr, debugtest.Char)
	}

	assert.Equal(t, trace.CString("hello, world"), in.View(str(0x5000)))
	assert.Equal(t, trace.CString("lo, world"), in.View(str(0x5003)))
	assert.Equal(t, trace.CString("abc"), in.View(str(0x6000)), "partial read keeps the prefix")
	assert.Equal(t, trace.CString(""), in.View(str(0x7000)))
	assert.Equal(t, trace.Invalid(), in.View(str(0)))
	assert.Equal(t, trace.Invalid(), in.View(str(0x9000)))
}

func TestCStringCachePurgedEachStep(t *testing.T) {
	mem := &debugtest.Backend{Memory: map[uint64][]byte{0x5000: []byte("one\x00")}}
	in, _ := newInspector(t, mem, DefaultOptions())
	s := debugtest.PtrVar("s", 0x7ff0, 0x5000, debugtest.Char)

	assert.Equal(t, trace.CString("one"), in.View(s))
	mem.Memory[0x5000] = []byte("two\x00")
	assert.Equal(t, trace.CString("one"), in.View(s))

	in.BeginStep()
	assert.Equal(t, trace.CString("two"), in.View(s))
}

func TestArgvIsAlwaysHeap(t *testing.T) {
	mem := &debugtest.Backend{Memory: map[uint64][]byte{
		0x6000: ptrBytes(0x5000),
		0x5000: []byte("./prog\x00"),
	}}
	in, reg := newInspector(t, mem, DefaultOptions())
	argv := debugtest.PtrVar("argv", 0x7ff0, 0x6000, debugtest.PointerTo(debugtest.Char))

	assert.Equal(t, trace.HeapRef(0x6000), in.View(argv))
	assert.Equal(t, trace.List(trace.CString("./prog")), in.HeapSnapshot()[0x6000])
	assert.Equal(t, 0, reg.Len())

	other := argv
	other.Name = "args"
	assert.Equal(t, trace.Invalid(), in.View(other))
}
