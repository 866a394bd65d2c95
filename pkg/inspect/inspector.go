// Package inspect converts typed values read from the stopped target into
// trace value trees, resolving pointers against the heap registry and the
// step's globals.
package inspect

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/exp/maps"

	"github.com/willibrandon/ctutor/pkg/debugger"
	"github.com/willibrandon/ctutor/pkg/heap"
	"github.com/willibrandon/ctutor/pkg/trace"
)

// Options configures an Inspector
type Options struct {
	// ArgvName is the pointer parameter always treated as a valid heap reference
	ArgvName string
	// StringChunk is the read size used while scanning for a string's NUL
	StringChunk int
	// StringCacheSize bounds the per-step string cache
	StringCacheSize int
	// ExpandBlocks, when positive, renders up to this many elements of a
	// block whose base a pointer holds. Zero renders the pointee alone.
	ExpandBlocks int
	Logger       *slog.Logger
}

// MaxExpandBlocks caps ExpandBlocks; every element costs a backend read
const MaxExpandBlocks = 1024

// DefaultOptions returns the options used by the tracer
func DefaultOptions() Options {
	return Options{
		ArgvName:        "argv",
		StringChunk:     64,
		StringCacheSize: 256,
	}
}

// Inspector renders values for one run. Call BeginStep before each stop.
type Inspector struct {
	mem      debugger.Memory
	reg      *heap.Registry
	globals  *heap.GlobalTable
	snapshot map[uint64]trace.Value
	strings  *lru.Cache
	opts     Options
	log      *slog.Logger
}

// New creates an inspector reading through mem and resolving against reg
func New(mem debugger.Memory, reg *heap.Registry, opts Options) (*Inspector, error) {
	def := DefaultOptions()
	if opts.StringChunk <= 0 {
		opts.StringChunk = def.StringChunk
	}
	if opts.StringCacheSize <= 0 {
		opts.StringCacheSize = def.StringCacheSize
	}
	opts.ExpandBlocks = min(max(opts.ExpandBlocks, 0), MaxExpandBlocks)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cache, err := lru.New(opts.StringCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create string cache: %w", err)
	}
	return &Inspector{
		mem:      mem,
		reg:      reg,
		globals:  heap.NewGlobalTable(),
		snapshot: make(map[uint64]trace.Value),
		strings:  cache,
		opts:     opts,
		log:      log.With("component", "inspect"),
	}, nil
}

// BeginStep drops everything derived from the previous stop
func (in *Inspector) BeginStep() {
	in.snapshot = make(map[uint64]trace.Value)
	in.globals = heap.NewGlobalTable()
	in.strings.Purge()
}

// SetGlobals installs the step's global table used for Global classification
func (in *Inspector) SetGlobals(g *heap.GlobalTable) {
	in.globals = g
}

func (in *Inspector) classify(addr uint64) heap.Class {
	return heap.Classifier{Registry: in.reg, Globals: in.globals}.Classify(addr)
}

// View renders one value
func (in *Inspector) View(v debugger.Value) trace.Value {
	t := v.Type
	switch {
	case t == nil:
		in.log.Warn("value without type", "name", v.Name)
		return trace.Invalid()
	case t.IsCharPointer():
		return in.cstring(v.Uint)
	case t.Class == debugger.ClassPointer:
		return in.pointer(v)
	case t.Class == debugger.ClassInteger:
		return trace.Scalar(v.Int)
	case t.Class == debugger.ClassFloat:
		f, err := strconv.ParseFloat(v.Text, 64)
		if err != nil {
			in.log.Warn("unparsable float", "name", v.Name, "text", v.Text)
			return trace.Invalid()
		}
		return trace.Float(f)
	case t.Class == debugger.ClassChar:
		return trace.CString(v.Text)
	case t.Class == debugger.ClassArray:
		var items []trace.Value
		for _, c := range v.Children {
			items = append(items, in.View(c))
		}
		return trace.List(items...)
	default:
		in.log.Warn("unhandled type", "name", v.Name, "type", t.Name, "class", t.Class.String())
		return trace.Invalid()
	}
}

// pointer resolves a non-string pointer to a heap or global reference
func (in *Inspector) pointer(v debugger.Value) trace.Value {
	addr := v.Uint
	if in.opts.ArgvName != "" && v.Name == in.opts.ArgvName {
		in.observe(addr, v.Type.Elem)
		return trace.HeapRef(addr)
	}
	switch in.classify(addr) {
	case heap.Heap:
		in.reg.Promote(addr, v.Type.Elem)
		in.observe(addr, v.Type.Elem)
		return trace.HeapRef(addr)
	case heap.Global:
		name, _ := in.globals.NameAt(addr)
		return trace.GlobalRef(name)
	default:
		return trace.Invalid()
	}
}

// observe renders the pointee into the step's heap snapshot once. The key is
// reserved before rendering so cyclic structures terminate.
func (in *Inspector) observe(addr uint64, pointee *debugger.Type) {
	if _, ok := in.snapshot[addr]; ok {
		return
	}
	in.snapshot[addr] = trace.Invalid()
	in.snapshot[addr] = in.ObjectView(addr, pointee)
}

// ObjectView renders the object a pointer points to. Aggregates become a
// Dict in field order, anything else a one element List. With ExpandBlocks
// set, a pointer to a block base holding several elements lists them.
func (in *Inspector) ObjectView(addr uint64, pointee *debugger.Type) trace.Value {
	if pointee == nil {
		return trace.Invalid()
	}
	if n := in.elements(addr, pointee); n > 1 {
		items := make([]trace.Value, 0, n)
		for i := uint64(0); i < n; i++ {
			items = append(items, in.element(addr+i*uint64(pointee.Size), pointee, false))
		}
		return trace.List(items...)
	}
	return in.element(addr, pointee, true)
}

// elements returns how many pointee sized elements to render at addr
func (in *Inspector) elements(addr uint64, pointee *debugger.Type) uint64 {
	if in.opts.ExpandBlocks <= 1 || pointee.Size <= 0 || pointee.Class == debugger.ClassAggregate {
		return 1
	}
	a := in.reg.At(addr)
	if a == nil {
		return 1
	}
	n := a.Size / uint64(pointee.Size)
	if limit := uint64(in.opts.ExpandBlocks); n > limit {
		in.log.Debug("block truncated", "addr", addr, "elements", n, "shown", limit)
		n = limit
	}
	return n
}

func (in *Inspector) element(addr uint64, t *debugger.Type, wrap bool) trace.Value {
	v, err := in.mem.ValueAt(addr, t)
	if err != nil {
		in.log.Debug("failed to read object", "addr", addr, "type", t.Name, "error", err)
		if wrap {
			return trace.List(trace.Invalid())
		}
		return trace.Invalid()
	}
	if v.Type != nil && v.Type.Class == debugger.ClassAggregate {
		var fields []trace.Field
		for _, c := range v.Children {
			// Union members are read independently, overlap is not modeled
			fields = append(fields, trace.Field{Name: c.Name, Value: in.View(c)})
		}
		return trace.Dict(fields...)
	}
	if wrap {
		return trace.List(in.View(v))
	}
	return in.View(v)
}

// cstring reads a NUL terminated string. Unreadable starts are Invalid,
// reads that fail midway keep what was read.
func (in *Inspector) cstring(addr uint64) trace.Value {
	if addr == 0 {
		return trace.Invalid()
	}
	if cached, ok := in.strings.Get(addr); ok {
		return cached.(trace.Value)
	}

	var buf []byte
	for off := uint64(0); ; off += uint64(in.opts.StringChunk) {
		data, err := in.mem.ReadMemory(addr+off, in.opts.StringChunk)
		if i := bytes.IndexByte(data, 0); i >= 0 {
			buf = append(buf, data[:i]...)
			break
		}
		buf = append(buf, data...)
		if err != nil {
			if len(buf) == 0 {
				in.log.Debug("unreadable string", "addr", addr, "error", err)
				return trace.Invalid()
			}
			in.log.Debug("string read stopped early", "addr", addr, "read", len(buf), "error", err)
			break
		}
		if len(data) == 0 {
			break
		}
	}

	v := trace.CString(string(buf))
	in.strings.Add(addr, v)
	return v
}

// HeapSnapshot returns the objects referenced this step plus every typed
// live block nothing referenced. Untyped blocks are left out.
func (in *Inspector) HeapSnapshot() map[uint64]trace.Value {
	for _, a := range in.reg.Live() {
		if !a.Typed() {
			continue
		}
		in.observe(a.Base, a.Type)
	}
	return maps.Clone(in.snapshot)
}
