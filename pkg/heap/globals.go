package heap

import "github.com/willibrandon/ctutor/pkg/trace"

// GlobalTable holds the globals of one step: rendered values in
// enumeration order and the address to name mapping
type GlobalTable struct {
	names  []string
	values map[string]trace.Value
	byAddr map[uint64]string
	addrs  map[string]uint64
}

// NewGlobalTable creates an empty table
func NewGlobalTable() *GlobalTable {
	return &GlobalTable{
		names:  []string{},
		values: make(map[string]trace.Value),
		byAddr: make(map[uint64]string),
		addrs:  make(map[string]uint64),
	}
}

// Add registers a global's address. The first name seen for an address wins.
func (g *GlobalTable) Add(name string, addr uint64) {
	if _, ok := g.addrs[name]; !ok {
		g.names = append(g.names, name)
	}
	g.addrs[name] = addr
	if _, ok := g.byAddr[addr]; !ok {
		g.byAddr[addr] = name
	}
}

// Set stores the rendered value of a registered global
func (g *GlobalTable) Set(name string, v trace.Value) {
	g.values[name] = v
}

// NameAt returns the global living exactly at addr
func (g *GlobalTable) NameAt(addr uint64) (string, bool) {
	name, ok := g.byAddr[addr]
	return name, ok
}

// AddrOf returns the address of the named global
func (g *GlobalTable) AddrOf(name string) (uint64, bool) {
	addr, ok := g.addrs[name]
	return addr, ok
}

// Names returns the globals in enumeration order
func (g *GlobalTable) Names() []string { return g.names }

// Values returns name to rendered value
func (g *GlobalTable) Values() map[string]trace.Value { return g.values }

// Len returns the number of globals
func (g *GlobalTable) Len() int { return len(g.names) }
