// Package heap tracks the target's live heap allocations and classifies raw
// pointer values against them and against the global variables.
package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/willibrandon/ctutor/pkg/debugger"
)

// ErrUntrackedFree is returned under FreeStrict when a free names an address
// the registry does not know
var ErrUntrackedFree = errors.New("free of untracked heap address")

// FreePolicy decides what a free of an untracked address does
type FreePolicy int

const (
	// FreeWarn logs and ignores the free
	FreeWarn FreePolicy = iota
	// FreeAnnotate logs and adds a note to the current step's event text
	FreeAnnotate
	// FreeStrict fails with ErrUntrackedFree
	FreeStrict
)

// String returns the string representation of the FreePolicy
func (p FreePolicy) String() string {
	switch p {
	case FreeAnnotate:
		return "annotate"
	case FreeStrict:
		return "strict"
	default:
		return "warn"
	}
}

// ParseFreePolicy parses "warn", "annotate" or "strict"
func ParseFreePolicy(s string) (FreePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warn":
		return FreeWarn, nil
	case "annotate":
		return FreeAnnotate, nil
	case "strict":
		return FreeStrict, nil
	default:
		return FreeWarn, fmt.Errorf("unknown free policy %q (want warn, annotate or strict)", s)
	}
}

// Allocation is one live heap block
type Allocation struct {
	Base uint64
	Size uint64
	// Type is nil until a typed pointer into the block is observed
	Type *debugger.Type
}

// Typed reports whether the allocation's type has been inferred
func (a *Allocation) Typed() bool { return a.Type != nil }

// Contains reports whether addr is one of the block's bytes
func (a *Allocation) Contains(addr uint64) bool {
	return addr >= a.Base && addr < a.Base+a.Size
}

// Registry is the run-scoped table of live allocations keyed by base address
type Registry struct {
	allocs map[uint64]*Allocation
	policy FreePolicy
	notes  []string
	log    *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(policy FreePolicy, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		allocs: make(map[uint64]*Allocation),
		policy: policy,
		log:    log.With("component", "heap"),
	}
}

// Alloc records a new block. A block at the same base replaces the old one.
func (r *Registry) Alloc(base, size uint64) {
	if old, ok := r.allocs[base]; ok {
		r.log.Debug("allocation replaces live block", "base", base, "old_size", old.Size, "size", size)
	}
	r.allocs[base] = &Allocation{Base: base, Size: size}
	r.log.Debug("heap alloc", "base", base, "size", size)
}

// Free removes the block at base, applying the free policy when there is none
func (r *Registry) Free(base uint64) error {
	if _, ok := r.allocs[base]; ok {
		delete(r.allocs, base)
		r.log.Debug("heap free", "base", base)
		return nil
	}
	switch r.policy {
	case FreeStrict:
		return fmt.Errorf("%w: %d", ErrUntrackedFree, base)
	case FreeAnnotate:
		r.notes = append(r.notes, fmt.Sprintf("free of untracked address %d", base))
	}
	r.log.Warn("free of untracked heap address", "addr", base, "policy", r.policy.String())
	return nil
}

// TakeNotes returns and clears the annotations collected since the last call
func (r *Registry) TakeNotes() []string {
	notes := r.notes
	r.notes = nil
	return notes
}

// At returns the block whose base is exactly addr
func (r *Registry) At(addr uint64) *Allocation {
	return r.allocs[addr]
}

// Containing returns the lowest based block with base <= addr <= base+size.
// The upper bound is inclusive so a one-past-the-end pointer still classifies
// as heap.
func (r *Registry) Containing(addr uint64) *Allocation {
	for _, a := range r.Live() {
		if addr >= a.Base && addr <= a.Base+a.Size {
			return a
		}
	}
	return nil
}

// Promote sets the type of the untyped block holding addr to t. Typed blocks
// keep their first type. It reports whether a block was promoted.
func (r *Registry) Promote(addr uint64, t *debugger.Type) bool {
	if t == nil {
		return false
	}
	for _, a := range r.Live() {
		if !a.Contains(addr) {
			continue
		}
		if a.Typed() {
			if a.Type.Name != t.Name {
				r.log.Debug("aliasing pointer keeps first type", "base", a.Base, "type", a.Type.Name, "ignored", t.Name)
			}
			return false
		}
		a.Type = t
		r.log.Debug("heap block typed", "base", a.Base, "type", t.Name)
		return true
	}
	return false
}

// Live returns the live blocks in ascending base order
func (r *Registry) Live() []*Allocation {
	bases := maps.Keys(r.allocs)
	slices.Sort(bases)
	out := make([]*Allocation, 0, len(bases))
	for _, b := range bases {
		out = append(out, r.allocs[b])
	}
	return out
}

// Len returns the number of live blocks
func (r *Registry) Len() int { return len(r.allocs) }
