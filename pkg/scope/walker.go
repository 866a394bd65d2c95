// Package scope enumerates the globals and the stack frames of the stopped
// target and renders their variables.
package scope

import (
	"fmt"
	"log/slog"

	"github.com/willibrandon/ctutor/pkg/debugger"
	"github.com/willibrandon/ctutor/pkg/heap"
	"github.com/willibrandon/ctutor/pkg/inspect"
	"github.com/willibrandon/ctutor/pkg/trace"
)

// Source is the part of the backend the walker reads from
type Source interface {
	Globals() ([]debugger.Value, error)
	Frames() ([]debugger.Frame, error)
}

// Options configures a Walker
type Options struct {
	// EntryFunction is the outermost frame rendered
	EntryFunction string
	Filter        SymbolFilter
	Logger        *slog.Logger
}

// Walker renders scopes of one stop through an Inspector
type Walker struct {
	src  Source
	in   *inspect.Inspector
	opts Options
	log  *slog.Logger
}

// NewWalker creates a walker
func NewWalker(src Source, in *inspect.Inspector, opts Options) *Walker {
	if opts.EntryFunction == "" {
		opts.EntryFunction = "main"
	}
	if opts.Filter.Ignore == nil {
		opts.Filter.Ignore = DefaultIgnore
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Walker{src: src, in: in, opts: opts, log: log.With("component", "scope")}
}

// Globals builds the step's global table. Every address is registered
// before any value is rendered so pointers between globals resolve.
func (w *Walker) Globals() (*heap.GlobalTable, error) {
	vars, err := w.src.Globals()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate globals: %w", err)
	}

	table := heap.NewGlobalTable()
	shown := make([]debugger.Value, 0, len(vars))
	for _, v := range vars {
		if !v.InScope || !w.opts.Filter.Show(v.Name) {
			continue
		}
		if _, dup := table.AddrOf(v.Name); dup {
			continue
		}
		table.Add(v.Name, v.Addr)
		shown = append(shown, v)
	}
	w.in.SetGlobals(table)

	for _, v := range shown {
		val := w.in.View(v)
		table.Set(v.Name, val)
		w.log.Debug("global", "name", v.Name, "addr", v.Addr, "value", val.String())
	}
	return table, nil
}

// Stack renders frames from the innermost outward, stopping after the entry
// function. Locals that are not in scope yet are skipped.
func (w *Walker) Stack() ([]trace.Frame, error) {
	frames, err := w.src.Frames()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate frames: %w", err)
	}

	out := make([]trace.Frame, 0, len(frames))
	for i, f := range frames {
		frame := trace.NewFrame(i, f.Function)
		for _, v := range f.Locals {
			if !v.InScope || !w.opts.Filter.Show(v.Name) {
				continue
			}
			frame.SetLocal(v.Name, w.in.View(v))
		}
		out = append(out, frame)
		if f.Function == w.opts.EntryFunction {
			break
		}
	}
	return out, nil
}
