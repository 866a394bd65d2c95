// Package session drives one traced execution of a C program: it starts the
// debug backend, steps the program line by line and records a trace step at
// every stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/willibrandon/ctutor/pkg/debugger"
	"github.com/willibrandon/ctutor/pkg/heap"
	"github.com/willibrandon/ctutor/pkg/inspect"
	"github.com/willibrandon/ctutor/pkg/instrumentation"
	"github.com/willibrandon/ctutor/pkg/recorder"
	"github.com/willibrandon/ctutor/pkg/scope"
	"github.com/willibrandon/ctutor/pkg/trace"
)

var (
	// ErrNoEntryBreakpoint is returned when none of the entry breakpoints could be set
	ErrNoEntryBreakpoint = errors.New("no entry breakpoint could be set")
	// ErrNotStarted is returned when the program exited before reaching a breakpoint
	ErrNotStarted = errors.New("program exited before the first stop")
)

// Options configures a tracing session
type Options struct {
	SourcePath string
	// RunID tags log records; a random one is generated when empty
	RunID string

	MaxSteps  int
	MaxStdout int

	EntryBreakpoints []string
	EntryFunction    string
	ArgvName         string
	Ignore           []string

	Markers    instrumentation.Markers
	FreePolicy heap.FreePolicy

	// ExpandBlocks lists up to this many elements of a pointed-to block
	ExpandBlocks int

	PCFixup bool
	// PCFixupFallback is the instruction length used when decoding fails
	PCFixupFallback int

	Logger *slog.Logger
}

// DefaultOptions returns the tracer defaults
func DefaultOptions() Options {
	return Options{
		MaxSteps:         100,
		MaxStdout:        100,
		EntryBreakpoints: []string{"_start", "main"},
		EntryFunction:    "main",
		ArgvName:         "argv",
		Ignore:           scope.DefaultIgnore,
		Markers:          instrumentation.DefaultMarkers(),
		FreePolicy:       heap.FreeWarn,
		PCFixup:          true,
		PCFixupFallback:  2,
	}
}

// Launcher starts the debug backend for the traced program
type Launcher func() (debugger.Backend, error)

// Session is one traced run
type Session struct {
	opts   Options
	launch Launcher
	rec    recorder.Recorder
	log    *slog.Logger

	// per run
	backend debugger.Backend
	reg     *heap.Registry
	scanner *instrumentation.Scanner
	in      *inspect.Inspector
	walker  *scope.Walker
	stdout  strings.Builder

	steps     int
	truncated bool
}

// New creates a session. rec receives every step; when nil the steps are kept in memory.
func New(opts Options, launch Launcher, rec recorder.Recorder) *Session {
	def := DefaultOptions()
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = def.MaxSteps
	}
	if opts.MaxStdout <= 0 {
		opts.MaxStdout = def.MaxStdout
	}
	if len(opts.EntryBreakpoints) == 0 {
		opts.EntryBreakpoints = def.EntryBreakpoints
	}
	if opts.EntryFunction == "" {
		opts.EntryFunction = def.EntryFunction
	}
	if opts.ArgvName == "" {
		opts.ArgvName = def.ArgvName
	}
	if opts.Ignore == nil {
		opts.Ignore = def.Ignore
	}
	if opts.Markers == (instrumentation.Markers{}) {
		opts.Markers = def.Markers
	}
	if opts.PCFixupFallback <= 0 {
		opts.PCFixupFallback = def.PCFixupFallback
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if rec == nil {
		rec = recorder.NewInMemoryRecorder()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		opts:   opts,
		launch: launch,
		rec:    rec,
		log:    log.With("component", "session", "run_id", opts.RunID),
	}
}

// RunID identifies the run in logs and in the raw step log
func (s *Session) RunID() string { return s.opts.RunID }

// Steps returns how many times the program was stepped
func (s *Session) Steps() int { return s.steps }

// Truncated reports whether the step cap ended the run
func (s *Session) Truncated() bool { return s.truncated }

// Run traces the program and returns the document. Startup failures return
// no document. A strict free violation returns the steps recorded so far
// together with the error. Backend failures while stepping end the trace
// early without an error.
func (s *Session) Run(ctx context.Context) (*trace.Document, error) {
	code, err := os.ReadFile(s.opts.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}

	b, err := s.launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch debugger: %w", err)
	}
	s.backend = b
	defer s.teardown()

	if err := s.setup(); err != nil {
		return nil, err
	}

	s.log.Info("tracing started", "source", s.opts.SourcePath, "max_steps", s.opts.MaxSteps)

	st, err := s.start()
	if err != nil {
		return nil, err
	}

	runErr := s.loop(ctx, st)

	doc := &trace.Document{Code: string(code), Trace: s.rec.Steps()}
	if doc.Trace == nil {
		doc.Trace = []trace.Step{}
	}
	s.log.Info("tracing finished",
		"steps", s.steps,
		"recorded", len(doc.Trace),
		"truncated", s.truncated,
		"live_allocations", s.reg.Len())
	if pending := s.scanner.Pending(); pending != "" {
		s.log.Debug("dropping unterminated stdout tail", "text", pending)
	}
	return doc, runErr
}

func (s *Session) setup() error {
	s.reg = heap.NewRegistry(s.opts.FreePolicy, s.log)
	s.scanner = instrumentation.NewScanner(s.opts.Markers, s.reg, s.log)

	in, err := inspect.New(s.backend, s.reg, inspect.Options{
		ArgvName:     s.opts.ArgvName,
		ExpandBlocks: s.opts.ExpandBlocks,
		Logger:       s.log,
	})
	if err != nil {
		return err
	}
	s.in = in
	s.walker = scope.NewWalker(s.backend, in, scope.Options{
		EntryFunction: s.opts.EntryFunction,
		Filter:        scope.SymbolFilter{Ignore: s.opts.Ignore},
		Logger:        s.log,
	})
	return nil
}

// start stops the program at the entry function
func (s *Session) start() (*debugger.State, error) {
	bm := debugger.NewBreakpointManager()
	for _, name := range s.opts.EntryBreakpoints {
		if _, err := bm.AddBreakpoint("func:" + name); err != nil {
			return nil, err
		}
	}
	n, err := bm.Install(s.backend)
	if n == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoEntryBreakpoint, err)
	}
	if err != nil {
		s.log.Warn("some entry breakpoints were not set", "error", err)
	}

	st, err := s.backend.Continue()
	if err != nil {
		return nil, fmt.Errorf("failed to start program: %w", err)
	}
	if st.Exited {
		return nil, ErrNotStarted
	}

	if st.Function != s.opts.EntryFunction {
		if s.opts.PCFixup {
			s.fixupPC()
		}
		st, err = s.backend.Continue()
		if err != nil {
			return nil, fmt.Errorf("failed to continue to %s: %w", s.opts.EntryFunction, err)
		}
		if st.Exited {
			return nil, ErrNotStarted
		}
	}
	return st, nil
}

func (s *Session) loop(ctx context.Context, st *debugger.State) error {
	var err error
	for {
		if err := ctx.Err(); err != nil {
			s.log.Warn("tracing cancelled", "error", err)
			return nil
		}

		if err := s.record(st); err != nil {
			if errors.Is(err, heap.ErrUntrackedFree) {
				s.log.Error("tracing stopped", "error", err)
				return err
			}
			s.log.Error("failed to record step", "error", err)
			return nil
		}

		st, err = s.backend.Step()
		if err != nil {
			s.log.Error("step failed", "error", err)
			return nil
		}
		s.steps++
		if s.steps >= s.opts.MaxSteps {
			s.truncated = true
			s.log.Warn("step limit reached", "max_steps", s.opts.MaxSteps)
			return nil
		}

		if !st.Exited && st.Line != 0 && !s.inSource(st.File) {
			s.log.Debug("left source file, stepping out", "file", st.File, "function", st.Function)
			st, err = s.backend.StepOut()
			if err != nil {
				s.log.Error("step out failed", "error", err)
				return nil
			}
		}

		if st.Exited || st.Line == 0 {
			s.log.Debug("program finished", "reason", st.Reason)
			return nil
		}
	}
}

func (s *Session) inSource(file string) bool {
	return file != "" && debugger.SameFile(file, filepath.Clean(s.opts.SourcePath))
}

// record builds and stores the step for the current stop
func (s *Session) record(st *debugger.State) error {
	s.in.BeginStep()

	chunk, err := s.backend.ReadStdout(s.opts.MaxStdout)
	if err != nil {
		s.log.Warn("failed to read program output", "error", err)
	}
	visible, err := s.scanner.Feed(chunk)
	s.stdout.WriteString(visible)
	if err != nil {
		return err
	}

	globals, err := s.walker.Globals()
	if err != nil {
		return err
	}
	frames, err := s.walker.Stack()
	if err != nil {
		return err
	}

	event := st.Reason
	if notes := s.reg.TakeNotes(); len(notes) > 0 {
		event += "; " + strings.Join(notes, "; ")
	}

	step := trace.Step{
		OrderedGlobals: globals.Names(),
		Stdout:         s.stdout.String(),
		FuncName:       st.Function,
		StackToRender:  frames,
		Globals:        globals.Values(),
		Heap:           s.in.HeapSnapshot(),
		Line:           st.Line,
		Event:          event,
	}
	if err := s.rec.RecordStep(step); err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

func (s *Session) teardown() {
	if err := s.backend.Kill(); err != nil {
		s.log.Warn("failed to kill program", "error", err)
	}
	if err := s.backend.Close(); err != nil {
		s.log.Warn("failed to close debugger", "error", err)
	}
}
