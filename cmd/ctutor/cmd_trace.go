package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/willibrandon/ctutor/pkg/build"
	"github.com/willibrandon/ctutor/pkg/debugger"
	"github.com/willibrandon/ctutor/pkg/heap"
	"github.com/willibrandon/ctutor/pkg/recorder"
	"github.com/willibrandon/ctutor/pkg/session"
	"github.com/willibrandon/ctutor/pkg/trace"
)

type traceFlags struct {
	output   string
	binary   string
	viewer   bool
	raw      string
	maxSteps int
	policy   string
	noCheck  bool
}

func newTraceCmd(a *app) *cobra.Command {
	var f traceFlags
	cmd := &cobra.Command{
		Use:   "trace <source.c>",
		Short: "Compile and trace a C program",
		Long: `Compile a C program with debug information and allocation reporting,
step through it line by line under Delve and write the trace document.

The document is written even when tracing stops early so the steps
recorded so far can still be inspected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTrace(cmd, args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.output, "output", "o", "", "write the document here instead of stdout")
	fl.StringVar(&f.binary, "binary", "", "trace this prebuilt executable instead of compiling")
	fl.BoolVar(&f.viewer, "viewer", false, "append the script that starts the visualizer on the document")
	fl.StringVar(&f.raw, "raw", "", "also append every step to this JSON lines log")
	fl.IntVar(&f.maxSteps, "max-steps", 0, "override tracer.max_steps")
	fl.StringVar(&f.policy, "free-policy", "", "override tracer.free_policy: warn, annotate or strict")
	fl.BoolVar(&f.noCheck, "no-check", false, "skip the blocked call check")
	return cmd
}

func (a *app) runTrace(cmd *cobra.Command, source string, f traceFlags) error {
	cfg := a.cfg
	ctx := cmd.Context()

	if f.maxSteps > 0 {
		cfg.Tracer.MaxSteps = f.maxSteps
	}
	if f.policy != "" {
		cfg.Tracer.FreePolicy = f.policy
	}
	policy, err := cfg.FreePolicy()
	if err != nil {
		return err
	}

	src, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	if !f.noCheck {
		if _, err := a.precheck(cmd, src); err != nil {
			return err
		}
	}

	binary := f.binary
	if binary == "" {
		dir, err := os.MkdirTemp("", "ctutor-*")
		if err != nil {
			return fmt.Errorf("failed to create work directory: %w", err)
		}
		defer os.RemoveAll(dir)

		res, err := build.Compile(ctx, build.Options{
			Compiler:   cfg.Build.Compiler,
			Source:     source,
			Output:     filepath.Join(dir, "prog"),
			Flags:      cfg.Build.Flags,
			ExtraArgs:  cfg.Build.ExtraArgs,
			Instrument: true,
			Timeout:    cfg.Build.Timeout,
			Logger:     a.log,
		})
		if err != nil {
			return err
		}
		binary = res.Binary
	}

	runID := uuid.NewString()
	var rec recorder.Recorder = recorder.NewInMemoryRecorder()
	if path := f.raw; path != "" || cfg.RawLog.Path != "" {
		if path == "" {
			path = cfg.RawLog.Path
		}
		ct, err := cfg.Compression()
		if err != nil {
			return err
		}
		fr, err := recorder.NewFileRecorderWithOptions(path, recorder.FileRecorderOptions{
			CompressionType: ct,
			RunID:           runID,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := fr.Close(); err != nil {
				a.log.Error("failed to close step log", "error", err)
			}
		}()
		rec = recorder.Tee{rec, fr}
	}

	s := session.New(a.sessionOptions(source, runID, policy), func() (debugger.Backend, error) {
		return a.launch(binary, debugger.DelveOptions{
			DlvPath:        cfg.Debugger.DlvPath,
			ConnectTimeout: cfg.Debugger.ConnectTimeout,
			MaxStackDepth:  cfg.Debugger.MaxStackDepth,
			Logger:         a.log,
		})
	}, rec)

	doc, runErr := s.Run(ctx)
	if doc == nil {
		return runErr
	}
	if s.Truncated() {
		a.log.Warn("trace truncated", "max_steps", cfg.Tracer.MaxSteps)
	}
	if err := a.writeDocument(cmd, doc, f); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (a *app) sessionOptions(source, runID string, policy heap.FreePolicy) session.Options {
	t := a.cfg.Tracer
	return session.Options{
		SourcePath:       source,
		RunID:            runID,
		MaxSteps:         t.MaxSteps,
		MaxStdout:        t.MaxStdout,
		EntryBreakpoints: t.EntryBreakpoints,
		EntryFunction:    t.EntryFunction,
		ArgvName:         t.ArgvName,
		Ignore:           t.Ignore,
		Markers:          a.cfg.Markers,
		FreePolicy:       policy,
		ExpandBlocks:     t.ExpandBlocks,
		PCFixup:          t.PCFixup,
		PCFixupFallback:  t.PCFixupFallback,
		Logger:           a.log,
	}
}

func (a *app) writeDocument(cmd *cobra.Command, doc *trace.Document, f traceFlags) error {
	var w io.Writer = cmd.OutOrStdout()
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer file.Close()
		w = file
	}

	opts := trace.WriteOptions{VarName: a.cfg.Output.VarName, Pretty: a.cfg.Output.Pretty}
	if f.viewer {
		return trace.WriteViewer(w, doc, opts)
	}
	return trace.WriteDocument(w, doc, opts)
}
