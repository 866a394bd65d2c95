package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willibrandon/ctutor/pkg/recorder"
	"github.com/willibrandon/ctutor/pkg/replay"
	"github.com/willibrandon/ctutor/pkg/trace"
)

type replayFlags struct {
	raw    bool
	source string
	runID  string
}

func newReplayCmd(a *app) *cobra.Command {
	var f replayFlags
	cmd := &cobra.Command{
		Use:   "replay <trace.js>",
		Short: "Browse a recorded trace interactively",
		Long: `Open a trace document, or with --raw a step log, and browse it
with next, back, goto, breakpoints and variable printing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := a.loadReplay(args[0], f)
			if err != nil {
				return err
			}
			name := f.source
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])) + ".c"
			}
			return replay.NewCLI(doc, name, cmd.OutOrStdout()).Run(cmd.InOrStdin())
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&f.raw, "raw", false, "the file is a JSON lines step log")
	fl.StringVar(&f.source, "source", "", "C source shown by list and used for file:line breakpoints")
	fl.StringVar(&f.runID, "run-id", "", "with --raw, the run to load; the last run in the log by default")
	return cmd
}

func (a *app) loadReplay(path string, f replayFlags) (*trace.Document, error) {
	var doc *trace.Document
	if f.raw {
		ct, err := a.cfg.Compression()
		if err != nil {
			return nil, err
		}
		entries, err := recorder.ReadLog(path, ct)
		if err != nil {
			return nil, err
		}
		doc = &trace.Document{Trace: runSteps(entries, f.runID)}
		if len(doc.Trace) == 0 {
			return nil, fmt.Errorf("no steps for run %q in %s", f.runID, path)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace: %w", err)
		}
		defer file.Close()
		if doc, err = trace.ReadDocument(file); err != nil {
			return nil, err
		}
	}

	if f.source != "" {
		code, err := os.ReadFile(f.source)
		if err != nil {
			return nil, fmt.Errorf("failed to read source: %w", err)
		}
		doc.Code = string(code)
	}
	a.log.Debug("loaded trace", "path", path, "steps", len(doc.Trace))
	return doc, nil
}

// runSteps picks the steps of one run from a log that may hold several
func runSteps(entries []recorder.Entry, runID string) []trace.Step {
	if runID == "" && len(entries) > 0 {
		runID = entries[len(entries)-1].RunID
	}
	var steps []trace.Step
	for _, e := range entries {
		if e.RunID == runID {
			steps = append(steps, e.Step)
		}
	}
	return steps
}
