// Package build compiles the traced program with debug information and the
// allocation reporting header.
package build

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrCompile is returned when the compiler fails or cannot be started
	ErrCompile = errors.New("compilation failed")
	// ErrTimeout is returned when the compiler runs past its deadline
	ErrTimeout = errors.New("compilation timed out")
)

//go:embed alloc.h
var allocHeader string

// HeaderName is the file name the allocation header is written under
const HeaderName = "ctutor_alloc.h"

// Header returns the allocation reporting header
func Header() string { return allocHeader }

// Options configures a compilation
type Options struct {
	Compiler string
	Source   string
	// Output defaults to Source with an .exe suffix
	Output string
	Flags  []string
	// ExtraArgs follow the source file, e.g. libraries
	ExtraArgs []string
	// Instrument injects the allocation header with -include
	Instrument bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// DefaultOptions returns clang -O0 -g with instrumentation and a 20s limit
func DefaultOptions() Options {
	return Options{
		Compiler:   "clang",
		Flags:      []string{"-O0", "-g"},
		Instrument: true,
		Timeout:    20 * time.Second,
	}
}

// Result describes a finished compilation
type Result struct {
	Binary string
	// Output is the compiler's combined stdout and stderr
	Output   string
	Duration time.Duration
}

// Compile builds opts.Source into an executable
func Compile(ctx context.Context, opts Options) (*Result, error) {
	def := DefaultOptions()
	if opts.Compiler == "" {
		opts.Compiler = def.Compiler
	}
	if opts.Flags == nil {
		opts.Flags = def.Flags
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Output == "" {
		opts.Output = opts.Source + ".exe"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "build")

	if opts.Source == "" {
		return nil, fmt.Errorf("%w: no source file", ErrCompile)
	}

	args := append([]string{}, opts.Flags...)
	if opts.Instrument {
		dir, err := os.MkdirTemp("", "ctutor-build-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create build directory: %w", err)
		}
		defer os.RemoveAll(dir)

		header := filepath.Join(dir, HeaderName)
		if err := os.WriteFile(header, []byte(allocHeader), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write allocation header: %w", err)
		}
		args = append(args, "-include", header)
	}
	args = append(args, opts.Source)
	args = append(args, opts.ExtraArgs...)
	args = append(args, "-o", opts.Output)

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(runCtx, opts.Compiler, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = time.Second

	log.Debug("compiling", "compiler", opts.Compiler, "args", strings.Join(args, " "))
	start := time.Now()
	err := cmd.Run()
	res := &Result{Binary: opts.Output, Output: out.String(), Duration: time.Since(start)}

	switch {
	case err == nil:
		log.Info("compiled", "binary", opts.Output, "duration", res.Duration)
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Error("compiler killed", "timeout", opts.Timeout)
		return res, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
	default:
		log.Error("compiler failed", "error", err, "output", res.Output)
		return res, fmt.Errorf("%w: %s: %v\n%s", ErrCompile, opts.Compiler, err, strings.TrimSpace(res.Output))
	}
}
