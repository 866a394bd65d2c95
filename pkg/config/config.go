// Package config loads tracer settings from defaults, an optional YAML file
// and CTUTOR_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/willibrandon/ctutor/pkg/heap"
	"github.com/willibrandon/ctutor/pkg/inspect"
	"github.com/willibrandon/ctutor/pkg/instrumentation"
	"github.com/willibrandon/ctutor/pkg/precheck"
	"github.com/willibrandon/ctutor/pkg/recorder"
	"github.com/willibrandon/ctutor/pkg/scope"
	"github.com/willibrandon/ctutor/pkg/trace"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete tracer configuration
type Config struct {
	Tracer   TracerConfig            `yaml:"tracer"`
	Markers  instrumentation.Markers `yaml:"markers"`
	Output   OutputConfig            `yaml:"output"`
	Build    BuildConfig             `yaml:"build"`
	Precheck PrecheckConfig          `yaml:"precheck"`
	Debugger DebuggerConfig          `yaml:"debugger"`
	RawLog   RawLogConfig            `yaml:"raw_log"`
	Log      LogConfig               `yaml:"log"`
}

// TracerConfig controls the step loop and rendering
type TracerConfig struct {
	MaxSteps         int      `yaml:"max_steps"`
	MaxStdout        int      `yaml:"max_stdout"`
	EntryBreakpoints []string `yaml:"entry_breakpoints"`
	EntryFunction    string   `yaml:"entry_function"`
	ArgvName         string   `yaml:"argv_name"`
	Ignore           []string `yaml:"ignore"`
	FreePolicy       string   `yaml:"free_policy"`
	ExpandBlocks     int      `yaml:"expand_blocks"`
	PCFixup          bool     `yaml:"pc_fixup"`
	PCFixupFallback  int      `yaml:"pc_fixup_fallback"`
}

// OutputConfig controls the trace document
type OutputConfig struct {
	VarName string `yaml:"var_name"`
	Pretty  bool   `yaml:"pretty"`
}

// BuildConfig controls compilation of the traced program
type BuildConfig struct {
	Compiler  string        `yaml:"compiler"`
	Flags     []string      `yaml:"flags"`
	ExtraArgs []string      `yaml:"extra_args,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
}

// PrecheckConfig lists the functions a program may not call
type PrecheckConfig struct {
	Blocked []string `yaml:"blocked"`
}

// DebuggerConfig controls the Delve backend
type DebuggerConfig struct {
	DlvPath        string        `yaml:"dlv_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxStackDepth  int           `yaml:"max_stack_depth"`
}

// RawLogConfig controls the optional JSON lines step log
type RawLogConfig struct {
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"`
}

// LogConfig controls diagnostics
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is auto, text or json
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Tracer: TracerConfig{
			MaxSteps:         100,
			MaxStdout:        100,
			EntryBreakpoints: []string{"_start", "main"},
			EntryFunction:    "main",
			ArgvName:         "argv",
			Ignore:           append([]string{}, scope.DefaultIgnore...),
			FreePolicy:       heap.FreeWarn.String(),
			PCFixup:          true,
			PCFixupFallback:  2,
		},
		Markers: instrumentation.DefaultMarkers(),
		Output: OutputConfig{
			VarName: trace.DefaultVarName,
		},
		Build: BuildConfig{
			Compiler: "clang",
			Flags:    []string{"-O0", "-g"},
			Timeout:  20 * time.Second,
		},
		Precheck: PrecheckConfig{
			Blocked: append([]string{}, precheck.DefaultBlocked...),
		},
		Debugger: DebuggerConfig{
			DlvPath:        "dlv",
			ConnectTimeout: 5 * time.Second,
			MaxStackDepth:  64,
		},
		RawLog: RawLogConfig{
			Compression: recorder.DefaultCompression.String(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the file at path over the defaults, applies the environment
// and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from CTUTOR_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CTUTOR_MAX_STEPS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CTUTOR_MAX_STEPS: %v", ErrInvalid, err)
		}
		c.Tracer.MaxSteps = n
	}
	if v, ok := lookup("CTUTOR_MAX_STDOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CTUTOR_MAX_STDOUT: %v", ErrInvalid, err)
		}
		c.Tracer.MaxStdout = n
	}
	if v, ok := lookup("CTUTOR_FREE_POLICY"); ok {
		c.Tracer.FreePolicy = v
	}
	if v, ok := lookup("CTUTOR_DLV"); ok {
		c.Debugger.DlvPath = v
	}
	if v, ok := lookup("CTUTOR_COMPILER"); ok {
		c.Build.Compiler = v
	}
	return nil
}

// Validate checks limits and parses the enumerated fields
func (c *Config) Validate() error {
	var errs []error
	if c.Tracer.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("tracer.max_steps must be positive, got %d", c.Tracer.MaxSteps))
	}
	if c.Tracer.MaxStdout < 1 {
		errs = append(errs, fmt.Errorf("tracer.max_stdout must be positive, got %d", c.Tracer.MaxStdout))
	}
	if len(c.Tracer.EntryBreakpoints) == 0 {
		errs = append(errs, errors.New("tracer.entry_breakpoints must not be empty"))
	}
	if c.Tracer.EntryFunction == "" {
		errs = append(errs, errors.New("tracer.entry_function must not be empty"))
	}
	if c.Tracer.ExpandBlocks < 0 || c.Tracer.ExpandBlocks > inspect.MaxExpandBlocks {
		errs = append(errs, fmt.Errorf("tracer.expand_blocks must be between 0 and %d, got %d", inspect.MaxExpandBlocks, c.Tracer.ExpandBlocks))
	}
	if c.Tracer.PCFixupFallback < 1 {
		errs = append(errs, fmt.Errorf("tracer.pc_fixup_fallback must be positive, got %d", c.Tracer.PCFixupFallback))
	}
	if _, err := c.FreePolicy(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Markers.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Output.VarName == "" {
		errs = append(errs, errors.New("output.var_name must not be empty"))
	}
	if c.Build.Compiler == "" {
		errs = append(errs, errors.New("build.compiler must not be empty"))
	}
	if c.Build.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("build.timeout must be positive, got %s", c.Build.Timeout))
	}
	if _, err := c.Compression(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// FreePolicy returns the parsed tracer.free_policy
func (c *Config) FreePolicy() (heap.FreePolicy, error) {
	return heap.ParseFreePolicy(c.Tracer.FreePolicy)
}

// Compression returns the parsed raw_log.compression
func (c *Config) Compression() (recorder.CompressionType, error) {
	return recorder.ParseCompression(c.RawLog.Compression)
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
