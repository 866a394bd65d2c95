package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/ctutor/pkg/heap"
	"github.com/willibrandon/ctutor/pkg/recorder"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctutor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100, cfg.Tracer.MaxSteps)
	assert.Equal(t, 100, cfg.Tracer.MaxStdout)
	assert.Equal(t, []string{"_start", "main"}, cfg.Tracer.EntryBreakpoints)
	assert.Equal(t, "demoTrace", cfg.Output.VarName)
	assert.Equal(t, 20*time.Second, cfg.Build.Timeout)
	assert.Equal(t, []string{"fopen", "fprintf", "fwrite", "fputs", "scanf"}, cfg.Precheck.Blocked)

	policy, err := cfg.FreePolicy()
	require.NoError(t, err)
	assert.Equal(t, heap.FreeWarn, policy)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
tracer:
  max_steps: 250
  free_policy: strict
  ignore: ["__FRAME_END__", "_IO_..."]
output:
  var_name: myTrace
  pretty: true
build:
  compiler: gcc
  timeout: 5s
raw_log:
  path: /tmp/steps.jsonl
  compression: none
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Tracer.MaxSteps)
	assert.Equal(t, 100, cfg.Tracer.MaxStdout, "unset fields keep their defaults")
	assert.Equal(t, []string{"__FRAME_END__", "_IO_..."}, cfg.Tracer.Ignore)
	assert.Equal(t, "myTrace", cfg.Output.VarName)
	assert.True(t, cfg.Output.Pretty)
	assert.Equal(t, "gcc", cfg.Build.Compiler)
	assert.Equal(t, []string{"-O0", "-g"}, cfg.Build.Flags)
	assert.Equal(t, 5*time.Second, cfg.Build.Timeout)

	policy, err := cfg.FreePolicy()
	require.NoError(t, err)
	assert.Equal(t, heap.FreeStrict, policy)

	ct, err := cfg.Compression()
	require.NoError(t, err)
	assert.Equal(t, recorder.NoCompression, ct)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Tracer, cfg.Tracer)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", "tracer:\n  max_stpes: 3\n"},
		{"bad yaml", "tracer: [\n"},
		{"bad policy", "tracer:\n  free_policy: loud\n"},
		{"zero steps", "tracer:\n  max_steps: 0\n"},
		{"negative expand", "tracer:\n  expand_blocks: -1\n"},
		{"expand over limit", "tracer:\n  expand_blocks: 100000\n"},
		{"bad compression", "raw_log:\n  compression: gzip\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"empty markers", "markers:\n  alloc_tag: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Tracer.MaxSteps = 0
	cfg.Build.Compiler = ""

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "tracer.max_steps")
	assert.Contains(t, err.Error(), "build.compiler")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CTUTOR_MAX_STEPS":   "7",
		"CTUTOR_MAX_STDOUT":  "4096",
		"CTUTOR_FREE_POLICY": "annotate",
		"CTUTOR_DLV":         "/opt/dlv",
		"CTUTOR_COMPILER":    "gcc",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, 7, cfg.Tracer.MaxSteps)
	assert.Equal(t, 4096, cfg.Tracer.MaxStdout)
	assert.Equal(t, "annotate", cfg.Tracer.FreePolicy)
	assert.Equal(t, "/opt/dlv", cfg.Debugger.DlvPath)
	assert.Equal(t, "gcc", cfg.Build.Compiler)

	env["CTUTOR_MAX_STEPS"] = "many"
	require.ErrorIs(t, Default().ApplyEnv(lookup), ErrInvalid)
}

func TestLoadAppliesEnvOverFile(t *testing.T) {
	t.Setenv("CTUTOR_MAX_STEPS", "9")
	cfg, err := Load(writeConfig(t, "tracer:\n  max_steps: 250\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Tracer.MaxSteps)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Tracer.FreePolicy = "strict"
	data, err := cfg.Marshal()
	require.NoError(t, err)

	back, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "examples", "ctutor.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Tracer.MaxSteps)
	assert.True(t, cfg.Output.Pretty)

	ct, err := cfg.Compression()
	require.NoError(t, err)
	assert.Equal(t, recorder.ZstdCompression, ct)
}
