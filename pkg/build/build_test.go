package build

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompiler writes a shell script standing in for the compiler. It
// records its arguments next to itself.
func fakeCompiler(t *testing.T, body string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script compiler needs a unix shell")
	}
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + argsFile + "\n" + body
	path := filepath.Join(dir, "cc")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path, argsFile
}

func readArgs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestCompile(t *testing.T) {
	cc, argsFile := fakeCompiler(t, `
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then shift; : > "$1"; fi
  if [ "$1" = "-include" ]; then shift; cp "$1" "$(dirname "$0")/header.h"; fi
  shift
done
echo "warning: unused variable"
`)
	src := filepath.Join(t.TempDir(), "prog.c")

	res, err := Compile(context.Background(), Options{
		Compiler:   cc,
		Source:     src,
		ExtraArgs:  []string{"-lm"},
		Instrument: true,
	})
	require.NoError(t, err)

	assert.Equal(t, src+".exe", res.Binary)
	assert.FileExists(t, res.Binary)
	assert.Contains(t, res.Output, "warning: unused variable")

	args := readArgs(t, argsFile)
	require.Len(t, args, 8)
	assert.Equal(t, []string{"-O0", "-g", "-include"}, args[:3])
	assert.Equal(t, HeaderName, filepath.Base(args[3]))
	assert.Equal(t, []string{src, "-lm", "-o", src + ".exe"}, args[4:])

	// The header given to the compiler is the embedded one, removed afterwards
	copied, err := os.ReadFile(filepath.Join(filepath.Dir(cc), "header.h"))
	require.NoError(t, err)
	assert.Equal(t, Header(), string(copied))
	assert.NoFileExists(t, args[3])
}

func TestCompileWithoutInstrumentation(t *testing.T) {
	cc, argsFile := fakeCompiler(t, "exit 0\n")
	src := filepath.Join(t.TempDir(), "prog.c")

	_, err := Compile(context.Background(), Options{
		Compiler: cc,
		Source:   src,
		Output:   filepath.Join(t.TempDir(), "a.out"),
		Flags:    []string{"-O1"},
	})
	require.NoError(t, err)
	args := readArgs(t, argsFile)
	assert.NotContains(t, args, "-include")
	assert.Equal(t, "-O1", args[0])
}

func TestCompileFailure(t *testing.T) {
	cc, _ := fakeCompiler(t, "echo \"prog.c:3:5: error: expected ';'\" >&2\nexit 1\n")

	res, err := Compile(context.Background(), Options{Compiler: cc, Source: "prog.c"})
	require.ErrorIs(t, err, ErrCompile)
	assert.Contains(t, err.Error(), "expected ';'")
	assert.Contains(t, res.Output, "error: expected ';'")
}

func TestCompileMissingCompiler(t *testing.T) {
	_, err := Compile(context.Background(), Options{
		Compiler: filepath.Join(t.TempDir(), "no-such-cc"),
		Source:   "prog.c",
	})
	require.ErrorIs(t, err, ErrCompile)
}

func TestCompileNoSource(t *testing.T) {
	_, err := Compile(context.Background(), Options{})
	require.ErrorIs(t, err, ErrCompile)
}

func TestCompileTimeout(t *testing.T) {
	// The child sleep shares the process group and must die with the shell
	cc, _ := fakeCompiler(t, "sleep 30\n")

	start := time.Now()
	_, err := Compile(context.Background(), Options{
		Compiler: cc,
		Source:   "prog.c",
		Timeout:  200 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCompileCancelled(t *testing.T) {
	cc, _ := fakeCompiler(t, "sleep 30\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Compile(ctx, Options{Compiler: cc, Source: "prog.c"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestHeaderPrintsMarkers(t *testing.T) {
	h := Header()
	assert.Contains(t, h, `"Alloc = %lu bytes: %lu\n"`)
	assert.Contains(t, h, `"free %lu\n"`)
	for _, fn := range []string{"malloc", "calloc", "realloc", "free"} {
		assert.Contains(t, h, "#define "+fn+"(")
	}
}
