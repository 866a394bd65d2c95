package debugger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
)

// DelveOptions configures how the dlv headless server is launched
type DelveOptions struct {
	// DlvPath is the dlv executable, "dlv" when empty
	DlvPath string
	// Args are passed to the target program
	Args []string
	// ConnectTimeout bounds the wait for the RPC server to come up
	ConnectTimeout time.Duration
	// MaxStackDepth bounds stack enumeration
	MaxStackDepth int
	Logger        *slog.Logger
}

// DelveBackend drives a target through a Delve RPC client session, managing the underlying dlv process
type DelveBackend struct {
	client    *rpc2.RPCClient
	target    string    // Target binary path
	dlvCmd    *exec.Cmd // The running 'dlv exec' command
	dlvListen string    // The address dlv is listening on (e.g., "localhost:12345")
	stdoutLog string    // File the target's stdout is redirected to
	stdoutOff int64     // Bytes of stdoutLog already drained
	detached  bool
	lastCmd   string
	depth     int
	log       *slog.Logger
}

// findFreePort finds an available TCP port on localhost
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// NewDelveBackend launches a Delve headless server for the target and connects via RPC
func NewDelveBackend(targetPath string, opts DelveOptions) (*DelveBackend, error) {
	if opts.DlvPath == "" {
		opts.DlvPath = "dlv"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.MaxStackDepth <= 0 {
		opts.MaxStackDepth = 64
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "delve")

	absPath, err := filepath.Abs(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for target %s: %w", targetPath, err)
	}

	port, err := findFreePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find free port for delve: %w", err)
	}
	dlvListenAddr := "localhost:" + strconv.Itoa(port)

	// The target's stdout goes to a file that is polled once per recorded step
	out, err := os.CreateTemp("", "ctutor-stdout-*.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout redirect file: %w", err)
	}
	stdoutLog := out.Name()
	out.Close()

	cmdArgs := []string{
		"exec", absPath,
		"--headless",
		"--listen=" + dlvListenAddr,
		"--api-version=2",
		"--accept-multiclient",
		"-r", "stdout:" + stdoutLog,
	}

	// Only add the '--' separator if we have args to pass
	if len(opts.Args) > 0 {
		cmdArgs = append(cmdArgs, "--")
		cmdArgs = append(cmdArgs, opts.Args...)
	}

	dlvCmd := exec.Command(opts.DlvPath, cmdArgs...)
	setupProcAttr(dlvCmd)

	if err := dlvCmd.Start(); err != nil {
		os.Remove(stdoutLog)
		return nil, fmt.Errorf("failed to start delve process: %w", err)
	}
	log.Debug("started delve headless server",
		"target", absPath, "listen", dlvListenAddr, "pid", dlvCmd.Process.Pid)

	client, err := connect(dlvListenAddr, opts.ConnectTimeout)
	if err != nil {
		// If connection fails, kill the dlv process we started
		_ = killProcess(dlvCmd)
		_, _ = dlvCmd.Process.Wait()
		os.Remove(stdoutLog)
		return nil, fmt.Errorf("failed to connect RPC client to delve server at %s: %w", dlvListenAddr, err)
	}

	return &DelveBackend{
		client:    client,
		target:    absPath,
		dlvCmd:    dlvCmd,
		dlvListen: dlvListenAddr,
		stdoutLog: stdoutLog,
		depth:     opts.MaxStackDepth,
		log:       log,
	}, nil
}

// connect polls the server until it answers a state request
func connect(addr string, timeout time.Duration) (*rpc2.RPCClient, error) {
	deadline := time.Now().Add(timeout)
	delay := 50 * time.Millisecond
	for {
		conn, err := net.DialTimeout("tcp", addr, delay)
		if err == nil {
			conn.Close()
			client := rpc2.NewClient(addr)
			if _, err = client.GetState(); err == nil {
				return client, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(delay)
		if delay < 500*time.Millisecond {
			delay *= 2
		}
	}
}

// loadConfig is the variable load configuration used for every evaluation
var loadConfig = api.LoadConfig{
	FollowPointers:     true,
	MaxVariableRecurse: 1,
	MaxStringLen:       64,
	MaxArrayValues:     64,
	MaxStructFields:    -1,
}

// SetFunctionBreakpoint sets a breakpoint at a function
func (d *DelveBackend) SetFunctionBreakpoint(funcName string) (*Breakpoint, error) {
	createdBp, err := d.client.CreateBreakpoint(&api.Breakpoint{FunctionName: funcName})
	if err == nil {
		return convertBreakpoint(createdBp), nil
	}

	if strings.Contains(err.Error(), "could not find function") {
		funcs, _ := d.client.ListFunctions(funcName, 10)
		if len(funcs) > 0 {
			if len(funcs) > 5 {
				funcs = funcs[:5]
			}
			return nil, fmt.Errorf("%w\nDid you mean one of these functions?\n%s",
				err, strings.Join(funcs, "\n"))
		}
	}

	return nil, fmt.Errorf("could not set breakpoint at function %s: %w", funcName, err)
}

// SetBreakpoint sets a breakpoint at file:line, trying nearby lines when the
// requested one holds no statement
func (d *DelveBackend) SetBreakpoint(file string, line int) (*Breakpoint, error) {
	file = filepath.ToSlash(file)

	createdBp, err := d.client.CreateBreakpoint(&api.Breakpoint{File: file, Line: line})
	if err == nil {
		return convertBreakpoint(createdBp), nil
	}

	if strings.Contains(err.Error(), "could not find statement") {
		for offset := 1; offset <= 5; offset++ {
			nearby, nearbyErr := d.client.CreateBreakpoint(&api.Breakpoint{File: file, Line: line + offset})
			if nearbyErr == nil {
				d.log.Debug("set breakpoint at alternative line", "line", line+offset, "requested", line)
				return convertBreakpoint(nearby), nil
			}
		}
	}

	return nil, fmt.Errorf("could not set breakpoint at %s:%d: %w", file, line, err)
}

// ClearBreakpoint removes a breakpoint by its ID
func (d *DelveBackend) ClearBreakpoint(id int) error {
	_, err := d.client.ClearBreakpoint(id)
	return err
}

// Continue resumes execution until the next breakpoint or exit
func (d *DelveBackend) Continue() (*State, error) {
	d.lastCmd = "continue"
	state := <-d.client.Continue()
	return d.finish(state, nil)
}

// Step executes a single source line, entering function calls
func (d *DelveBackend) Step() (*State, error) {
	d.lastCmd = "step in"
	state, err := d.client.Step()
	if err != nil {
		err = fmt.Errorf("step command failed: %w", err)
	}
	return d.finish(state, err)
}

// StepOut steps out of the current function
func (d *DelveBackend) StepOut() (*State, error) {
	d.lastCmd = "step out"
	state, err := d.client.StepOut()
	if err != nil {
		err = fmt.Errorf("step out command failed: %w", err)
	}
	return d.finish(state, err)
}

// State reports where the process is currently stopped
func (d *DelveBackend) State() (*State, error) {
	state, err := d.client.GetState()
	return d.finish(state, err)
}

// finish converts a Delve state, treating process exit as a stop at line 0
func (d *DelveBackend) finish(state *api.DebuggerState, err error) (*State, error) {
	if err != nil {
		if isExited(err) {
			return &State{Exited: true, Reason: "exited"}, nil
		}
		return nil, err
	}
	if state == nil {
		return nil, errors.New("delve returned no state")
	}
	if state.Err != nil {
		if isExited(state.Err) {
			return &State{Exited: true, Reason: "exited"}, nil
		}
		return nil, state.Err
	}
	if state.Exited {
		return &State{Exited: true, Reason: fmt.Sprintf("exited with status %d", state.ExitStatus)}, nil
	}
	st := &State{Reason: d.lastCmd}
	if th := state.CurrentThread; th != nil {
		st.File = th.File
		st.Line = th.Line
		if th.Function != nil {
			st.Function = th.Function.Name()
		}
		if th.Breakpoint != nil && th.Breakpoint.ID > 0 {
			st.Reason = fmt.Sprintf("breakpoint %d", th.Breakpoint.ID)
		}
	}
	return st, nil
}

func isExited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "has exited with status")
}

// PC returns the program counter of the current thread
func (d *DelveBackend) PC() (uint64, error) {
	state, err := d.client.GetState()
	if err != nil {
		return 0, fmt.Errorf("failed to get state: %w", err)
	}
	if state.CurrentThread == nil {
		return 0, fmt.Errorf("no current thread available")
	}
	return state.CurrentThread.PC, nil
}

// SetPC is not exposed by the Delve RPC API
func (d *DelveBackend) SetPC(pc uint64) error {
	return fmt.Errorf("set pc to %#x: %w", pc, ErrUnsupported)
}

// ReadMemory reads n bytes of target memory at addr
func (d *DelveBackend) ReadMemory(addr uint64, n int) ([]byte, error) {
	data, _, err := d.client.ExamineMemory(addr, n)
	if err != nil {
		return data, fmt.Errorf("read %d bytes at %#x: %w", n, addr, err)
	}
	return data, nil
}

// ValueAt evaluates a typed dereference of addr
func (d *DelveBackend) ValueAt(addr uint64, t *Type) (Value, error) {
	if t == nil {
		return Value{}, fmt.Errorf("value at %#x: nil type", addr)
	}
	expr := fmt.Sprintf("*(*%s)(%#x)", typeExpr(t.Name), addr)
	v, err := d.client.EvalVariable(d.scope(), expr, loadConfig)
	if err != nil {
		return Value{}, fmt.Errorf("failed to evaluate %s: %w", expr, err)
	}
	return convertVariable(v), nil
}

// typeExpr quotes type names that are not valid Go identifiers, e.g. "struct node"
func typeExpr(name string) string {
	if strings.ContainsAny(name, " *[") {
		return strconv.Quote(name)
	}
	return name
}

func (d *DelveBackend) scope() api.EvalScope {
	return api.EvalScope{GoroutineID: -1, Frame: 0}
}

// Globals lists package level variables of the target
func (d *DelveBackend) Globals() ([]Value, error) {
	vars, err := d.client.ListPackageVariables("", loadConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to list globals: %w", err)
	}
	out := make([]Value, 0, len(vars))
	for i := range vars {
		out = append(out, convertVariable(&vars[i]))
	}
	return out, nil
}

// Frames lists the current stack, innermost first
func (d *DelveBackend) Frames() ([]Frame, error) {
	cfg := loadConfig
	frames, err := d.client.Stacktrace(-1, d.depth, 0, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get stacktrace: %w", err)
	}
	out := make([]Frame, 0, len(frames))
	for _, f := range frames {
		fr := Frame{File: f.File, Line: f.Line}
		if f.Function != nil {
			fr.Function = f.Function.Name()
		}
		for i := range f.Arguments {
			fr.Locals = append(fr.Locals, convertVariable(&f.Arguments[i]))
		}
		for i := range f.Locals {
			fr.Locals = append(fr.Locals, convertVariable(&f.Locals[i]))
		}
		out = append(out, fr)
	}
	return out, nil
}

// ReadStdout drains at most max bytes of newly written target output
func (d *DelveBackend) ReadStdout(max int) (string, error) {
	f, err := os.Open(d.stdoutLog)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Seek(d.stdoutOff, io.SeekStart); err != nil {
		return "", err
	}
	buf := make([]byte, max)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	d.stdoutOff += int64(n)
	return string(buf[:n]), nil
}

// Kill terminates the debugged process
func (d *DelveBackend) Kill() error {
	if d.client == nil || d.detached {
		return nil
	}
	d.detached = true
	if err := d.client.Detach(true); err != nil {
		return fmt.Errorf("failed to kill target: %w", err)
	}
	return nil
}

// Close terminates the connection and the Delve process
func (d *DelveBackend) Close() error {
	var closeErr error
	if d.client != nil {
		if !d.detached {
			if err := d.client.Disconnect(false); err != nil {
				closeErr = fmt.Errorf("failed to disconnect delve client: %w", err)
			}
		}
		d.client = nil
	}
	if d.dlvCmd != nil && d.dlvCmd.Process != nil {
		pid := d.dlvCmd.Process.Pid
		if err := killProcess(d.dlvCmd); err != nil {
			d.log.Warn("error killing delve process", "pid", pid, "error", err)
			closeErr = fmt.Errorf("failed to kill delve process: %w", err)
		}
		// Wait for the process to release resources
		if _, waitErr := d.dlvCmd.Process.Wait(); waitErr != nil && !isWaitAlreadyExited(waitErr) {
			d.log.Debug("error waiting for delve process", "pid", pid, "error", waitErr)
		}
		d.log.Debug("delve process terminated", "pid", pid)
		d.dlvCmd = nil
	}
	if d.stdoutLog != "" {
		os.Remove(d.stdoutLog)
		d.stdoutLog = ""
	}
	return closeErr
}

// Helper to check for specific Wait error on Windows
func isWaitAlreadyExited(err error) bool {
	if e, ok := err.(*exec.ExitError); ok {
		if status, ok := e.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus() == -1
		}
	}
	return strings.Contains(err.Error(), "no child processes")
}

func convertBreakpoint(bp *api.Breakpoint) *Breakpoint {
	return &Breakpoint{
		ID:           bp.ID,
		FunctionName: bp.FunctionName,
		File:         bp.File,
		Line:         bp.Line,
		Addr:         bp.Addr,
	}
}

var charTypes = map[string]bool{
	"char":          true,
	"signed char":   true,
	"unsigned char": true,
}

func classOf(v *api.Variable) TypeClass {
	switch v.Kind {
	case reflect.Int8, reflect.Uint8:
		if charTypes[v.Type] {
			return ClassChar
		}
		return ClassInteger
	case reflect.Bool, reflect.Int, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return ClassInteger
	case reflect.Float32, reflect.Float64:
		return ClassFloat
	case reflect.Ptr, reflect.UnsafePointer:
		return ClassPointer
	case reflect.Array:
		return ClassArray
	case reflect.Struct:
		return ClassAggregate
	default:
		return ClassOther
	}
}

// kindSizes maps scalar kinds to their byte size on the 64-bit targets dlv supports
var kindSizes = map[reflect.Kind]int64{
	reflect.Bool: 1, reflect.Int8: 1, reflect.Uint8: 1,
	reflect.Int16: 2, reflect.Uint16: 2,
	reflect.Int32: 4, reflect.Uint32: 4, reflect.Float32: 4,
	reflect.Int: 8, reflect.Uint: 8, reflect.Int64: 8, reflect.Uint64: 8,
	reflect.Uintptr: 8, reflect.Float64: 8,
	reflect.Ptr: 8, reflect.UnsafePointer: 8,
}

func convertType(v *api.Variable) *Type {
	t := &Type{Name: v.Type, Class: classOf(v), Size: kindSizes[v.Kind]}
	switch t.Class {
	case ClassPointer:
		if len(v.Children) > 0 {
			t.Elem = convertType(&v.Children[0])
		} else {
			name := strings.TrimPrefix(v.Type, "*")
			class := ClassOther
			if charTypes[name] {
				class = ClassChar
			}
			t.Elem = &Type{Name: name, Class: class}
		}
	case ClassArray:
		if len(v.Children) > 0 {
			t.Elem = convertType(&v.Children[0])
			t.Size = t.Elem.Size * v.Len
		}
	case ClassAggregate:
		for i := range v.Children {
			c := &v.Children[i]
			t.Fields = append(t.Fields, Field{Name: c.Name, Type: convertType(c)})
		}
	}
	return t
}

func convertVariable(v *api.Variable) Value {
	val := Value{
		Name:    v.Name,
		Type:    convertType(v),
		Addr:    v.Addr,
		Text:    v.Value,
		InScope: v.Unreadable == "" && v.Flags&api.VariableShadowed == 0,
	}
	switch val.Type.Class {
	case ClassInteger, ClassChar:
		if n, err := strconv.ParseInt(v.Value, 0, 64); err == nil {
			val.Int, val.Uint = n, uint64(n)
		} else if u, err := strconv.ParseUint(v.Value, 0, 64); err == nil {
			val.Int, val.Uint = int64(u), u
		}
		if val.Type.Class == ClassChar {
			val.Text = fmt.Sprintf("'%c'", rune(byte(val.Int)))
		}
	case ClassPointer:
		if len(v.Children) > 0 {
			val.Uint = v.Children[0].Addr
		}
	case ClassArray, ClassAggregate:
		for i := range v.Children {
			val.Children = append(val.Children, convertVariable(&v.Children[i]))
		}
	}
	return val
}
