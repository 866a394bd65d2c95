package replay

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/willibrandon/ctutor/pkg/debugger"
	"github.com/willibrandon/ctutor/pkg/trace"
)

// CLI is an interactive browser over a recorded trace document
type CLI struct {
	doc       *trace.Document
	replayer  *BasicReplayer
	bpManager *debugger.BreakpointManager
	source    string
	lines     []string
	out       io.Writer
	running   bool
}

// NewCLI creates a browser over doc. source names the traced file and is
// used for file:line breakpoints.
func NewCLI(doc *trace.Document, source string, out io.Writer) *CLI {
	r := NewBasicReplayer(out)
	r.LoadSteps(doc.Trace)
	if len(doc.Trace) > 0 {
		r.ReplayToStepIndex(0)
	}
	return &CLI{
		doc:       doc,
		replayer:  r,
		bpManager: debugger.NewBreakpointManager(),
		source:    source,
		lines:     strings.Split(doc.Code, "\n"),
		out:       out,
	}
}

// Run reads commands from in until quit or end of input
func (c *CLI) Run(in io.Reader) error {
	c.running = true
	scanner := bufio.NewScanner(in)

	fmt.Fprintf(c.out, "ctutor trace browser: %d steps\n", len(c.doc.Trace))
	c.showCurrent()

	for c.running {
		fmt.Fprint(c.out, "(ctutor) ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			break
		}
		c.handleCommand(strings.TrimSpace(scanner.Text()))
	}
	return scanner.Err()
}

// printHelp displays available commands
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\nAvailable commands:")
	fmt.Fprintln(c.out, "  next (n) [count]  - Step forward")
	fmt.Fprintln(c.out, "  back (b) [count]  - Step backward")
	fmt.Fprintln(c.out, "  goto (g) <step>   - Jump to a step")
	fmt.Fprintln(c.out, "  until (u) <line>  - Run forward to a source line")
	fmt.Fprintln(c.out, "  continue (c)      - Run forward to the next breakpoint")
	fmt.Fprintln(c.out, "  print (p) <var>   - Print a local or global")
	fmt.Fprintln(c.out, "  stack (bt)        - Show the frames of this step")
	fmt.Fprintln(c.out, "  heap              - Show live heap objects")
	fmt.Fprintln(c.out, "  stdout (o)        - Show program output so far")
	fmt.Fprintln(c.out, "  list (l)          - Show source around this line")
	fmt.Fprintln(c.out, "  info (i)          - Show the current step")

	fmt.Fprintln(c.out, "\nBreakpoint commands:")
	fmt.Fprintln(c.out, "  bp <line|func>    - Set a breakpoint")
	fmt.Fprintln(c.out, "  bp list           - List breakpoints")
	fmt.Fprintln(c.out, "  bp remove <id>    - Remove a breakpoint")
	fmt.Fprintln(c.out, "  bp enable <id>    - Enable a breakpoint")
	fmt.Fprintln(c.out, "  bp disable <id>   - Disable a breakpoint")

	fmt.Fprintln(c.out, "\nGeneral commands:")
	fmt.Fprintln(c.out, "  help (h)          - Show this help message")
	fmt.Fprintln(c.out, "  quit (q)          - Exit the browser")
}

// handleCommand processes user input
func (c *CLI) handleCommand(input string) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return
	}

	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "h", "help":
		c.printHelp()
	case "n", "next":
		c.handleMove(args, 1)
	case "b", "back":
		c.handleMove(args, -1)
	case "g", "goto":
		c.handleGoto(args)
	case "u", "until":
		c.handleUntil(args)
	case "c", "continue":
		c.handleContinue()
	case "p", "print":
		c.handlePrint(args)
	case "bt", "stack":
		c.handleStack()
	case "heap":
		c.handleHeap()
	case "o", "stdout":
		c.handleStdout()
	case "l", "list":
		c.handleList()
	case "i", "info":
		c.showCurrent()
	case "bp", "breakpoint":
		c.handleBreakpointCommand(args)
	case "q", "quit", "exit":
		c.running = false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n", cmd)
	}
}

func (c *CLI) current() (trace.Step, bool) {
	return c.replayer.Current()
}

func (c *CLI) showCurrent() {
	step, ok := c.current()
	if !ok {
		fmt.Fprintln(c.out, "No current step")
		return
	}
	fmt.Fprintln(c.out, FormatStep(c.replayer.CurrentIndex(), step))
	if src := c.sourceLine(step.Line); src != "" {
		fmt.Fprintf(c.out, "%4d  %s\n", step.Line, src)
	}
}

func (c *CLI) sourceLine(line int) string {
	if line < 1 || line > len(c.lines) {
		return ""
	}
	return strings.TrimSpace(c.lines[line-1])
}

// countArg parses an optional positive repeat count
func countArg(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid count %q", args[0])
	}
	return n, nil
}

func (c *CLI) handleMove(args []string, dir int) {
	n, err := countArg(args)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	target := c.replayer.CurrentIndex() + dir*n
	switch {
	case target < 0:
		fmt.Fprintln(c.out, "Already at the first step")
		target = 0
	case target >= len(c.doc.Trace):
		fmt.Fprintln(c.out, "Already at the last step")
		target = len(c.doc.Trace) - 1
	}
	c.replayer.ReplayToStepIndex(target)
	c.showCurrent()
}

func (c *CLI) handleGoto(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: goto <step>")
		return
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 0 || idx >= len(c.doc.Trace) {
		fmt.Fprintf(c.out, "Step must be between 0 and %d\n", len(c.doc.Trace)-1)
		return
	}
	c.replayer.ReplayToStepIndex(idx)
	c.showCurrent()
}

func (c *CLI) handleUntil(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: until <line>")
		return
	}
	line, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid line number: %v\n", err)
		return
	}
	c.runUntil(func(s trace.Step) bool { return s.Line == line })
}

func (c *CLI) handleContinue() {
	if len(c.bpManager.GetBreakpoints()) == 0 {
		fmt.Fprintln(c.out, "No breakpoints set")
	}
	c.runUntil(func(s trace.Step) bool {
		st := &debugger.State{File: c.source, Line: s.Line, Function: s.FuncName}
		if bp := c.bpManager.Match(st); bp != nil {
			fmt.Fprintf(c.out, "Breakpoint %d at %s\n", bp.ID, bp)
			return true
		}
		return false
	})
}

// runUntil moves forward silently to the first later step matching stop
func (c *CLI) runUntil(stop func(trace.Step) bool) {
	start := c.replayer.CurrentIndex()
	for i := start + 1; i < len(c.doc.Trace); i++ {
		if stop(c.doc.Trace[i]) {
			c.replayer.ReplayToStepIndex(i)
			c.showCurrent()
			return
		}
	}
	fmt.Fprintln(c.out, "Reached the end of the trace")
	c.replayer.ReplayToStepIndex(len(c.doc.Trace) - 1)
	c.showCurrent()
}

func (c *CLI) handlePrint(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: print <var>")
		return
	}
	step, ok := c.current()
	if !ok {
		fmt.Fprintln(c.out, "No current step")
		return
	}
	name := args[0]
	if len(step.StackToRender) > 0 {
		if v, ok := step.StackToRender[0].EncodedLocals[name]; ok {
			fmt.Fprintf(c.out, "%s = %s\n", name, v)
			return
		}
	}
	if v, ok := step.Globals[name]; ok {
		fmt.Fprintf(c.out, "%s = %s (global)\n", name, v)
		return
	}
	fmt.Fprintf(c.out, "No variable %q in this step\n", name)
}

func (c *CLI) handleStack() {
	step, ok := c.current()
	if !ok {
		fmt.Fprintln(c.out, "No current step")
		return
	}
	for i, f := range step.StackToRender {
		fmt.Fprintf(c.out, "#%d %s\n", i, f.FuncName)
		for _, name := range f.OrderedVarnames {
			fmt.Fprintf(c.out, "    %s = %s\n", name, f.EncodedLocals[name])
		}
	}
	if len(step.OrderedGlobals) > 0 {
		fmt.Fprintln(c.out, "globals")
		for _, name := range step.OrderedGlobals {
			fmt.Fprintf(c.out, "    %s = %s\n", name, step.Globals[name])
		}
	}
}

func (c *CLI) handleHeap() {
	step, ok := c.current()
	if !ok {
		fmt.Fprintln(c.out, "No current step")
		return
	}
	if len(step.Heap) == 0 {
		fmt.Fprintln(c.out, "Heap is empty")
		return
	}
	addrs := make([]uint64, 0, len(step.Heap))
	for a := range step.Heap {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		fmt.Fprintf(c.out, "%#x: %s\n", a, step.Heap[a])
	}
}

func (c *CLI) handleStdout() {
	step, ok := c.current()
	if !ok {
		fmt.Fprintln(c.out, "No current step")
		return
	}
	if step.Stdout == "" {
		fmt.Fprintln(c.out, "(no output yet)")
		return
	}
	fmt.Fprint(c.out, step.Stdout)
	if !strings.HasSuffix(step.Stdout, "\n") {
		fmt.Fprintln(c.out)
	}
}

func (c *CLI) handleList() {
	step, ok := c.current()
	if !ok {
		fmt.Fprintln(c.out, "No current step")
		return
	}
	from := max(step.Line-3, 1)
	to := min(step.Line+3, len(c.lines))
	for n := from; n <= to; n++ {
		marker := "  "
		if n == step.Line {
			marker = "=>"
		}
		fmt.Fprintf(c.out, "%s %4d  %s\n", marker, n, c.lines[n-1])
	}
}

// handleBreakpointCommand handles all breakpoint-related commands
func (c *CLI) handleBreakpointCommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "Usage: bp <line|func> or bp <command> [args]")
		fmt.Fprintln(c.out, "Commands: list, remove, enable, disable")
		return
	}

	switch args[0] {
	case "list":
		c.handleListBreakpoints()
	case "remove", "enable", "disable":
		if len(args) < 2 {
			fmt.Fprintf(c.out, "Usage: bp %s <id>\n", args[0])
			return
		}
		id, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(c.out, "Invalid breakpoint ID: %v\n", err)
			return
		}
		switch args[0] {
		case "remove":
			err = c.bpManager.RemoveBreakpoint(id)
		case "enable":
			err = c.bpManager.EnableBreakpoint(id)
		default:
			err = c.bpManager.DisableBreakpoint(id)
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "Breakpoint %d: %sd\n", id, args[0])
	default:
		loc := args[0]
		if _, err := strconv.Atoi(loc); err == nil {
			loc = c.source + ":" + loc
		}
		bp, err := c.bpManager.AddBreakpoint(loc)
		if err != nil {
			fmt.Fprintf(c.out, "Error setting breakpoint: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "Breakpoint %d set at %s\n", bp.ID, bp)
	}
}

func (c *CLI) handleListBreakpoints() {
	bps := c.bpManager.GetBreakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(c.out, "No breakpoints set")
		return
	}
	for _, bp := range bps {
		status := "enabled"
		if !bp.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(c.out, "%d: %s [%s]\n", bp.ID, bp, status)
	}
}
