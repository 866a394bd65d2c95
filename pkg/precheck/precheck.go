// Package precheck rejects programs that call functions the tracer does not
// allow, before anything is compiled or run.
package precheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
)

// ErrBlockedCall is returned when the program calls a blocked function
var ErrBlockedCall = errors.New("program calls a blocked function")

// DefaultBlocked lists the file and input functions a traced program may not call
var DefaultBlocked = []string{"fopen", "fprintf", "fwrite", "fputs", "scanf"}

// Finding is one call to a blocked function
type Finding struct {
	Function string
	// Line and Column are 1-based
	Line   int
	Column int
}

func (f Finding) String() string {
	return fmt.Sprintf("%d:%d: call to %s", f.Line, f.Column, f.Function)
}

// Checker finds calls to blocked functions in C source
type Checker struct {
	blocked map[string]bool
	log     *slog.Logger
}

// New creates a checker for the given function names. A nil list uses DefaultBlocked.
func New(blocked []string, log *slog.Logger) *Checker {
	if blocked == nil {
		blocked = DefaultBlocked
	}
	if log == nil {
		log = slog.Default()
	}
	set := make(map[string]bool, len(blocked))
	for _, name := range blocked {
		set[name] = true
	}
	return &Checker{blocked: set, log: log.With("component", "precheck")}
}

// Check runs the default checker
func Check(ctx context.Context, src []byte) ([]Finding, error) {
	return New(nil, nil).Check(ctx, src)
}

// Check parses src and returns every blocked call in source order. The
// error wraps ErrBlockedCall when there is at least one. Syntax errors are
// logged; the parts that did parse are still checked.
func (ch *Checker) Check(ctx context.Context, src []byte) ([]Finding, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(c.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		ch.log.Warn("source has syntax errors")
	}

	var findings []Finding
	ch.walk(root, src, &findings)
	if len(findings) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(findings))
	for _, f := range findings {
		names = append(names, f.String())
	}
	return findings, fmt.Errorf("%w: %s", ErrBlockedCall, strings.Join(names, ", "))
}

func (ch *Checker) walk(node *sitter.Node, src []byte, out *[]Finding) {
	if node == nil {
		return
	}
	if node.Type() == "call_expression" {
		if fn := node.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" {
			name := fn.Content(src)
			if ch.blocked[name] {
				p := fn.StartPoint()
				*out = append(*out, Finding{Function: name, Line: int(p.Row) + 1, Column: int(p.Column) + 1})
			}
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		ch.walk(node.NamedChild(i), src, out)
	}
}
