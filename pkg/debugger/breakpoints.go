package debugger

import (
	"fmt"
	"strconv"
	"strings"
)

// BreakpointType defines the type of breakpoint
type BreakpointType int

const (
	// FunctionBreakpoint breaks at a function entry
	FunctionBreakpoint BreakpointType = iota
	// LocationBreakpoint breaks at a specific file:line
	LocationBreakpoint
)

// ManagedBreakpoint is a breakpoint the tracer asked for, plus the backend
// breakpoint it was installed as
type ManagedBreakpoint struct {
	ID       int
	Type     BreakpointType
	Function string // For FunctionBreakpoint
	File     string // For LocationBreakpoint
	Line     int    // For LocationBreakpoint
	Enabled  bool
	// Installed is nil until Install succeeded
	Installed *Breakpoint
}

// String returns the location in the form it was parsed from
func (bp *ManagedBreakpoint) String() string {
	if bp.Type == LocationBreakpoint {
		return fmt.Sprintf("%s:%d", bp.File, bp.Line)
	}
	return bp.Function
}

// BreakpointSetter is the part of Backend the manager needs
type BreakpointSetter interface {
	SetFunctionBreakpoint(name string) (*Breakpoint, error)
	SetBreakpoint(file string, line int) (*Breakpoint, error)
	ClearBreakpoint(id int) error
}

// BreakpointManager keeps the ledger of breakpoints set during a session
type BreakpointManager struct {
	breakpoints []*ManagedBreakpoint
	nextID      int
}

// NewBreakpointManager creates a new breakpoint manager
func NewBreakpointManager() *BreakpointManager {
	return &BreakpointManager{
		breakpoints: make([]*ManagedBreakpoint, 0),
		nextID:      1,
	}
}

// AddBreakpoint adds a breakpoint at the specified location. Locations are
// "func:<name>", "<file>:<line>" or a bare symbol name.
func (bm *BreakpointManager) AddBreakpoint(location string) (*ManagedBreakpoint, error) {
	if location == "" {
		return nil, fmt.Errorf("empty breakpoint location")
	}
	bp := &ManagedBreakpoint{Enabled: true}

	if strings.HasPrefix(location, "func:") {
		bp.Type = FunctionBreakpoint
		bp.Function = strings.TrimPrefix(location, "func:")
	} else if lastColonIndex := strings.LastIndex(location, ":"); lastColonIndex != -1 {
		// Find the last colon to handle Windows paths (e.g., C:/path/to/file.c:42)
		line, err := strconv.Atoi(location[lastColonIndex+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid line number: %w", err)
		}
		bp.Type = LocationBreakpoint
		bp.File = location[:lastColonIndex]
		bp.Line = line
	} else {
		bp.Type = FunctionBreakpoint
		bp.Function = location
	}

	bp.ID = bm.nextID
	bm.nextID++
	bm.breakpoints = append(bm.breakpoints, bp)
	return bp, nil
}

// GetBreakpoints returns all breakpoints
func (bm *BreakpointManager) GetBreakpoints() []*ManagedBreakpoint {
	return bm.breakpoints
}

// RemoveBreakpoint removes a breakpoint by ID
func (bm *BreakpointManager) RemoveBreakpoint(id int) error {
	for i, bp := range bm.breakpoints {
		if bp.ID == id {
			bm.breakpoints = append(bm.breakpoints[:i], bm.breakpoints[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("breakpoint %d not found", id)
}

// EnableBreakpoint enables a breakpoint by ID
func (bm *BreakpointManager) EnableBreakpoint(id int) error {
	for _, bp := range bm.breakpoints {
		if bp.ID == id {
			bp.Enabled = true
			return nil
		}
	}
	return fmt.Errorf("breakpoint %d not found", id)
}

// DisableBreakpoint disables a breakpoint by ID
func (bm *BreakpointManager) DisableBreakpoint(id int) error {
	for _, bp := range bm.breakpoints {
		if bp.ID == id {
			bp.Enabled = false
			return nil
		}
	}
	return fmt.Errorf("breakpoint %d not found", id)
}

// Install sets every enabled, not yet installed breakpoint in the backend.
// It returns the number installed; failures are collected, not fatal.
func (bm *BreakpointManager) Install(b BreakpointSetter) (int, error) {
	var errs []string
	installed := 0
	for _, bp := range bm.breakpoints {
		if !bp.Enabled || bp.Installed != nil {
			continue
		}
		var (
			got *Breakpoint
			err error
		)
		if bp.Type == LocationBreakpoint {
			got, err = b.SetBreakpoint(bp.File, bp.Line)
		} else {
			got, err = b.SetFunctionBreakpoint(bp.Function)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", bp, err))
			continue
		}
		bp.Installed = got
		installed++
	}
	if len(errs) > 0 {
		return installed, fmt.Errorf("failed to install breakpoints: %s", strings.Join(errs, "; "))
	}
	return installed, nil
}

// ClearInstalled removes every installed breakpoint from the backend
func (bm *BreakpointManager) ClearInstalled(b BreakpointSetter) error {
	var firstErr error
	for _, bp := range bm.breakpoints {
		if bp.Installed == nil {
			continue
		}
		if err := b.ClearBreakpoint(bp.Installed.ID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clear breakpoint %s: %w", bp, err)
		}
		bp.Installed = nil
	}
	return firstErr
}

// Match returns the enabled breakpoint the state is stopped at, if any
func (bm *BreakpointManager) Match(st *State) *ManagedBreakpoint {
	if st == nil {
		return nil
	}
	for _, bp := range bm.breakpoints {
		if !bp.Enabled {
			continue
		}
		switch bp.Type {
		case FunctionBreakpoint:
			if st.Function == bp.Function {
				return bp
			}
		case LocationBreakpoint:
			if st.Line == bp.Line && SameFile(st.File, bp.File) {
				return bp
			}
		}
	}
	return nil
}

// SameFile compares paths ignoring separators and allowing a relative suffix
func SameFile(a, b string) bool {
	a = strings.ReplaceAll(a, "\\", "/")
	b = strings.ReplaceAll(b, "\\", "/")
	return a == b || strings.HasSuffix(a, "/"+b) || strings.HasSuffix(b, "/"+a)
}
