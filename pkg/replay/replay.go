package replay

import (
	"fmt"
	"io"

	"github.com/willibrandon/ctutor/pkg/trace"
)

// Replayer interface defines methods for replaying recorded steps
type Replayer interface {
	// LoadSteps loads recorded steps into the replayer
	LoadSteps([]trace.Step) error

	// ReplayForward replays all steps from the current position
	ReplayForward() error

	// ReplayUntil replays steps until stop reports true
	ReplayUntil(stop func(step trace.Step) bool) error

	// ReplayToStepIndex moves to the specified index
	ReplayToStepIndex(idx int) error

	// StepBackward steps backward from the current index
	// returns the new index after stepping back
	StepBackward(currentIdx int) (int, error)

	// CurrentIndex returns the current step index
	CurrentIndex() int

	// Steps returns all loaded steps
	Steps() []trace.Step
}

// BasicReplayer implements the Replayer interface
type BasicReplayer struct {
	steps      []trace.Step
	currentIdx int
	out        io.Writer
}

// NewBasicReplayer creates a new BasicReplayer that reports to out.
// A nil out discards the report.
func NewBasicReplayer(out io.Writer) *BasicReplayer {
	if out == nil {
		out = io.Discard
	}
	return &BasicReplayer{
		steps:      []trace.Step{},
		currentIdx: -1,
		out:        out,
	}
}

// LoadSteps loads the given steps into the replayer
func (r *BasicReplayer) LoadSteps(steps []trace.Step) error {
	r.steps = steps
	r.currentIdx = -1
	return nil
}

// ReplayForward replays all steps from current position to the end
func (r *BasicReplayer) ReplayForward() error {
	return r.ReplayUntil(nil)
}

// ReplayUntil replays steps until stop reports true.
// If stop is nil, replay all steps
func (r *BasicReplayer) ReplayUntil(stop func(step trace.Step) bool) error {
	if len(r.steps) == 0 {
		return nil
	}

	startIdx := r.currentIdx + 1
	if startIdx < 0 {
		startIdx = 0
	}

	for i := startIdx; i < len(r.steps); i++ {
		step := r.steps[i]

		// Check the stop condition BEFORE reporting
		if stop != nil && stop(step) {
			fmt.Fprintf(r.out, "Stopped at step %d\n", i)
			r.currentIdx = i
			return nil
		}

		fmt.Fprintln(r.out, FormatStep(i, step))
		r.currentIdx = i
	}

	fmt.Fprintln(r.out, "Replay complete")
	return nil
}

// ReplayToStepIndex moves to the specified index.
// Out of range indices leave the position unchanged.
func (r *BasicReplayer) ReplayToStepIndex(idx int) error {
	if idx < 0 || idx >= len(r.steps) {
		return nil
	}

	r.currentIdx = idx
	return nil
}

// StepBackward moves one step backward in the trace
func (r *BasicReplayer) StepBackward(currentIdx int) (int, error) {
	if currentIdx <= 0 {
		return 0, fmt.Errorf("already at the beginning")
	}

	newIdx := currentIdx - 1
	r.currentIdx = newIdx
	return newIdx, nil
}

// CurrentIndex returns the current step index
func (r *BasicReplayer) CurrentIndex() int {
	return r.currentIdx
}

// Current returns the step at the current index
func (r *BasicReplayer) Current() (trace.Step, bool) {
	if r.currentIdx < 0 || r.currentIdx >= len(r.steps) {
		return trace.Step{}, false
	}
	return r.steps[r.currentIdx], true
}

// Steps returns all loaded steps
func (r *BasicReplayer) Steps() []trace.Step {
	return r.steps
}

// FormatStep returns a one line summary of a step
func FormatStep(idx int, step trace.Step) string {
	return fmt.Sprintf("Step %d: %s line %d - %s", idx, step.FuncName, step.Line, step.Event)
}
