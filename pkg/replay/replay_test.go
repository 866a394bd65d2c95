package replay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/willibrandon/ctutor/pkg/trace"
)

func testSteps() []trace.Step {
	return []trace.Step{
		{FuncName: "main", Line: 3, Event: "breakpoint 2"},
		{FuncName: "main", Line: 4, Event: "step in"},
		{FuncName: "helper", Line: 10, Event: "step in"},
		{FuncName: "helper", Line: 11, Event: "step in"},
		{FuncName: "main", Line: 5, Event: "step out"},
	}
}

func TestBasicReplayerLoading(t *testing.T) {
	// Create a replayer
	replayer := NewBasicReplayer(nil)

	steps := testSteps()[:2]

	// Load steps
	err := replayer.LoadSteps(steps)
	if err != nil {
		t.Fatalf("Failed to load steps: %v", err)
	}

	// Check current index
	if replayer.CurrentIndex() != -1 {
		t.Errorf("Expected current index to be -1, got %d", replayer.CurrentIndex())
	}
	if _, ok := replayer.Current(); ok {
		t.Error("Expected no current step before replay")
	}

	// Check steps
	if len(replayer.Steps()) != len(steps) {
		t.Errorf("Expected %d steps, got %d", len(steps), len(replayer.Steps()))
	}
}

func TestReplayToStepIndex(t *testing.T) {
	replayer := NewBasicReplayer(nil)
	replayer.LoadSteps(testSteps())

	// Replay to index 1
	if err := replayer.ReplayToStepIndex(1); err != nil {
		t.Fatalf("Failed to replay to step index: %v", err)
	}
	if replayer.CurrentIndex() != 1 {
		t.Errorf("Expected current index to be 1, got %d", replayer.CurrentIndex())
	}

	// Test invalid index (negative)
	if err := replayer.ReplayToStepIndex(-5); err != nil {
		t.Errorf("ReplayToStepIndex with negative index should not return error")
	}

	// Test invalid index (beyond array)
	if err := replayer.ReplayToStepIndex(100); err != nil {
		t.Errorf("ReplayToStepIndex with out-of-bounds index should not return error")
	}
	if replayer.CurrentIndex() != 1 {
		t.Errorf("Out of range moves must keep index 1, got %d", replayer.CurrentIndex())
	}
}

func TestStepBackward(t *testing.T) {
	replayer := NewBasicReplayer(nil)
	replayer.LoadSteps(testSteps()[:3])

	// Set to index 2
	replayer.ReplayToStepIndex(2)

	// Step back
	newIdx, err := replayer.StepBackward(replayer.CurrentIndex())
	if err != nil {
		t.Fatalf("Failed to step backward: %v", err)
	}
	if newIdx != 1 {
		t.Errorf("Expected new index to be 1, got %d", newIdx)
	}

	// Step back again
	newIdx, err = replayer.StepBackward(replayer.CurrentIndex())
	if err != nil {
		t.Fatalf("Failed to step backward: %v", err)
	}
	if newIdx != 0 {
		t.Errorf("Expected new index to be 0, got %d", newIdx)
	}

	// Step back at beginning should fail
	if _, err = replayer.StepBackward(replayer.CurrentIndex()); err == nil {
		t.Errorf("Expected error when stepping back at beginning, got nil")
	}
}

func TestReplayUntil(t *testing.T) {
	var out bytes.Buffer
	replayer := NewBasicReplayer(&out)
	replayer.LoadSteps(testSteps())

	err := replayer.ReplayUntil(func(step trace.Step) bool {
		return step.FuncName == "helper"
	})
	if err != nil {
		t.Fatalf("Failed to replay until condition: %v", err)
	}

	if replayer.CurrentIndex() != 2 {
		t.Errorf("Expected current index to be 2, got %d", replayer.CurrentIndex())
	}
	if !strings.Contains(out.String(), "Stopped at step 2") {
		t.Errorf("Expected stop report, got %q", out.String())
	}

	// The next search starts after the current step
	err = replayer.ReplayUntil(func(step trace.Step) bool {
		return step.FuncName == "helper"
	})
	if err != nil {
		t.Fatal(err)
	}
	if replayer.CurrentIndex() != 3 {
		t.Errorf("Expected current index to be 3, got %d", replayer.CurrentIndex())
	}
}

func TestReplayForward(t *testing.T) {
	var out bytes.Buffer
	replayer := NewBasicReplayer(&out)
	steps := testSteps()
	replayer.LoadSteps(steps)

	if err := replayer.ReplayForward(); err != nil {
		t.Fatalf("Failed to replay steps: %v", err)
	}
	if replayer.CurrentIndex() != len(steps)-1 {
		t.Errorf("Expected current index to be %d, got %d", len(steps)-1, replayer.CurrentIndex())
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(steps)+1 {
		t.Fatalf("Expected %d report lines, got %d: %q", len(steps)+1, len(lines), out.String())
	}
	if lines[2] != "Step 2: helper line 10 - step in" {
		t.Errorf("Unexpected step line %q", lines[2])
	}
	if lines[len(lines)-1] != "Replay complete" {
		t.Errorf("Expected completion line, got %q", lines[len(lines)-1])
	}
}

func TestReplayerWithNoSteps(t *testing.T) {
	replayer := NewBasicReplayer(nil)

	if err := replayer.ReplayForward(); err != nil {
		t.Errorf("ReplayForward with no steps should not return error, got: %v", err)
	}
	if err := replayer.ReplayUntil(func(trace.Step) bool { return true }); err != nil {
		t.Errorf("ReplayUntil with no steps should not return error, got: %v", err)
	}
}
