// Package recorder collects the trace steps of a run.
package recorder

import (
	"errors"

	"github.com/willibrandon/ctutor/pkg/trace"
)

// Recorder is an append-only sink of trace steps
type Recorder interface {
	RecordStep(s trace.Step) error
	Steps() []trace.Step
	Clear()
}

type InMemoryRecorder struct {
	steps []trace.Step
}

func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{steps: []trace.Step{}}
}

func (r *InMemoryRecorder) RecordStep(s trace.Step) error {
	r.steps = append(r.steps, s)
	return nil
}

func (r *InMemoryRecorder) Steps() []trace.Step {
	return r.steps
}

func (r *InMemoryRecorder) Clear() {
	r.steps = []trace.Step{}
}

// Tee records every step to all recorders. Steps are read from the first.
type Tee []Recorder

func (t Tee) RecordStep(s trace.Step) error {
	var errs []error
	for _, r := range t {
		if err := r.RecordStep(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Steps() []trace.Step {
	if len(t) == 0 {
		return nil
	}
	return t[0].Steps()
}

func (t Tee) Clear() {
	for _, r := range t {
		r.Clear()
	}
}
