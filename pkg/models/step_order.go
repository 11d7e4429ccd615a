package models

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrStepNotInOrder indicates a step id that is not part of the ordering.
	ErrStepNotInOrder = errors.New("step not found in template")

	// ErrStepPosition indicates an insert position outside [1, len+1].
	ErrStepPosition = errors.New("step position out of range")
)

// StepOrder keeps template steps in an arena keyed by id plus an explicit
// ordered id list. Sequence numbers are derived from the list, never from
// the caller's slice positions.
type StepOrder struct {
	steps map[string]*WorkflowStep
	order []string
}

// NewStepOrder builds an ordering from steps. Steps carrying an explicit
// StepNumber are ordered by it; steps with StepNumber zero keep their
// relative slice position after the numbered ones. Every step must have an ID.
func NewStepOrder(steps []*WorkflowStep) *StepOrder {
	indexed := make([]*WorkflowStep, len(steps))
	copy(indexed, steps)

	sort.SliceStable(indexed, func(i, j int) bool {
		a, b := indexed[i].StepNumber, indexed[j].StepNumber
		if a == 0 || b == 0 {
			return a != 0 && b == 0
		}

		return a < b
	})

	o := &StepOrder{
		steps: make(map[string]*WorkflowStep, len(indexed)),
		order: make([]string, 0, len(indexed)),
	}

	for _, step := range indexed {
		o.steps[step.ID] = step
		o.order = append(o.order, step.ID)
	}

	o.renumber()

	return o
}

// Len returns the number of steps.
func (o *StepOrder) Len() int {
	return len(o.order)
}

// Insert places step at the 1-based position, shifting later steps down.
func (o *StepOrder) Insert(position int, step *WorkflowStep) error {
	if position < 1 || position > len(o.order)+1 {
		return fmt.Errorf("%w: %d", ErrStepPosition, position)
	}

	o.steps[step.ID] = step
	o.order = append(o.order, "")
	copy(o.order[position:], o.order[position-1:])
	o.order[position-1] = step.ID
	o.renumber()

	return nil
}

// Remove deletes the step with the given id and renumbers the remainder.
func (o *StepOrder) Remove(id string) error {
	for i, stepID := range o.order {
		if stepID == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			delete(o.steps, id)
			o.renumber()

			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrStepNotInOrder, id)
}

// Steps returns the steps in sequence order.
func (o *StepOrder) Steps() []*WorkflowStep {
	steps := make([]*WorkflowStep, 0, len(o.order))
	for _, id := range o.order {
		steps = append(steps, o.steps[id])
	}

	return steps
}

func (o *StepOrder) renumber() {
	for i, id := range o.order {
		o.steps[id].StepNumber = i + 1
	}
}
