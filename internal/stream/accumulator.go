package stream

import (
	"sort"

	"github.com/timemachine-studio/tm-relay/internal/models"
)

// Accumulator folds tool-call delta events into complete invocations. A
// single invocation's argument JSON may arrive as many fragments sharing an
// index; fragments concatenate in arrival order, never overwrite.
type Accumulator struct {
	partials map[int]*models.ToolCall
	order    []int
}

// NewAccumulator constructs an empty accumulator for one stream.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		partials: make(map[int]*models.ToolCall),
	}
}

// Add folds one tool-call delta into the accumulator.
func (a *Accumulator) Add(event models.StreamEvent) {
	call, ok := a.partials[event.Index]
	if !ok {
		call = &models.ToolCall{Index: event.Index}
		a.partials[event.Index] = call
		a.order = append(a.order, event.Index)
	}
	if event.ID != "" {
		call.ID = event.ID
	}
	if event.Name != "" {
		call.Name = event.Name
	}
	call.Arguments += event.ArgsFragment
}

// Finish materializes the accumulated invocations in ascending index order,
// which matches the order the provider introduced them, and clears the
// accumulator for reuse.
func (a *Accumulator) Finish() []models.ToolCall {
	if len(a.order) == 0 {
		return nil
	}

	order := make([]int, len(a.order))
	copy(order, a.order)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i] < order[j]
	})

	calls := make([]models.ToolCall, 0, len(order))
	for _, index := range order {
		calls = append(calls, *a.partials[index])
	}

	a.partials = make(map[int]*models.ToolCall)
	a.order = nil
	return calls
}
