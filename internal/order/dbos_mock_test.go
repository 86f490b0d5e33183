package order

import (
	"context"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// mockDBOSContext is the manual DBOSContext test double: it embeds the
// real interface (left nil) and overrides only the two entry points this
// package exercises. Steps run inline against whatever exchange client
// the test wired up, so determinism comes from that client's scripted
// responses rather than from the workflow plumbing. Any other
// DBOSContext method is unreachable from these tests.
type mockDBOSContext struct {
	dbos.DBOSContext

	// StepResults/StepErrors optionally override specific steps by call
	// order; a step beyond the scripted length runs fn unmodified.
	StepResults []any
	StepErrors  []error
	StepIndex   int
}

func (m *mockDBOSContext) RunAsStep(ctx dbos.DBOSContext, fn dbos.StepFunc, opts ...dbos.StepOption) (any, error) {
	res, err := fn(context.Background())
	if m.StepIndex < len(m.StepResults) {
		res, err = m.StepResults[m.StepIndex], m.StepErrors[m.StepIndex]
	}
	m.StepIndex++
	return res, err
}

func (m *mockDBOSContext) RunWorkflow(ctx dbos.DBOSContext, fn dbos.WorkflowFunc, input any, opts ...dbos.WorkflowOption) (dbos.WorkflowHandle, error) {
	result, err := fn(m, input)
	return &mockWorkflowHandle{result: result, err: err}, nil
}

type mockWorkflowHandle struct {
	dbos.WorkflowHandle
	result any
	err    error
}

func (h *mockWorkflowHandle) GetResult() (any, error) {
	return h.result, h.err
}
