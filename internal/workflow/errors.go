package workflow

import (
	"errors"
	"fmt"
)

// ErrWorkflowNotFound is returned for names with no workflow.
var ErrWorkflowNotFound = errors.New("workflow: not found")

// InvalidWorkflowError reports a workflow document that cannot be used.
type InvalidWorkflowError struct {
	Reason string
}

func (e *InvalidWorkflowError) Error() string {
	return e.Reason
}

// MinimumError reports a requested size below what the workflow needs.
type MinimumError struct {
	Type  string // "Number of CPUs", "Memory size" or "Disk space"
	Value string // the minimum as written in the workflow
}

func (e *MinimumError) Error() string {
	return fmt.Sprintf("%s requested is less than Workflow minimum of %s", e.Type, e.Value)
}
