package executor

import (
	"context"
	"fmt"

	"github.com/vitalplan/vitalplan/internal/plan"
)

// Result is the outcome of a single task execution. AwaitingApproval means
// the agent decided mid-run that a human must sign off before it proceeds.
type Result struct {
	Success          bool
	AwaitingApproval bool
	Detail           string
}

// Executor runs one task of a single agent type.
type Executor interface {
	AgentType() string
	Execute(ctx context.Context, task *plan.Task) (*Result, error)
}

// Registry dispatches tasks to the executor registered for their agent type.
type Registry struct {
	executors map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor, len(executors))}
	for _, e := range executors {
		r.executors[e.AgentType()] = e
	}
	return r
}

func (r *Registry) Register(e Executor) {
	r.executors[e.AgentType()] = e
}

func (r *Registry) For(agentType string) (Executor, error) {
	e, ok := r.executors[agentType]
	if !ok {
		return nil, fmt.Errorf("no executor registered for agent type %q", agentType)
	}
	return e, nil
}
