package planner

import (
	"context"

	"github.com/vitalplan/vitalplan/internal/plan"
)

// Insight is a single observation about the user that the plan should act on.
type Insight struct {
	Kind     string `json:"kind" yaml:"kind"`
	Summary  string `json:"summary" yaml:"summary"`
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// DraftTask is a task proposal before it is assigned an ID. Dependencies
// reference other draft tasks by their index in the draft's Tasks slice.
type DraftTask struct {
	AgentType        string      `json:"agentType" yaml:"agentType"`
	Title            string      `json:"title" yaml:"title"`
	Description      string      `json:"description,omitempty" yaml:"description,omitempty"`
	Params           plan.Params `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn        []int       `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	RiskLevel        string      `json:"riskLevel" yaml:"riskLevel"`
	CanRunParallel   bool        `json:"canRunParallel,omitempty" yaml:"canRunParallel,omitempty"`
	EstimatedMinutes int         `json:"estimatedMinutes,omitempty" yaml:"estimatedMinutes,omitempty"`
}

// Draft is a proposed plan produced from a set of insights.
type Draft struct {
	Title       string      `json:"title" yaml:"title"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       []DraftTask `json:"tasks" yaml:"tasks"`
}

// Planner turns user insights into a plan draft.
type Planner interface {
	Propose(ctx context.Context, userID string, insights []Insight) (*Draft, error)
}
