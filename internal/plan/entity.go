package plan

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusDraft              Status = "draft"
	StatusPlanning           Status = "planning"
	StatusAwaitingApproval   Status = "awaiting_approval"
	StatusApproved           Status = "approved"
	StatusExecuting          Status = "executing"
	StatusPaused             Status = "paused"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// IsTerminal reports whether the plan can no longer change state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var statusTransitions = map[Status][]Status{
	StatusDraft:            {StatusPlanning, StatusAwaitingApproval, StatusApproved, StatusCancelled},
	StatusPlanning:         {StatusAwaitingApproval, StatusApproved, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusApproved, StatusExecuting, StatusCancelled},
	StatusApproved:         {StatusExecuting, StatusCancelled},
	StatusExecuting:        {StatusAwaitingApproval, StatusPaused, StatusCompleted, StatusPartiallyCompleted, StatusFailed, StatusCancelled},
	StatusPaused:           {StatusExecuting, StatusCancelled},
}

// CanTransitionTo reports whether s -> next is a valid state machine edge.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels ascending: low < medium < high.
// Unknown values sort last.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
	ApprovalRejected     ApprovalStatus = "rejected"
)

// Approved reports whether the task may run without further sign-off.
func (a ApprovalStatus) Approved() bool {
	return a == ApprovalApproved || a == ApprovalAutoApproved
}

// Params is a tagged union of per-agent-type parameters. Exactly one
// variant must be set, matching the task's AgentType.
type Params struct {
	Calendar   *CalendarParams   `yaml:"calendar,omitempty" json:"calendar,omitempty"`
	Shopping   *ShoppingParams   `yaml:"shopping,omitempty" json:"shopping,omitempty"`
	Supplement *SupplementParams `yaml:"supplement,omitempty" json:"supplement,omitempty"`
	Script     *ScriptParams     `yaml:"script,omitempty" json:"script,omitempty"`
}

type CalendarParams struct {
	EventTitle      string `yaml:"event_title" json:"event_title"`
	DurationMinutes int    `yaml:"duration_minutes" json:"duration_minutes"`
	Recurrence      string `yaml:"recurrence,omitempty" json:"recurrence,omitempty"`
}

type ShoppingParams struct {
	Items     []string `yaml:"items" json:"items"`
	BudgetUSD float64  `yaml:"budget_usd,omitempty" json:"budget_usd,omitempty"`
}

type SupplementParams struct {
	Name   string `yaml:"name" json:"name"`
	Dosage string `yaml:"dosage,omitempty" json:"dosage,omitempty"`
}

type ScriptParams struct {
	Command string            `yaml:"command" json:"command"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Agent type tags. Executor dispatch switches on these.
const (
	AgentCalendar   = "calendar"
	AgentShopping   = "shopping"
	AgentSupplement = "supplement"
	AgentScript     = "script"
)

// Validate checks that the variant matching agentType is set. Variants for
// other agent types may be left nil; agent types without parameters are
// allowed an empty union.
func (p Params) Validate(agentType string) error {
	switch agentType {
	case AgentCalendar:
		if p.Calendar == nil {
			return fmt.Errorf("calendar task requires calendar params")
		}
	case AgentShopping:
		if p.Shopping == nil {
			return fmt.Errorf("shopping task requires shopping params")
		}
	case AgentSupplement:
		if p.Supplement == nil {
			return fmt.Errorf("supplement task requires supplement params")
		}
	case AgentScript:
		if p.Script == nil || p.Script.Command == "" {
			return fmt.Errorf("script task requires a command")
		}
	}
	return nil
}

type Task struct {
	ID               string         `yaml:"id" json:"id"`
	AgentType        string         `yaml:"agent_type" json:"agent_type"`
	Title            string         `yaml:"title" json:"title"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	Params           Params         `yaml:"params,omitempty" json:"params,omitempty"`
	DependsOn        []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	RiskLevel        RiskLevel      `yaml:"risk_level" json:"risk_level"`
	ApprovalStatus   ApprovalStatus `yaml:"approval_status" json:"approval_status"`
	CanRunParallel   bool           `yaml:"can_run_parallel" json:"can_run_parallel"`
	EstimatedMinutes int            `yaml:"estimated_minutes,omitempty" json:"estimated_minutes,omitempty"`
}

type ApprovalConfig struct {
	AutoApproveLowRisk bool     `yaml:"auto_approve_low_risk" json:"auto_approve_low_risk"`
	RequireApprovalFor []string `yaml:"require_approval_for,omitempty" json:"require_approval_for,omitempty"`
	MaxAutoApproveCost float64  `yaml:"max_auto_approve_cost,omitempty" json:"max_auto_approve_cost,omitempty"`
	NotifyOnCompletion bool     `yaml:"notify_on_completion" json:"notify_on_completion"`
}

// RequiresApprovalFor reports whether agentType is always gated by cfg.
func (c ApprovalConfig) RequiresApprovalFor(agentType string) bool {
	for _, t := range c.RequireApprovalFor {
		if t == agentType {
			return true
		}
	}
	return false
}

// CanAutoApprove implements the approval policy: only low-risk tasks of
// unrestricted agent types may run unattended, and only when the config
// allows it at all.
func (c ApprovalConfig) CanAutoApprove(t *Task) bool {
	if !c.AutoApproveLowRisk {
		return false
	}
	if c.RequiresApprovalFor(t.AgentType) {
		return false
	}
	return t.RiskLevel == RiskLow
}

// Plan is the aggregate root. It is created once from planner output and
// mutated exclusively by the coordinator during execution.
type Plan struct {
	ID                     string         `yaml:"id" json:"id"`
	UserID                 string         `yaml:"user_id" json:"user_id"`
	Title                  string         `yaml:"title" json:"title"`
	Description            string         `yaml:"description,omitempty" json:"description,omitempty"`
	PlanType               string         `yaml:"plan_type,omitempty" json:"plan_type,omitempty"`
	Status                 Status         `yaml:"status" json:"status"`
	SourceInsights         []string       `yaml:"source_insights,omitempty" json:"source_insights,omitempty"`
	TaskGraph              []*Task        `yaml:"task_graph" json:"task_graph"`
	ExecutionOrder         []string       `yaml:"execution_order" json:"execution_order"`
	Approval               ApprovalConfig `yaml:"approval_config" json:"approval_config"`
	CurrentTaskIndex       int            `yaml:"current_task_index" json:"current_task_index"`
	OverallProgress        int            `yaml:"overall_progress" json:"overall_progress"`
	CompletedTasks         []string       `yaml:"completed_tasks,omitempty" json:"completed_tasks,omitempty"`
	FailedTasks            []string       `yaml:"failed_tasks,omitempty" json:"failed_tasks,omitempty"`
	BlockedTasks           []string       `yaml:"blocked_tasks,omitempty" json:"blocked_tasks,omitempty"`
	EstimatedTotalDuration int            `yaml:"estimated_total_duration,omitempty" json:"estimated_total_duration,omitempty"`
	CreatedAt              time.Time      `yaml:"created_at" json:"created_at"`
	StartedAt              *time.Time     `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt            *time.Time     `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Task returns the task with the given id, or nil.
func (p *Plan) Task(id string) *Task {
	for _, t := range p.TaskGraph {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (p *Plan) IsCompleted(id string) bool { return contains(p.CompletedTasks, id) }
func (p *Plan) IsFailed(id string) bool    { return contains(p.FailedTasks, id) }
func (p *Plan) IsBlocked(id string) bool   { return contains(p.BlockedTasks, id) }

// MarkCompleted records the task as done, clearing any blocked mark, and
// refreshes progress.
func (p *Plan) MarkCompleted(id string) {
	if p.IsCompleted(id) {
		return
	}
	p.CompletedTasks = append(p.CompletedTasks, id)
	p.unblock(id)
	p.refreshProgress()
}

func (p *Plan) MarkFailed(id string) {
	if p.IsFailed(id) {
		return
	}
	p.FailedTasks = append(p.FailedTasks, id)
	p.unblock(id)
	p.refreshProgress()
}

func (p *Plan) MarkBlocked(id string) {
	if p.IsBlocked(id) {
		return
	}
	p.BlockedTasks = append(p.BlockedTasks, id)
}

func (p *Plan) unblock(id string) {
	for i, v := range p.BlockedTasks {
		if v == id {
			p.BlockedTasks = append(p.BlockedTasks[:i], p.BlockedTasks[i+1:]...)
			return
		}
	}
}

func (p *Plan) refreshProgress() {
	if len(p.TaskGraph) == 0 {
		p.OverallProgress = 0
		return
	}
	p.OverallProgress = len(p.CompletedTasks) * 100 / len(p.TaskGraph)
}

// SetStatus validates the transition before applying it. Terminal states
// never change.
func (p *Plan) SetStatus(next Status) error {
	if p.Status == next {
		return nil
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("plan %s is %s and cannot transition to %s", p.ID, p.Status, next)
	}
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid plan status transition %s -> %s", p.Status, next)
	}
	p.Status = next
	return nil
}

// TaskLink is the persisted per-task row linking a task into its plan.
type TaskLink struct {
	PlanID           string         `yaml:"plan_id" json:"plan_id"`
	TaskID           string         `yaml:"task_id" json:"task_id"`
	SequenceNumber   int            `yaml:"sequence_number" json:"sequence_number"`
	DependsOnTaskIDs []string       `yaml:"depends_on_task_ids,omitempty" json:"depends_on_task_ids,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval" json:"requires_approval"`
	ApprovalStatus   ApprovalStatus `yaml:"approval_status" json:"approval_status"`
	RiskLevel        RiskLevel      `yaml:"risk_level" json:"risk_level"`
}
