package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vitalplan/vitalplan/internal/eventbus"
	"github.com/vitalplan/vitalplan/internal/executor"
	"github.com/vitalplan/vitalplan/internal/plan"
	"github.com/vitalplan/vitalplan/internal/planner"
	"github.com/vitalplan/vitalplan/internal/resilience"
	"github.com/vitalplan/vitalplan/internal/resolver"
	"github.com/vitalplan/vitalplan/pkg/cerr"
)

// Coordinator owns the plan lifecycle: drafting via the planner, dependency
// resolution, approval gating and step-by-step execution. Every step is
// persisted before the next one starts, so a restarted coordinator resumes
// from the last recorded state.
type Coordinator struct {
	repo      plan.Repository
	planner   planner.Planner
	executors *executor.Registry
	breakers  *resilience.Registry
	bus       *eventbus.Bus
	defaults  func() plan.ApprovalConfig
}

func New(
	repo plan.Repository,
	p planner.Planner,
	executors *executor.Registry,
	breakers *resilience.Registry,
	bus *eventbus.Bus,
	defaults func() plan.ApprovalConfig,
) *Coordinator {
	if defaults == nil {
		defaults = func() plan.ApprovalConfig {
			return plan.ApprovalConfig{AutoApproveLowRisk: true, NotifyOnCompletion: true}
		}
	}
	return &Coordinator{
		repo:      repo,
		planner:   p,
		executors: executors,
		breakers:  breakers,
		bus:       bus,
		defaults:  defaults,
	}
}

// CreatePlan drafts a plan from insights, resolves its dependency graph and
// persists it. A cyclic draft is rejected outright and nothing is stored.
func (c *Coordinator) CreatePlan(ctx context.Context, userID string, insights []planner.Insight, approval *plan.ApprovalConfig) (*plan.Plan, error) {
	draft, err := c.planner.Propose(ctx, userID, insights)
	if err != nil {
		return nil, err
	}
	return c.CreatePlanFromDraft(ctx, userID, insights, draft, approval)
}

// CreatePlanFromDraft materializes an already validated draft.
func (c *Coordinator) CreatePlanFromDraft(ctx context.Context, userID string, insights []planner.Insight, draft *planner.Draft, approval *plan.ApprovalConfig) (*plan.Plan, error) {
	if err := planner.ValidateDraft(draft); err != nil {
		return nil, err
	}

	cfg := c.defaults()
	if approval != nil {
		cfg = *approval
	}

	tasks := make([]*plan.Task, len(draft.Tasks))
	for i, dt := range draft.Tasks {
		tasks[i] = &plan.Task{
			ID:               ulid.Make().String(),
			AgentType:        dt.AgentType,
			Title:            dt.Title,
			Description:      dt.Description,
			Params:           dt.Params,
			RiskLevel:        plan.RiskLevel(dt.RiskLevel),
			CanRunParallel:   dt.CanRunParallel,
			EstimatedMinutes: dt.EstimatedMinutes,
		}
	}
	for i, dt := range draft.Tasks {
		for _, dep := range dt.DependsOn {
			tasks[i].DependsOn = append(tasks[i].DependsOn, tasks[dep].ID)
		}
	}
	for _, t := range tasks {
		if err := t.Params.Validate(t.AgentType); err != nil {
			return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("task %q: %v", t.Title, err), nil)
		}
	}

	res := resolver.Resolve(tasks)
	if res.HasCycle {
		return nil, cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("plan draft contains a dependency cycle involving tasks %s", strings.Join(res.CycleNodes, ", ")), nil)
	}
	order := resolver.Optimize(tasks, res.ExecutionOrder)

	pendingApproval := false
	totalMinutes := 0
	for _, t := range tasks {
		if cfg.CanAutoApprove(t) {
			t.ApprovalStatus = plan.ApprovalAutoApproved
		} else {
			t.ApprovalStatus = plan.ApprovalPending
			pendingApproval = true
		}
		totalMinutes += t.EstimatedMinutes
	}

	insightIDs := make([]string, 0, len(insights))
	for _, ins := range insights {
		insightIDs = append(insightIDs, ins.Kind+": "+ins.Summary)
	}

	p := &plan.Plan{
		ID:                     ulid.Make().String(),
		UserID:                 userID,
		Title:                  draft.Title,
		Description:            draft.Description,
		Status:                 plan.StatusApproved,
		SourceInsights:         insightIDs,
		TaskGraph:              tasks,
		ExecutionOrder:         order,
		Approval:               cfg,
		EstimatedTotalDuration: totalMinutes,
		CreatedAt:              time.Now(),
	}
	if pendingApproval {
		p.Status = plan.StatusAwaitingApproval
	}

	if err := c.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	if err := c.repo.SaveLinks(ctx, p.ID, buildLinks(p)); err != nil {
		return nil, err
	}

	c.publish(eventbus.TypePlanCreated, p.ID, "", map[string]string{"status": string(p.Status)})
	if pendingApproval {
		c.publish(eventbus.TypeApprovalRequested, p.ID, "", nil)
	}
	slog.InfoContext(ctx, "plan created", "plan_id", p.ID, "tasks", len(tasks), "status", p.Status)
	return p, nil
}

func buildLinks(p *plan.Plan) []*plan.TaskLink {
	seq := make(map[string]int, len(p.ExecutionOrder))
	for i, id := range p.ExecutionOrder {
		seq[id] = i
	}
	links := make([]*plan.TaskLink, 0, len(p.TaskGraph))
	for _, t := range p.TaskGraph {
		links = append(links, &plan.TaskLink{
			PlanID:           p.ID,
			TaskID:           t.ID,
			SequenceNumber:   seq[t.ID],
			DependsOnTaskIDs: t.DependsOn,
			RequiresApproval: !t.ApprovalStatus.Approved(),
			ApprovalStatus:   t.ApprovalStatus,
			RiskLevel:        t.RiskLevel,
		})
	}
	return links
}

// GetPlan returns a plan by id.
func (c *Coordinator) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	return c.repo.Get(ctx, id)
}

// ListPlans returns plans filtered by userID and status, both optional.
func (c *Coordinator) ListPlans(ctx context.Context, userID string, status plan.Status, limit, offset int) ([]*plan.Plan, int, error) {
	return c.repo.List(ctx, userID, status, limit, offset)
}

// Execute walks the plan's execution order one task at a time. The plan is
// re-read and re-persisted at every step, so cancellations issued from
// another request take effect between tasks and a crash loses at most the
// in-flight task. The walk stops entirely at the first task still awaiting
// human approval, even when later tasks would not need one.
func (c *Coordinator) Execute(ctx context.Context, planID string) (*plan.Plan, error) {
	p, err := c.repo.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case plan.StatusApproved, plan.StatusAwaitingApproval, plan.StatusPaused, plan.StatusExecuting:
	default:
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("plan %s is %s and cannot be executed", p.ID, p.Status), nil)
	}
	if firstUnapproved(p) != nil && p.Status == plan.StatusAwaitingApproval && !anyRunnable(p) {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("plan %s is awaiting approval of its first task", p.ID), nil)
	}

	if err := p.SetStatus(plan.StatusExecuting); err != nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, err.Error(), nil)
	}
	if p.StartedAt == nil {
		now := time.Now()
		p.StartedAt = &now
	}
	if err := c.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	c.publish(eventbus.TypePlanStatusChanged, p.ID, "", map[string]string{"status": string(p.Status)})

	for i := 0; i < len(p.ExecutionOrder); i++ {
		// Reload so cancel and pause requests from other callers are seen.
		p, err = c.repo.Get(ctx, planID)
		if err != nil {
			return nil, err
		}
		if p.Status == plan.StatusCancelled {
			slog.InfoContext(ctx, "plan cancelled, stopping execution", "plan_id", p.ID)
			return p, nil
		}
		if p.Status == plan.StatusPaused {
			slog.InfoContext(ctx, "plan paused, stopping execution", "plan_id", p.ID)
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return p, err
		}

		taskID := p.ExecutionOrder[i]
		t := p.Task(taskID)
		if t == nil {
			return nil, cerr.NewError(cerr.Internal, fmt.Sprintf("execution order references unknown task %s", taskID), nil)
		}
		if p.IsCompleted(taskID) || p.IsFailed(taskID) {
			continue
		}
		p.CurrentTaskIndex = i

		completed := toSet(p.CompletedTasks)
		if !resolver.DependenciesMet(taskID, p.TaskGraph, completed) {
			p.MarkBlocked(taskID)
			if err := c.repo.Update(ctx, p); err != nil {
				return nil, err
			}
			slog.WarnContext(ctx, "task blocked by unmet dependency", "plan_id", p.ID, "task_id", taskID)
			continue
		}

		if t.ApprovalStatus == plan.ApprovalRejected {
			p.MarkFailed(taskID)
			if err := c.repo.Update(ctx, p); err != nil {
				return nil, err
			}
			c.publish(eventbus.TypeTaskFailed, p.ID, taskID, map[string]string{"reason": "rejected"})
			continue
		}
		if !t.ApprovalStatus.Approved() {
			if err := p.SetStatus(plan.StatusAwaitingApproval); err != nil {
				return nil, err
			}
			if err := c.repo.Update(ctx, p); err != nil {
				return nil, err
			}
			c.publish(eventbus.TypeApprovalRequested, p.ID, taskID, nil)
			slog.InfoContext(ctx, "execution paused for approval", "plan_id", p.ID, "task_id", taskID)
			return p, nil
		}

		execResult := c.runTask(ctx, t)

		// Reload before recording the outcome so a cancel or pause issued
		// while the task ran is not overwritten by a stale status.
		p, err = c.repo.Get(ctx, planID)
		if err != nil {
			return nil, err
		}
		halted := p.Status == plan.StatusCancelled || p.Status == plan.StatusPaused

		switch {
		case execResult.err != nil:
			p.MarkFailed(taskID)
			if err := c.repo.Update(ctx, p); err != nil {
				return nil, err
			}
			c.publish(eventbus.TypeTaskFailed, p.ID, taskID, map[string]string{
				"error":    execResult.err.Error(),
				"category": string(execResult.category),
			})
			slog.ErrorContext(ctx, "task failed", "plan_id", p.ID, "task_id", taskID, "error", execResult.err)
		case execResult.awaitingApproval:
			if t := p.Task(taskID); t != nil {
				t.ApprovalStatus = plan.ApprovalPending
			}
			if !halted {
				if err := p.SetStatus(plan.StatusAwaitingApproval); err != nil {
					return nil, err
				}
			}
			if err := c.repo.Update(ctx, p); err != nil {
				return nil, err
			}
			c.publish(eventbus.TypeApprovalRequested, p.ID, taskID, map[string]string{"detail": execResult.detail})
			slog.InfoContext(ctx, "task requested approval mid-run", "plan_id", p.ID, "task_id", taskID)
			return p, nil
		default:
			p.MarkCompleted(taskID)
			if err := c.repo.Update(ctx, p); err != nil {
				return nil, err
			}
			c.publish(eventbus.TypeTaskCompleted, p.ID, taskID, nil)
			slog.InfoContext(ctx, "task completed", "plan_id", p.ID, "task_id", taskID)
		}

		if halted {
			slog.InfoContext(ctx, "plan halted during task", "plan_id", p.ID, "status", p.Status)
			return p, nil
		}
	}

	return c.finish(ctx, planID)
}

type taskOutcome struct {
	awaitingApproval bool
	detail           string
	err              error
	category         resilience.Category
}

// runTask dispatches one task through the resilience layer. Breakers are
// keyed by agent type, so repeated failures of one agent open its circuit
// for every plan in the process.
func (c *Coordinator) runTask(ctx context.Context, t *plan.Task) taskOutcome {
	exec, err := c.executors.For(t.AgentType)
	if err != nil {
		return taskOutcome{err: err}
	}

	timeout := time.Duration(t.EstimatedMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	res := resilience.Fetch(ctx, c.breakers, "agent:"+t.AgentType,
		func(ctx context.Context) (*executor.Result, error) {
			return exec.Execute(ctx, t)
		},
		resilience.Options[*executor.Result]{
			Timeout: timeout,
			OnRetry: func(attempt int, err error, category resilience.Category) {
				slog.WarnContext(ctx, "retrying task", "task_id", t.ID, "attempt", attempt, "category", category, "error", err)
			},
		})
	if res.Status == resilience.StatusFailed {
		return taskOutcome{err: res.Err, category: res.Category}
	}
	out := res.Data
	if out == nil {
		return taskOutcome{err: fmt.Errorf("executor returned no result")}
	}
	if out.AwaitingApproval {
		return taskOutcome{awaitingApproval: true, detail: out.Detail}
	}
	if !out.Success {
		return taskOutcome{err: fmt.Errorf("task did not succeed: %s", out.Detail)}
	}
	return taskOutcome{detail: out.Detail}
}

// finish computes the terminal status once the walk ran off the end of the
// execution order. A plan with even one completed task never reports failed.
func (c *Coordinator) finish(ctx context.Context, planID string) (*plan.Plan, error) {
	p, err := c.repo.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != plan.StatusExecuting {
		return p, nil
	}

	var next plan.Status
	switch {
	case len(p.CompletedTasks) == len(p.TaskGraph):
		next = plan.StatusCompleted
	case len(p.CompletedTasks) > 0:
		next = plan.StatusPartiallyCompleted
	default:
		next = plan.StatusFailed
	}
	if err := p.SetStatus(next); err != nil {
		return nil, err
	}
	now := time.Now()
	p.CompletedAt = &now
	if err := c.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	c.publish(eventbus.TypePlanCompleted, p.ID, "", map[string]string{
		"status":   string(p.Status),
		"progress": fmt.Sprintf("%d", p.OverallProgress),
	})
	slog.InfoContext(ctx, "plan finished", "plan_id", p.ID, "status", p.Status, "progress", p.OverallProgress)
	return p, nil
}

// ApproveTask records a human decision on one task. Approving a task on an
// awaiting plan does not resume execution; callers re-invoke Execute.
func (c *Coordinator) ApproveTask(ctx context.Context, planID, taskID string, approve bool) (*plan.Plan, error) {
	p, err := c.repo.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	t := p.Task(taskID)
	if t == nil {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("plan %s has no task %s", planID, taskID), nil)
	}
	if t.ApprovalStatus != plan.ApprovalPending {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s is %s, not pending", taskID, t.ApprovalStatus), nil)
	}
	if approve {
		t.ApprovalStatus = plan.ApprovalApproved
	} else {
		t.ApprovalStatus = plan.ApprovalRejected
	}
	if p.Status == plan.StatusAwaitingApproval && firstUnapproved(p) == nil {
		if err := p.SetStatus(plan.StatusApproved); err != nil {
			return nil, err
		}
	}
	if err := c.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	if err := c.updateLinkApproval(ctx, p); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "task approval recorded", "plan_id", planID, "task_id", taskID, "approved", approve)
	return p, nil
}

// ApproveAllTasks approves every pending task in the plan.
func (c *Coordinator) ApproveAllTasks(ctx context.Context, planID string) (*plan.Plan, error) {
	p, err := c.repo.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	changed := false
	for _, t := range p.TaskGraph {
		if t.ApprovalStatus == plan.ApprovalPending {
			t.ApprovalStatus = plan.ApprovalApproved
			changed = true
		}
	}
	if !changed {
		return p, nil
	}
	if p.Status == plan.StatusAwaitingApproval {
		if err := p.SetStatus(plan.StatusApproved); err != nil {
			return nil, err
		}
	}
	if err := c.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	if err := c.updateLinkApproval(ctx, p); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "all pending tasks approved", "plan_id", planID)
	return p, nil
}

// Cancel moves the plan to cancelled. A running Execute loop observes the
// new status on its next reload and stops.
func (c *Coordinator) Cancel(ctx context.Context, planID string) (*plan.Plan, error) {
	return c.transition(ctx, planID, plan.StatusCancelled)
}

// Pause suspends an executing plan between tasks.
func (c *Coordinator) Pause(ctx context.Context, planID string) (*plan.Plan, error) {
	return c.transition(ctx, planID, plan.StatusPaused)
}

func (c *Coordinator) transition(ctx context.Context, planID string, next plan.Status) (*plan.Plan, error) {
	p, err := c.repo.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := p.SetStatus(next); err != nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, err.Error(), nil)
	}
	if err := c.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	c.publish(eventbus.TypePlanStatusChanged, p.ID, "", map[string]string{"status": string(next)})
	return p, nil
}

func (c *Coordinator) updateLinkApproval(ctx context.Context, p *plan.Plan) error {
	links, err := c.repo.GetLinks(ctx, p.ID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if t := p.Task(link.TaskID); t != nil {
			link.ApprovalStatus = t.ApprovalStatus
		}
	}
	return c.repo.SaveLinks(ctx, p.ID, links)
}

func (c *Coordinator) publish(eventType eventbus.Type, planID, taskID string, metadata map[string]string) {
	if c.bus == nil {
		return
	}
	c.bus.PublishNew(eventType, planID, taskID, metadata)
}

// firstUnapproved returns the first task in execution order still pending
// approval, skipping tasks already resolved.
func firstUnapproved(p *plan.Plan) *plan.Task {
	for _, id := range p.ExecutionOrder {
		t := p.Task(id)
		if t == nil || p.IsCompleted(id) || p.IsFailed(id) {
			continue
		}
		if t.ApprovalStatus == plan.ApprovalPending {
			return t
		}
	}
	return nil
}

// anyRunnable reports whether at least one not-yet-finished task in
// execution order is approved and precedes every pending one.
func anyRunnable(p *plan.Plan) bool {
	for _, id := range p.ExecutionOrder {
		t := p.Task(id)
		if t == nil || p.IsCompleted(id) || p.IsFailed(id) {
			continue
		}
		return t.ApprovalStatus.Approved() || t.ApprovalStatus == plan.ApprovalRejected
	}
	return false
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
