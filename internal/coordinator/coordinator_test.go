package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/vitalplan/vitalplan/internal/eventbus"
	"github.com/vitalplan/vitalplan/internal/executor"
	"github.com/vitalplan/vitalplan/internal/plan"
	"github.com/vitalplan/vitalplan/internal/planner"
	"github.com/vitalplan/vitalplan/internal/resilience"
	"github.com/vitalplan/vitalplan/pkg/cerr"
)

// memoryRepo persists plans by value so that reloads observe only what was
// explicitly saved, the way the real repository behaves.
type memoryRepo struct {
	mu    sync.Mutex
	plans map[string][]byte
	links map[string][]*plan.TaskLink
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{plans: make(map[string][]byte), links: make(map[string][]*plan.TaskLink)}
}

func (r *memoryRepo) Create(ctx context.Context, p *plan.Plan) error { return r.save(p) }
func (r *memoryRepo) Update(ctx context.Context, p *plan.Plan) error { return r.save(p) }

func (r *memoryRepo) save(p *plan.Plan) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.plans[p.ID] = data
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id string) (*plan.Plan, error) {
	r.mu.Lock()
	data, ok := r.plans[id]
	r.mu.Unlock()
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("plan %s not found", id), nil)
	}
	var p plan.Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *memoryRepo) List(ctx context.Context, userID string, status plan.Status, limit, offset int) ([]*plan.Plan, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*plan.Plan
	for _, data := range r.plans {
		var p plan.Plan
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, 0, err
		}
		if userID != "" && p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, &p)
	}
	return out, len(out), nil
}

func (r *memoryRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.plans, id)
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) SaveLinks(ctx context.Context, planID string, links []*plan.TaskLink) error {
	r.mu.Lock()
	r.links[planID] = links
	r.mu.Unlock()
	return nil
}

func (r *memoryRepo) GetLinks(ctx context.Context, planID string) ([]*plan.TaskLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[planID], nil
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plans)
}

// stubPlanner returns a fixed draft.
type stubPlanner struct {
	draft *planner.Draft
	err   error
}

func (s *stubPlanner) Propose(ctx context.Context, userID string, insights []planner.Insight) (*planner.Draft, error) {
	return s.draft, s.err
}

// stubExecutor records execution order and delegates outcomes to a hook.
type stubExecutor struct {
	agentType string
	mu        sync.Mutex
	executed  []string
	outcome   func(task *plan.Task) (*executor.Result, error)
}

func (s *stubExecutor) AgentType() string { return s.agentType }

func (s *stubExecutor) Execute(ctx context.Context, task *plan.Task) (*executor.Result, error) {
	s.mu.Lock()
	s.executed = append(s.executed, task.Title)
	s.mu.Unlock()
	if s.outcome != nil {
		return s.outcome(task)
	}
	return &executor.Result{Success: true, Detail: "done"}, nil
}

func (s *stubExecutor) executedTitles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

func calendarDraftTask(title, risk string, deps ...int) planner.DraftTask {
	return planner.DraftTask{
		AgentType: plan.AgentCalendar,
		Title:     title,
		Params:    plan.Params{Calendar: &plan.CalendarParams{EventTitle: title, DurationMinutes: 15}},
		DependsOn: deps,
		RiskLevel: risk,
	}
}

func newTestCoordinator(draft *planner.Draft, exec *stubExecutor) (*Coordinator, *memoryRepo) {
	repo := newMemoryRepo()
	c := New(
		repo,
		&stubPlanner{draft: draft},
		executor.NewRegistry(exec),
		resilience.NewRegistry(),
		eventbus.New(),
		nil,
	)
	return c, repo
}

func TestCreatePlanAutoApproval(t *testing.T) {
	draft := &planner.Draft{
		Title: "morning routine",
		Tasks: []planner.DraftTask{
			calendarDraftTask("low risk", "low"),
			calendarDraftTask("high risk", "high", 0),
		},
	}
	exec := &stubExecutor{agentType: plan.AgentCalendar}
	c, _ := newTestCoordinator(draft, exec)

	p, err := c.CreatePlan(context.Background(), "user-1", []planner.Insight{{Kind: "sleep", Summary: "low recovery"}}, nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if p.Status != plan.StatusAwaitingApproval {
		t.Errorf("status = %s, want awaiting_approval", p.Status)
	}
	if got := p.TaskGraph[0].ApprovalStatus; got != plan.ApprovalAutoApproved {
		t.Errorf("low risk task approval = %s, want auto_approved", got)
	}
	if got := p.TaskGraph[1].ApprovalStatus; got != plan.ApprovalPending {
		t.Errorf("high risk task approval = %s, want pending", got)
	}
	if len(p.ExecutionOrder) != 2 {
		t.Errorf("execution order = %v", p.ExecutionOrder)
	}
}

func TestCreatePlanAllLowRiskIsApproved(t *testing.T) {
	draft := &planner.Draft{
		Title: "simple",
		Tasks: []planner.DraftTask{calendarDraftTask("only", "low")},
	}
	c, _ := newTestCoordinator(draft, &stubExecutor{agentType: plan.AgentCalendar})

	p, err := c.CreatePlan(context.Background(), "user-1", nil, nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if p.Status != plan.StatusApproved {
		t.Errorf("status = %s, want approved", p.Status)
	}
}

func TestCreatePlanCyclePersistsNothing(t *testing.T) {
	draft := &planner.Draft{
		Title: "cyclic",
		Tasks: []planner.DraftTask{
			calendarDraftTask("a", "low", 1),
			calendarDraftTask("b", "low", 0),
		},
	}
	c, repo := newTestCoordinator(draft, &stubExecutor{agentType: plan.AgentCalendar})

	_, err := c.CreatePlan(context.Background(), "user-1", nil, nil)
	if !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
	if repo.count() != 0 {
		t.Error("cyclic draft must not be persisted")
	}
}

func TestExecuteHaltsAtFirstPendingApproval(t *testing.T) {
	// Order comes out [a, c, b, d]: c sorts before b within their level
	// because lower risk runs first. The walk must stop entirely at b, so d
	// never runs even though it is auto-approved and its dependency c is
	// already done.
	draft := &planner.Draft{
		Title: "gated",
		Tasks: []planner.DraftTask{
			calendarDraftTask("a", "low"),
			calendarDraftTask("b", "high", 0),
			calendarDraftTask("c", "low", 0),
			calendarDraftTask("d", "low", 2),
		},
	}
	exec := &stubExecutor{agentType: plan.AgentCalendar}
	c, _ := newTestCoordinator(draft, exec)

	p, err := c.CreatePlan(context.Background(), "user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	p, err = c.Execute(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p.Status != plan.StatusAwaitingApproval {
		t.Errorf("status = %s, want awaiting_approval", p.Status)
	}
	got := exec.executedTitles()
	want := []string{"a", "c"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("executed = %v, want %v", got, want)
	}
	if len(p.BlockedTasks) != 0 {
		t.Errorf("blocked = %v, want none", p.BlockedTasks)
	}
}

func TestExecuteAfterApproveAllCompletes(t *testing.T) {
	draft := &planner.Draft{
		Title: "gated",
		Tasks: []planner.DraftTask{
			calendarDraftTask("a", "low"),
			calendarDraftTask("b", "high", 0),
			calendarDraftTask("c", "low", 1),
		},
	}
	exec := &stubExecutor{agentType: plan.AgentCalendar}
	c, _ := newTestCoordinator(draft, exec)
	ctx := context.Background()

	p, err := c.CreatePlan(ctx, "user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p, err = c.Execute(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if p, err = c.ApproveAllTasks(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if p.Status != plan.StatusApproved {
		t.Fatalf("status after approve = %s, want approved", p.Status)
	}

	p, err = c.Execute(ctx, p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p.Status != plan.StatusCompleted {
		t.Errorf("status = %s, want completed", p.Status)
	}
	if p.OverallProgress != 100 {
		t.Errorf("progress = %d, want 100", p.OverallProgress)
	}
	if p.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	got := exec.executedTitles()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("executed = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("executed[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExecuteFailureBlocksDependentsOnly(t *testing.T) {
	// b depends on a (which fails); c is independent and still runs. The
	// plan ends partially completed because one task succeeded.
	draft := &planner.Draft{
		Title: "partial",
		Tasks: []planner.DraftTask{
			calendarDraftTask("a", "low"),
			calendarDraftTask("b", "low", 0),
			calendarDraftTask("c", "low"),
		},
	}
	exec := &stubExecutor{agentType: plan.AgentCalendar}
	exec.outcome = func(task *plan.Task) (*executor.Result, error) {
		if task.Title == "a" {
			return nil, errors.New("404 not found")
		}
		return &executor.Result{Success: true}, nil
	}
	c, _ := newTestCoordinator(draft, exec)
	ctx := context.Background()

	p, err := c.CreatePlan(ctx, "user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err = c.Execute(ctx, p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p.Status != plan.StatusPartiallyCompleted {
		t.Errorf("status = %s, want partially_completed", p.Status)
	}

	var aID, bID string
	for _, task := range p.TaskGraph {
		switch task.Title {
		case "a":
			aID = task.ID
		case "b":
			bID = task.ID
		}
	}
	if !p.IsFailed(aID) {
		t.Error("a should be failed")
	}
	if !p.IsBlocked(bID) {
		t.Error("b should be blocked")
	}
	if len(p.CompletedTasks) != 1 {
		t.Errorf("completed = %v, want exactly c", p.CompletedTasks)
	}
}

func TestExecuteAllFailedIsFailed(t *testing.T) {
	draft := &planner.Draft{
		Title: "doomed",
		Tasks: []planner.DraftTask{calendarDraftTask("a", "low")},
	}
	exec := &stubExecutor{agentType: plan.AgentCalendar}
	exec.outcome = func(task *plan.Task) (*executor.Result, error) {
		return nil, errors.New("404 not found")
	}
	c, _ := newTestCoordinator(draft, exec)
	ctx := context.Background()

	p, err := c.CreatePlan(ctx, "user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err = c.Execute(ctx, p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p.Status != plan.StatusFailed {
		t.Errorf("status = %s, want failed", p.Status)
	}
}

func TestExecutorApprovalRequestPausesPlan(t *testing.T) {
	draft := &planner.Draft{
		Title: "mid-run gate",
		Tasks: []planner.DraftTask{
			calendarDraftTask("a", "low"),
			calendarDraftTask("b", "low", 0),
		},
	}
	exec := &stubExecutor{agentType: plan.AgentCalendar}
	exec.outcome = func(task *plan.Task) (*executor.Result, error) {
		if task.Title == "a" {
			return &executor.Result{AwaitingApproval: true, Detail: "conflict found"}, nil
		}
		return &executor.Result{Success: true}, nil
	}
	c, _ := newTestCoordinator(draft, exec)
	ctx := context.Background()

	p, err := c.CreatePlan(ctx, "user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err = c.Execute(ctx, p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p.Status != plan.StatusAwaitingApproval {
		t.Errorf("status = %s, want awaiting_approval", p.Status)
	}
	if got := p.Task(p.ExecutionOrder[0]).ApprovalStatus; got != plan.ApprovalPending {
		t.Errorf("task approval = %s, want pending", got)
	}
}

func TestRejectedTaskFailsWithoutRunning(t *testing.T) {
	draft := &planner.Draft{
		Title: "rejected",
		Tasks: []planner.DraftTask{
			calendarDraftTask("a", "high"),
			calendarDraftTask("b", "low"),
		},
	}
	exec := &stubExecutor{agentType: plan.AgentCalendar}
	c, _ := newTestCoordinator(draft, exec)
	ctx := context.Background()

	p, err := c.CreatePlan(ctx, "user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	aID := p.TaskGraph[0].ID
	if _, err := c.ApproveTask(ctx, p.ID, aID, false); err != nil {
		t.Fatal(err)
	}

	p, err = c.Execute(ctx, p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p.Status != plan.StatusPartiallyCompleted {
		t.Errorf("status = %s, want partially_completed", p.Status)
	}
	if !p.IsFailed(aID) {
		t.Error("rejected task should be marked failed")
	}
	got := exec.executedTitles()
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("executed = %v, want only [b]", got)
	}
}

func TestCancelStopsExecution(t *testing.T) {
	draft := &planner.Draft{
		Title: "cancel mid-run",
		Tasks: []planner.DraftTask{
			calendarDraftTask("a", "low"),
			calendarDraftTask("b", "low", 0),
		},
	}
	exec := &stubExecutor{agentType: plan.AgentCalendar}
	c, _ := newTestCoordinator(draft, exec)
	ctx := context.Background()

	p, err := c.CreatePlan(ctx, "user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	planID := p.ID
	// The first task cancels the plan out of band; the loop must notice on
	// its next reload and leave b untouched.
	exec.outcome = func(task *plan.Task) (*executor.Result, error) {
		if task.Title == "a" {
			if _, err := c.Cancel(ctx, planID); err != nil {
				return nil, err
			}
		}
		return &executor.Result{Success: true}, nil
	}

	p, err = c.Execute(ctx, planID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p.Status != plan.StatusCancelled {
		t.Errorf("status = %s, want cancelled", p.Status)
	}
	got := exec.executedTitles()
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("executed = %v, want only [a]", got)
	}
}

func TestExecuteRefusesTerminalPlan(t *testing.T) {
	draft := &planner.Draft{
		Title: "done",
		Tasks: []planner.DraftTask{calendarDraftTask("a", "low")},
	}
	exec := &stubExecutor{agentType: plan.AgentCalendar}
	c, _ := newTestCoordinator(draft, exec)
	ctx := context.Background()

	p, err := c.CreatePlan(ctx, "user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Cancel(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(ctx, p.ID); !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Errorf("err = %v, want FailedPrecondition", err)
	}
}

func TestApproveTaskValidation(t *testing.T) {
	draft := &planner.Draft{
		Title: "approvals",
		Tasks: []planner.DraftTask{calendarDraftTask("a", "low")},
	}
	c, _ := newTestCoordinator(draft, &stubExecutor{agentType: plan.AgentCalendar})
	ctx := context.Background()

	p, err := c.CreatePlan(ctx, "user-1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ApproveTask(ctx, p.ID, "missing", true); !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
	// a was auto-approved, so a second approval is a precondition failure
	if _, err := c.ApproveTask(ctx, p.ID, p.TaskGraph[0].ID, true); !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Errorf("err = %v, want FailedPrecondition", err)
	}
}
