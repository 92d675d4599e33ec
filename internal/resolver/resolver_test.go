package resolver

import (
	"reflect"
	"testing"

	"github.com/vitalplan/vitalplan/internal/plan"
)

func task(id string, risk plan.RiskLevel, parallel bool, deps ...string) *plan.Task {
	return &plan.Task{
		ID:             id,
		AgentType:      plan.AgentScript,
		Title:          id,
		RiskLevel:      risk,
		DependsOn:      deps,
		CanRunParallel: parallel,
	}
}

func TestResolveLinearChain(t *testing.T) {
	tasks := []*plan.Task{
		task("a", plan.RiskLow, true),
		task("b", plan.RiskLow, true, "a"),
		task("c", plan.RiskLow, true, "b"),
	}

	res := Resolve(tasks)
	if res.HasCycle {
		t.Fatalf("unexpected cycle: %v", res.CycleNodes)
	}
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(res.ExecutionOrder, want) {
		t.Errorf("order = %v, want %v", res.ExecutionOrder, want)
	}
	if len(res.Groups) != 3 {
		t.Errorf("groups = %d, want 3", len(res.Groups))
	}
	for _, g := range res.Groups {
		if g.CanRunInParallel {
			t.Errorf("single-member group %d marked parallel", g.Index)
		}
	}
}

func TestResolveDiamond(t *testing.T) {
	tasks := []*plan.Task{
		task("root", plan.RiskLow, true),
		task("left", plan.RiskLow, true, "root"),
		task("right", plan.RiskLow, true, "root"),
		task("join", plan.RiskLow, true, "left", "right"),
	}

	res := Resolve(tasks)
	if res.HasCycle {
		t.Fatalf("unexpected cycle: %v", res.CycleNodes)
	}

	pos := make(map[string]int, len(res.ExecutionOrder))
	for i, id := range res.ExecutionOrder {
		pos[id] = i
	}
	if len(pos) != len(tasks) {
		t.Fatalf("order contains %d unique ids, want %d", len(pos), len(tasks))
	}
	for _, tk := range tasks {
		for _, dep := range tk.DependsOn {
			if pos[dep] >= pos[tk.ID] {
				t.Errorf("dependency %s does not precede %s", dep, tk.ID)
			}
		}
	}

	if got := res.Groups[1].TaskIDs; !reflect.DeepEqual(got, []string{"left", "right"}) {
		t.Errorf("middle group = %v, want [left right]", got)
	}
	if !res.Groups[1].CanRunInParallel {
		t.Error("middle group should be parallelizable")
	}
}

func TestResolveGroupParallelismRequiresAllMembers(t *testing.T) {
	tasks := []*plan.Task{
		task("a", plan.RiskLow, true),
		task("b", plan.RiskLow, false),
	}
	res := Resolve(tasks)
	if res.Groups[0].CanRunInParallel {
		t.Error("group with an opted-out member must not be parallelizable")
	}
}

func TestResolveCycleNodesExact(t *testing.T) {
	// a <-> b form a cycle; c is independent; d is acyclic but reachable
	// only through the cycle, so it belongs to CycleNodes too.
	tasks := []*plan.Task{
		task("a", plan.RiskLow, true, "b"),
		task("b", plan.RiskLow, true, "a"),
		task("c", plan.RiskLow, true),
		task("d", plan.RiskLow, true, "b"),
	}

	res := Resolve(tasks)
	if !res.HasCycle {
		t.Fatal("expected cycle")
	}
	if len(res.ExecutionOrder) != 0 {
		t.Errorf("execution order should be empty on cycle, got %v", res.ExecutionOrder)
	}
	if len(res.Groups) != 0 {
		t.Errorf("groups should be empty on cycle, got %v", res.Groups)
	}
	want := []string{"a", "b", "d"}
	if !reflect.DeepEqual(res.CycleNodes, want) {
		t.Errorf("cycle nodes = %v, want %v", res.CycleNodes, want)
	}
}

func TestResolveIdempotent(t *testing.T) {
	tasks := []*plan.Task{
		task("a", plan.RiskLow, true),
		task("b", plan.RiskMedium, true, "a"),
		task("c", plan.RiskLow, true, "a"),
		task("d", plan.RiskHigh, true, "b", "c"),
	}

	first := Resolve(tasks)
	second := Resolve(tasks)
	if !reflect.DeepEqual(first.ExecutionOrder, second.ExecutionOrder) {
		t.Errorf("orders differ: %v vs %v", first.ExecutionOrder, second.ExecutionOrder)
	}
	if !reflect.DeepEqual(first.Groups, second.Groups) {
		t.Errorf("groups differ: %v vs %v", first.Groups, second.Groups)
	}
}

func TestOptimizeSortsWithinLevelByRisk(t *testing.T) {
	tasks := []*plan.Task{
		task("root", plan.RiskLow, true),
		task("high", plan.RiskHigh, true, "root"),
		task("med", plan.RiskMedium, true, "root"),
		task("low", plan.RiskLow, true, "root"),
	}
	res := Resolve(tasks)
	got := Optimize(tasks, res.ExecutionOrder)
	want := []string{"root", "low", "med", "high"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("optimized order = %v, want %v", got, want)
	}
}

func TestOptimizeNeverMovesAcrossLevels(t *testing.T) {
	// "late" is low risk but depends on "mid", so it must stay in level 2
	// behind every level 0/1 task regardless of risk.
	tasks := []*plan.Task{
		task("base", plan.RiskHigh, true),
		task("mid", plan.RiskHigh, true, "base"),
		task("late", plan.RiskLow, true, "mid"),
	}
	res := Resolve(tasks)
	got := Optimize(tasks, res.ExecutionOrder)
	want := []string{"base", "mid", "late"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("optimized order = %v, want %v", got, want)
	}
}

func TestOptimizeStableForEqualRisk(t *testing.T) {
	tasks := []*plan.Task{
		task("a", plan.RiskMedium, true),
		task("b", plan.RiskMedium, true),
		task("c", plan.RiskMedium, true),
	}
	got := Optimize(tasks, []string{"a", "b", "c"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("optimized order = %v, want %v", got, want)
	}
}

func TestDependenciesMet(t *testing.T) {
	tasks := []*plan.Task{
		task("a", plan.RiskLow, true),
		task("b", plan.RiskLow, true, "a"),
	}

	tests := []struct {
		name      string
		taskID    string
		completed map[string]bool
		want      bool
	}{
		{"no deps", "a", map[string]bool{}, true},
		{"dep missing", "b", map[string]bool{}, false},
		{"dep completed", "b", map[string]bool{"a": true}, true},
		{"unknown task", "zzz", map[string]bool{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DependenciesMet(tt.taskID, tasks, tt.completed); got != tt.want {
				t.Errorf("DependenciesMet(%s) = %v, want %v", tt.taskID, got, tt.want)
			}
		})
	}
}

func TestReadyTasks(t *testing.T) {
	tasks := []*plan.Task{
		task("a", plan.RiskLow, true),
		task("b", plan.RiskLow, true, "a"),
		task("c", plan.RiskLow, true, "a"),
		task("d", plan.RiskLow, true, "b"),
	}

	completed := map[string]bool{"a": true}
	inProgress := map[string]bool{"b": true}

	got := ReadyTasks(tasks, completed, inProgress)
	want := []string{"c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ready = %v, want %v", got, want)
	}
}
