// Package resolver computes dependency-respecting execution orders for plan
// task graphs. All functions are pure: they never mutate their inputs, so
// resolving the same task list twice yields identical results.
package resolver

import (
	"sort"

	"github.com/vitalplan/vitalplan/internal/plan"
)

// ExecutionGroup is one frontier of the dependency graph: every task in it
// has all dependencies satisfied by earlier groups.
type ExecutionGroup struct {
	Index            int      `json:"index"`
	TaskIDs          []string `json:"task_ids"`
	CanRunInParallel bool     `json:"can_run_in_parallel"`
}

// Resolution is the output of Resolve.
type Resolution struct {
	ExecutionOrder []string
	Groups         []ExecutionGroup
	HasCycle       bool
	// CycleNodes is the exact set of tasks whose dependencies never fully
	// resolve: members of a cycle plus every task reachable only through
	// one. Empty when HasCycle is false.
	CycleNodes []string
}

// Resolve runs Kahn's algorithm over the task graph. Each whole frontier
// becomes one ExecutionGroup; a group is marked parallelizable only when it
// has more than one member and every member opts in.
//
// A dependency id not present in the task set never resolves, so the
// referencing task is reported in CycleNodes. Callers are expected to
// validate references beforehand.
func Resolve(tasks []*plan.Task) Resolution {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	byID := make(map[string]*plan.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		indegree[t.ID] = len(t.DependsOn)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	// Seed the frontier in input order for determinism.
	var frontier []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			frontier = append(frontier, t.ID)
		}
	}

	var (
		order  []string
		groups []ExecutionGroup
	)
	for len(frontier) > 0 {
		group := ExecutionGroup{
			Index:   len(groups),
			TaskIDs: frontier,
		}
		group.CanRunInParallel = len(frontier) > 1
		for _, id := range frontier {
			if !byID[id].CanRunParallel {
				group.CanRunInParallel = false
				break
			}
		}
		groups = append(groups, group)
		order = append(order, frontier...)

		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if len(order) != len(tasks) {
		emitted := make(map[string]bool, len(order))
		for _, id := range order {
			emitted[id] = true
		}
		var cycleNodes []string
		for _, t := range tasks {
			if !emitted[t.ID] {
				cycleNodes = append(cycleNodes, t.ID)
			}
		}
		return Resolution{HasCycle: true, CycleNodes: cycleNodes}
	}

	return Resolution{ExecutionOrder: order, Groups: groups}
}

// Optimize reorders baseOrder so that within each dependency level, lower
// risk tasks come first. A task's level is 1 + max(level of each dependency),
// 0 for tasks with no dependencies; the pass never moves a task across
// levels. The sort is stable: equal-risk tasks keep their base order.
func Optimize(tasks []*plan.Task, baseOrder []string) []string {
	byID := make(map[string]*plan.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	levels := make(map[string]int, len(tasks))
	var levelOf func(id string, seen map[string]bool) int
	levelOf = func(id string, seen map[string]bool) int {
		if lv, ok := levels[id]; ok {
			return lv
		}
		t := byID[id]
		if t == nil || seen[id] {
			// Unknown task or cyclic reference; level 0 keeps the pass a
			// no-op for degenerate input.
			return 0
		}
		seen[id] = true
		lv := 0
		for _, dep := range t.DependsOn {
			if depLv := levelOf(dep, seen) + 1; depLv > lv {
				lv = depLv
			}
		}
		delete(seen, id)
		levels[id] = lv
		return lv
	}
	maxLevel := 0
	for _, id := range baseOrder {
		if lv := levelOf(id, map[string]bool{}); lv > maxLevel {
			maxLevel = lv
		}
	}

	// Bucket by level preserving base order, then stable-sort each bucket
	// by risk ascending.
	buckets := make([][]string, maxLevel+1)
	for _, id := range baseOrder {
		lv := levels[id]
		buckets[lv] = append(buckets[lv], id)
	}

	reordered := make([]string, 0, len(baseOrder))
	for _, bucket := range buckets {
		sort.SliceStable(bucket, func(i, j int) bool {
			ti, tj := byID[bucket[i]], byID[bucket[j]]
			if ti == nil || tj == nil {
				return false
			}
			return ti.RiskLevel.Rank() < tj.RiskLevel.Rank()
		})
		reordered = append(reordered, bucket...)
	}
	return reordered
}

// DependenciesMet reports whether every dependency of taskID is completed.
func DependenciesMet(taskID string, tasks []*plan.Task, completed map[string]bool) bool {
	for _, t := range tasks {
		if t.ID != taskID {
			continue
		}
		for _, dep := range t.DependsOn {
			if !completed[dep] {
				return false
			}
		}
		return true
	}
	return false
}

// ReadyTasks returns, in input order, the ids of tasks that may run now: all
// dependencies completed and the task itself neither completed nor in
// progress.
func ReadyTasks(tasks []*plan.Task, completed, inProgress map[string]bool) []string {
	var ready []string
	for _, t := range tasks {
		if completed[t.ID] || inProgress[t.ID] {
			continue
		}
		if DependenciesMet(t.ID, tasks, completed) {
			ready = append(ready, t.ID)
		}
	}
	return ready
}
