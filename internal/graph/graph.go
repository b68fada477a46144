// Package graph resolves the dependency structure of a plan's tasks.
//
// Edges are plan-local task_id strings; adjacency is rebuilt from the flat
// task list on every call, so there is no long-lived graph to drift from
// persisted state.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"plangate/internal/domain"
)

// Validate rejects empty plans, duplicate or blank task ids, dangling
// dependencies and cycles.
func Validate(tasks []domain.TaskPlanTask) error {
	_, err := TopoOrder(tasks)
	return err
}

// TopoOrder returns task ids in dependency order using Kahn's method. Ties are
// broken by ascending task_id so the order is deterministic.
func TopoOrder(tasks []domain.TaskPlanTask) ([]string, error) {
	if len(tasks) == 0 {
		return nil, domain.Invalid(domain.ErrEmptyPlan, "", "plan has no tasks")
	}
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if strings.TrimSpace(t.TaskID) == "" {
			return nil, domain.Invalid(domain.ErrInvalidPlan, "", fmt.Sprintf("task at position %d has no task_id", i))
		}
		if _, dup := index[t.TaskID]; dup {
			return nil, domain.Invalid(domain.ErrInvalidPlan, t.TaskID, "duplicate task_id")
		}
		index[t.TaskID] = i
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		inDegree[t.TaskID] += 0
		for _, dep := range t.Dependencies {
			if dep == t.TaskID {
				return nil, domain.Invalid(domain.ErrCycleDetected, t.TaskID, "task depends on itself")
			}
			if _, ok := index[dep]; !ok {
				return nil, domain.Invalid(domain.ErrDanglingDependency, t.TaskID, fmt.Sprintf("unknown dependency %q", dep))
			}
			inDegree[t.TaskID]++
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		var freed []string
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		if len(freed) > 0 {
			queue = append(queue, freed...)
			sort.Strings(queue)
		}
	}

	if len(order) != len(tasks) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, domain.Invalid(domain.ErrCycleDetected, stuck[0], "cycle through "+strings.Join(stuck, ", "))
	}
	return order, nil
}

// waiting reports whether a task has not been picked up yet.
func waiting(s domain.TaskStatus) bool {
	return s == domain.TaskPending || s == domain.TaskBlocked || s == domain.TaskReady
}

// ReadyTasks returns, ascending by task_id, every pending or blocked task whose
// dependencies are all completed or skipped.
func ReadyTasks(tasks []domain.TaskPlanTask) []domain.TaskPlanTask {
	status := statusByID(tasks)
	var ready []domain.TaskPlanTask
	for _, t := range tasks {
		if !waiting(t.Status) {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			s, found := status[dep]
			if !found || (s != domain.TaskCompleted && s != domain.TaskSkipped) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].TaskID < ready[j].TaskID })
	return ready
}

// Dependents returns the direct dependents of taskID, ascending.
func Dependents(tasks []domain.TaskPlanTask, taskID string) []string {
	var res []string
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep == taskID {
				res = append(res, t.TaskID)
				break
			}
		}
	}
	sort.Strings(res)
	return res
}

// Cascade returns the waiting tasks that must become skipped because a
// dependency failed, was rejected or was itself skipped. Propagation walks
// direct dependents only, starting from the failed tasks.
func Cascade(tasks []domain.TaskPlanTask) []string {
	byID := make(map[string]domain.TaskPlanTask, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	var frontier []string
	for _, t := range tasks {
		byID[t.TaskID] = t
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
		if t.Status.IsFailure() {
			frontier = append(frontier, t.TaskID)
		}
	}

	skipped := map[string]bool{}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, next := range dependents[id] {
			if skipped[next] || !waiting(byID[next].Status) {
				continue
			}
			skipped[next] = true
			frontier = append(frontier, next)
		}
	}

	res := make([]string, 0, len(skipped))
	for id := range skipped {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

// Blocked reports whether t still waits on a non-terminal dependency.
func Blocked(tasks []domain.TaskPlanTask, t domain.TaskPlanTask) bool {
	status := statusByID(tasks)
	for _, dep := range t.Dependencies {
		if !status[dep].IsTerminal() {
			return true
		}
	}
	return false
}

func statusByID(tasks []domain.TaskPlanTask) map[string]domain.TaskStatus {
	m := make(map[string]domain.TaskStatus, len(tasks))
	for _, t := range tasks {
		m[t.TaskID] = t.Status
	}
	return m
}
