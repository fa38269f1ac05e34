package workflow

import (
	"fmt"
	"sort"

	"github.com/grovekit/grove/internal/entity"
)

// validateSteps checks the dependency graph at submission: unique step ids,
// dependencies that stay inside the workflow, and no cycles.
func validateSteps(steps []entity.WorkflowStep) error {
	byID := make(map[string]*entity.WorkflowStep, len(steps))
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		byID[s.ID] = s
	}
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			if dep == steps[i].ID {
				return fmt.Errorf("step %s depends on itself", steps[i].ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %s depends on unknown step %s", steps[i].ID, dep)
			}
		}
	}

	// DFS coloring: white 0, grey 1, black 2.
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case 1:
			return fmt.Errorf("dependency cycle through step %s", id)
		case 2:
			return nil
		}
		color[id] = 1
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = 2
		return nil
	}
	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// readySteps returns pending steps whose dependencies are all completed,
// in index order. A skipped or failed dependency never readies a step;
// continue-mode failure handling skips dependents explicitly instead.
func readySteps(steps []entity.WorkflowStep) []*entity.WorkflowStep {
	byID := make(map[string]*entity.WorkflowStep, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}
	var ready []*entity.WorkflowStep
	for i := range steps {
		s := &steps[i]
		if s.Status != entity.StepStatusPending && s.Status != entity.StepStatusReady {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if d := byID[dep]; d == nil || d.Status != entity.StepStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Index < ready[j].Index })
	return ready
}

// dependentsOf returns the ids of steps reachable from stepID along reversed
// dependency edges, i.e. everything that transitively requires it.
func dependentsOf(steps []entity.WorkflowStep, stepID string) []string {
	forward := make(map[string][]string)
	for i := range steps {
		for _, dep := range steps[i].DependsOn {
			forward[dep] = append(forward[dep], steps[i].ID)
		}
	}
	seen := map[string]bool{stepID: true}
	queue := []string{stepID}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range forward[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}

// allSettled reports whether every step reached a final status.
func allSettled(steps []entity.WorkflowStep) bool {
	for i := range steps {
		switch steps[i].Status {
		case entity.StepStatusCompleted, entity.StepStatusFailed, entity.StepStatusSkipped:
		default:
			return false
		}
	}
	return true
}

// anyFailed reports whether at least one step failed.
func anyFailed(steps []entity.WorkflowStep) bool {
	for i := range steps {
		if steps[i].Status == entity.StepStatusFailed {
			return true
		}
	}
	return false
}

// settledPrefix counts the leading steps, in index order, that finished
// successfully or were skipped. current_step_index only ever advances to
// this value.
func settledPrefix(steps []entity.WorkflowStep) int {
	ordered := make([]*entity.WorkflowStep, len(steps))
	for i := range steps {
		ordered[i] = &steps[i]
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	n := 0
	for _, s := range ordered {
		if s.Status != entity.StepStatusCompleted && s.Status != entity.StepStatusSkipped {
			break
		}
		n++
	}
	return n
}
