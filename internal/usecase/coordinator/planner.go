package coordinator

import (
	"fmt"

	"conductor/internal/domain"
)

// Plan builds the leveled execution plan for a batch of actions: a
// breadth-first topological leveling where each level holds the actions
// whose dependencies are all satisfied by prior levels.
//
// Cycles and unknown dependency ids are caller errors, reported before
// anything is dispatched.
func (c *Coordinator) Plan(actions []domain.Action) (*domain.ExecutionPlan, error) {
	if actions == nil {
		return nil, domain.NewDomainError("Coordinator.Plan", domain.ErrInvalidInput, "nil action list")
	}

	byID := make(map[domain.ActionID]domain.Action, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			return nil, domain.NewDomainError("Coordinator.Plan", domain.ErrInvalidInput, "action with empty id")
		}
		if _, dup := byID[a.ID]; dup {
			return nil, domain.NewDomainError("Coordinator.Plan", domain.ErrInvalidInput,
				fmt.Sprintf("duplicate action id %q", a.ID))
		}
		byID[a.ID] = a
	}

	// In-degree per action and forward edges dependency -> dependents.
	inDegree := make(map[domain.ActionID]int, len(actions))
	dependents := make(map[domain.ActionID][]domain.ActionID)
	for _, a := range actions {
		inDegree[a.ID] = len(a.DependsOn)
		for _, dep := range a.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, domain.NewDomainError("Coordinator.Plan", domain.ErrDependencyNotFound,
					fmt.Sprintf("action %q depends on unknown %q", a.ID, dep))
			}
			dependents[dep] = append(dependents[dep], a.ID)
		}
	}

	plan := &domain.ExecutionPlan{Actions: byID}
	placed := 0
	frontier := make([]domain.ActionID, 0, len(actions))
	for _, a := range actions {
		if inDegree[a.ID] == 0 {
			frontier = append(frontier, a.ID)
		}
	}

	for len(frontier) > 0 {
		level := frontier
		frontier = nil
		plan.Levels = append(plan.Levels, level)
		placed += len(level)

		for _, id := range level {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					frontier = append(frontier, dep)
				}
			}
		}
	}

	// No progress with actions remaining means every leftover action sits
	// on a cycle.
	if placed != len(actions) {
		return nil, domain.NewDomainError("Coordinator.Plan", domain.ErrCyclicDependency,
			fmt.Sprintf("%d actions unreachable", len(actions)-placed))
	}
	return plan, nil
}
