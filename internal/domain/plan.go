package domain

// ExecutionPlan is the leveled form of a dependency graph. Level N+1 never
// dispatches until every action in level N has reached a terminal state.
//
// Invariants, established by the planner:
//   - every action appears in exactly one level
//   - an action's level index is strictly greater than the level index of
//     every action it depends on
type ExecutionPlan struct {
	Levels  [][]ActionID
	Actions map[ActionID]Action
}

// Size returns the number of actions in the plan.
func (p *ExecutionPlan) Size() int {
	return len(p.Actions)
}

// LevelOf returns the level index of an action, or -1 if absent.
func (p *ExecutionPlan) LevelOf(id ActionID) int {
	for i, level := range p.Levels {
		for _, a := range level {
			if a == id {
				return i
			}
		}
	}
	return -1
}
