package types

import (
	"strings"
)

// Step returns the step with the given id.
func (f *Flow) Step(id string) (Step, bool) {
	for _, s := range f.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// IsPortable reports whether every step is described by a TxPlan and every
// dependency can be serialized.
func (f *Flow) IsPortable() bool {
	for _, s := range f.Steps {
		if _, ok := s.Spec.(*TxPlan); !ok {
			return false
		}
		for _, d := range s.DependsOn {
			if d.Match != nil {
				return false
			}
		}
	}
	return true
}

// Validate checks step ids, dependency targets and acyclicity.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return NewValidationError("flow ID cannot be empty")
	}
	if len(f.Steps) == 0 {
		return NewValidationError("flow %s must have at least one step", f.ID)
	}

	ids := make(map[string]bool, len(f.Steps))
	for _, s := range f.Steps {
		if s.ID == "" {
			return NewValidationError("step ID cannot be empty")
		}
		if ids[s.ID] {
			return NewValidationError("duplicate step ID %s found in flow", s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range f.Steps {
		if s.Spec == nil {
			return NewFlowError(KindValidation, s.ID, nil, "step has no transaction specification")
		}
		if s.Retry != nil {
			if err := s.Retry.Validate(); err != nil {
				return NewFlowError(KindValidation, s.ID, err, "invalid retry policy")
			}
		}
		for _, d := range s.DependsOn {
			if d.FromStep == s.ID {
				return NewFlowError(KindValidation, s.ID, nil, "step cannot depend on itself")
			}
			if !ids[d.FromStep] {
				return NewFlowError(KindValidation, s.ID, nil, "dependency on unknown step %s", d.FromStep)
			}
			switch d.Strategy {
			case SelectAll:
			case SelectIndex:
				if d.UtxoIndex < 0 {
					return NewFlowError(KindValidation, s.ID, nil, "negative utxo index %d", d.UtxoIndex)
				}
			case SelectPredicate:
				if d.Predicate == "" && d.Match == nil {
					return NewFlowError(KindValidation, s.ID, nil, "predicate dependency on %s has no predicate", d.FromStep)
				}
			default:
				return NewFlowError(KindValidation, s.ID, nil, "unknown selection strategy %q", d.Strategy)
			}
		}
	}

	if cycle := f.findCycle(); cycle != nil {
		return NewValidationError("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle returns the step ids forming a cycle, or nil.
func (f *Flow) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(f.Steps))
	deps := f.upstream()
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, up := range deps[id] {
			switch color[up] {
			case grey:
				for i, s := range stack {
					if s == up {
						cycle = append(append([]string{}, stack[i:]...), up)
						break
					}
				}
				return true
			case white:
				if visit(up) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, s := range f.Steps {
		if color[s.ID] == white && visit(s.ID) {
			return cycle
		}
	}
	return nil
}

// upstream maps each step to the distinct steps it depends on.
func (f *Flow) upstream() map[string][]string {
	deps := make(map[string][]string, len(f.Steps))
	for _, s := range f.Steps {
		seen := make(map[string]bool)
		for _, d := range s.DependsOn {
			if !seen[d.FromStep] {
				seen[d.FromStep] = true
				deps[s.ID] = append(deps[s.ID], d.FromStep)
			}
		}
	}
	return deps
}

// TopologicalOrder returns the steps ordered so that every step follows its
// dependencies. Among ready steps definition order is kept. The flow must be valid.
func (f *Flow) TopologicalOrder() []Step {
	deps := f.upstream()
	done := make(map[string]bool, len(f.Steps))
	order := make([]Step, 0, len(f.Steps))

	for len(order) < len(f.Steps) {
		progressed := false
		for _, s := range f.Steps {
			if done[s.ID] {
				continue
			}
			ready := true
			for _, up := range deps[s.ID] {
				if !done[up] {
					ready = false
					break
				}
			}
			if ready {
				done[s.ID] = true
				order = append(order, s)
				progressed = true
				break
			}
		}
		if !progressed {
			// cycle; Validate reports it
			return order
		}
	}
	return order
}

// Dependents returns every step that depends on stepID directly or transitively,
// in definition order.
func (f *Flow) Dependents(stepID string) []string {
	deps := f.upstream()
	affected := map[string]bool{stepID: true}
	for changed := true; changed; {
		changed = false
		for _, s := range f.Steps {
			if affected[s.ID] {
				continue
			}
			for _, up := range deps[s.ID] {
				if affected[up] {
					affected[s.ID] = true
					changed = true
					break
				}
			}
		}
	}
	var out []string
	for _, s := range f.Steps {
		if s.ID != stepID && affected[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}
