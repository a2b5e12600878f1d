package registry

import (
	"fmt"
	"slices"
	"sort"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Report is the outcome of validating a flow definition.
type Report struct {
	FlowID   string   `json:"flowId"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether the flow may be registered.
func (r Report) Valid() bool {
	return len(r.Errors) == 0
}

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks the structural invariants of a flow:
//
//   - initialState and every final state exist;
//   - every transition target is a state or a reserved sentinel;
//   - every state is reachable from initialState;
//   - every non-terminal state has a way out, and from every reachable state
//     some final state (or sentinel) is reachable.
//
// Self-transitions and back-edges are legal; only closed loops with no exit are
// rejected. known may be nil; when set, unknown executor tags produce warnings
// because the engine recovers from them at runtime.
func Validate(flow models.Flow, known func(models.ExecutorType) bool) Report {
	report := Report{FlowID: flow.ID, Errors: []string{}, Warnings: []string{}}

	if flow.ID == "" {
		report.errorf("flow id is required")
	}
	if flow.Trigger == "" {
		report.warnf("flow has no trigger; it can only be selected by fallback strategies")
	}
	if len(flow.States) == 0 {
		report.errorf("flow has no states")
		return report
	}

	if _, ok := flow.States[flow.InitialState]; !ok {
		report.errorf("initial state %q is not a declared state", flow.InitialState)
	}
	for _, id := range flow.FinalStates {
		if _, ok := flow.States[id]; !ok {
			report.errorf("final state %q is not a declared state", id)
		}
	}

	ids := sortedStateIDs(flow)
	for _, id := range ids {
		validateState(&report, &flow, id, flow.States[id], known)
	}

	if _, ok := flow.States[flow.InitialState]; !ok {
		return report
	}

	reachable := reachableFrom(&flow, flow.InitialState)
	for _, id := range ids {
		if !reachable[id] {
			report.errorf("state %q is unreachable from initial state %q", id, flow.InitialState)
		}
	}

	canExit := statesWithExit(&flow)
	for _, id := range ids {
		if reachable[id] && !canExit[id] {
			report.errorf("state %q can never reach a final state", id)
		}
	}
	return report
}

func validateState(report *Report, flow *models.Flow, id string, st models.State, known func(models.ExecutorType) bool) {
	if !models.IsValidStateType(st.Type) {
		report.errorf("state %q has invalid type %q", id, st.Type)
		return
	}
	if st.MaxAttempts < 0 {
		report.errorf("state %q has negative maxAttempts", id)
	}

	switch st.Type {
	case models.StateTypeAction:
		if len(st.Actions) == 0 {
			report.errorf("action state %q has no actions", id)
		}
	case models.StateTypeDecision:
		if len(st.Actions) != 1 {
			report.errorf("decision state %q must have exactly one action, has %d", id, len(st.Actions))
		} else if tag := st.Actions[0].Executor; tag != models.ExecutorCondition && tag != models.ExecutorDecision {
			report.warnf("decision state %q uses %q instead of a condition executor", id, tag)
		}
	case models.StateTypeEnd:
		if len(st.Actions) > 0 {
			report.warnf("end state %q declares actions that will never run", id)
		}
		if !slices.Contains(flow.FinalStates, id) {
			report.warnf("end state %q is not listed in finalStates", id)
		}
	}

	seen := make(map[string]bool, len(st.Actions))
	for i, a := range st.Actions {
		if a.Executor == "" {
			report.errorf("state %q action %d has no executor type", id, i)
			continue
		}
		if known != nil && !known(a.Executor) {
			report.warnf("state %q action %q uses unregistered executor %q", id, a.ID, a.Executor)
		}
		if a.ID != "" {
			if seen[a.ID] {
				report.warnf("state %q has duplicate action id %q", id, a.ID)
			}
			seen[a.ID] = true
		}
	}

	terminal := flow.IsFinal(id)
	if !terminal && len(st.Transitions) == 0 {
		report.errorf("state %q has no transitions and is not final", id)
	}
	for _, signal := range sortedKeys(st.Transitions) {
		target := st.Transitions[signal]
		if signal == "" {
			report.errorf("state %q has a transition with an empty signal", id)
		}
		if _, ok := flow.States[target]; ok || models.IsSentinelTarget(target) {
			continue
		}
		report.errorf("state %q transition %q targets unknown state %q", id, signal, target)
	}
}

// reachableFrom walks transitions breadth-first. Terminal states are not expanded.
func reachableFrom(flow *models.Flow, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if flow.IsFinal(id) {
			continue
		}
		st := flow.States[id]
		for _, target := range st.Transitions {
			if _, ok := flow.States[target]; !ok || seen[target] {
				continue
			}
			seen[target] = true
			queue = append(queue, target)
		}
	}
	return seen
}

// statesWithExit returns the states from which a final state or a sentinel
// target can be reached, by walking transitions backwards from the exits.
func statesWithExit(flow *models.Flow) map[string]bool {
	incoming := make(map[string][]string)
	canExit := make(map[string]bool)
	var queue []string

	for id, st := range flow.States {
		if flow.IsFinal(id) {
			if !canExit[id] {
				canExit[id] = true
				queue = append(queue, id)
			}
			continue
		}
		for _, target := range st.Transitions {
			if _, isState := flow.States[target]; !isState && models.IsSentinelTarget(target) {
				if !canExit[id] {
					canExit[id] = true
					queue = append(queue, id)
				}
				continue
			}
			incoming[target] = append(incoming[target], id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, from := range incoming[id] {
			if !canExit[from] {
				canExit[from] = true
				queue = append(queue, from)
			}
		}
	}
	return canExit
}

func sortedStateIDs(flow models.Flow) []string {
	ids := make([]string, 0, len(flow.States))
	for id := range flow.States {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
