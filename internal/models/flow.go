// Package models defines the core data structures for DialogPipe.
//
// It includes flow definitions (flows, states, actions), per-user sessions and the
// channel-agnostic message envelopes shared across modules.
package models

import "strings"

// StateType is the tagged variant of a flow state.
type StateType string

const (
	// StateTypeAction runs its configured actions in order.
	StateTypeAction StateType = "action"
	// StateTypeWait suspends until the next user message and hands it to a collector.
	StateTypeWait StateType = "wait"
	// StateTypeDecision runs exactly one condition executor and branches on its signal.
	StateTypeDecision StateType = "decision"
	// StateTypeEnd completes the flow when entered.
	StateTypeEnd StateType = "end"
)

// IsValidStateType checks if the given state type is supported.
func IsValidStateType(st StateType) bool {
	switch st {
	case StateTypeAction, StateTypeWait, StateTypeDecision, StateTypeEnd:
		return true
	default:
		return false
	}
}

// ExecutorType is the tag that selects a step executor for an action.
type ExecutorType string

// Executor type tags understood by the built-in executor set.
const (
	ExecutorNLU               ExecutorType = "nlu"
	ExecutorCollectData       ExecutorType = "collect_data"
	ExecutorTool              ExecutorType = "tool"
	ExecutorValidate          ExecutorType = "validate"
	ExecutorValidateZone      ExecutorType = "validate_zone"
	ExecutorCalculate         ExecutorType = "calculate"
	ExecutorCalculateDistance ExecutorType = "calculate_distance"
	ExecutorCalculateCharges  ExecutorType = "calculate_charges"
	ExecutorLLM               ExecutorType = "llm"
	ExecutorAPICall           ExecutorType = "api_call"
	ExecutorRespond           ExecutorType = "respond"
	ExecutorCondition         ExecutorType = "condition"
	ExecutorDecision          ExecutorType = "decision"
	ExecutorGame              ExecutorType = "game"
	ExecutorGamification      ExecutorType = "gamification"
	ExecutorPricing           ExecutorType = "pricing"
)

// Reserved transition signals.
const (
	SignalDefault     = "default"
	SignalSuccess     = "success"
	SignalError       = "error"
	SignalInvalid     = "invalid"
	SignalMaxAttempts = "max_attempts"
)

// Reserved transition targets. They are sentinels unless the flow declares a
// state with the same id, in which case the real state wins.
const (
	TargetError = "error"
	TargetReset = "reset"
)

// IsSentinelTarget reports whether id is one of the reserved transition targets.
func IsSentinelTarget(id string) bool {
	return id == TargetError || id == TargetReset
}

// DefaultMaxAttempts is the per-wait-state attempt limit when neither the state
// nor the configuration sets one.
const DefaultMaxAttempts = 3

// Action is one unit of work inside a state, delegated to a step executor.
type Action struct {
	ID       string         `json:"id" yaml:"id"`
	Executor ExecutorType   `json:"executor" yaml:"executor"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Output   string         `json:"output,omitempty" yaml:"output,omitempty"` // collected data key for the executor result
}

// State is one node of a flow graph.
type State struct {
	Type        StateType         `json:"type" yaml:"type"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Prompt      string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`           // emitted when the state is entered
	RetryPrompt string            `json:"retryPrompt,omitempty" yaml:"retryPrompt,omitempty"` // emitted on invalid input
	MaxAttempts int               `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	Actions     []Action          `json:"actions,omitempty" yaml:"actions,omitempty"`
	Transitions map[string]string `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// Flow is a named state machine definition for one category of conversation.
type Flow struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	Description  string           `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger      string           `json:"trigger" yaml:"trigger"`
	Module       string           `json:"module" yaml:"module"`
	Version      string           `json:"version,omitempty" yaml:"version,omitempty"`
	Enabled      bool             `json:"enabled" yaml:"enabled"`
	InitialState string           `json:"initialState" yaml:"initialState"`
	FinalStates  []string         `json:"finalStates" yaml:"finalStates"`
	States       map[string]State `json:"states" yaml:"states"`
}

// IsFinal reports whether stateID completes the flow when entered, either by
// being listed in FinalStates or by being an end state.
func (f *Flow) IsFinal(stateID string) bool {
	for _, id := range f.FinalStates {
		if id == stateID {
			return true
		}
	}
	st, ok := f.States[stateID]
	return ok && st.Type == StateTypeEnd
}

// State returns the state with the given id.
func (f *Flow) State(id string) (State, bool) {
	st, ok := f.States[id]
	return st, ok
}

// MatchesDomain reports whether the flow belongs to a keyword domain by module,
// id or name.
func (f *Flow) MatchesDomain(domain string) bool {
	domain = strings.ToLower(domain)
	if domain == "" {
		return false
	}
	return strings.EqualFold(f.Module, domain) ||
		strings.Contains(strings.ToLower(f.ID), domain) ||
		strings.Contains(strings.ToLower(f.Name), domain)
}

// Clone returns a deep copy of the flow definition.
func (f Flow) Clone() Flow {
	out := f
	out.FinalStates = append([]string(nil), f.FinalStates...)
	out.States = make(map[string]State, len(f.States))
	for id, st := range f.States {
		cp := st
		cp.Actions = make([]Action, len(st.Actions))
		for i, a := range st.Actions {
			a.Config = CloneMap(a.Config)
			cp.Actions[i] = a
		}
		if st.Transitions != nil {
			cp.Transitions = make(map[string]string, len(st.Transitions))
			for k, v := range st.Transitions {
				cp.Transitions[k] = v
			}
		}
		out.States[id] = cp
	}
	return out
}

// FlowSummary is the listing view of a registered flow.
type FlowSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
	Module  string `json:"module"`
	Version string `json:"version,omitempty"`
	Enabled bool   `json:"enabled"`
	States  int    `json:"states"`
}

// Summary returns the listing view of the flow.
func (f *Flow) Summary() FlowSummary {
	return FlowSummary{
		ID:      f.ID,
		Name:    f.Name,
		Trigger: f.Trigger,
		Module:  f.Module,
		Version: f.Version,
		Enabled: f.Enabled,
		States:  len(f.States),
	}
}
