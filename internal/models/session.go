package models

import "time"

// Session is the persisted per-user record of the active flow, the current
// state and the data collected so far.
type Session struct {
	ID            string         `json:"id" bson:"_id"` // identity, e.g. a canonical phone number
	Platform      string         `json:"platform,omitempty" bson:"platform,omitempty"`
	CurrentFlowID string         `json:"currentFlowId,omitempty" bson:"current_flow_id,omitempty"` // empty means idle
	CurrentState  string         `json:"currentStateId,omitempty" bson:"current_state_id,omitempty"`
	CollectedData map[string]any `json:"collectedData" bson:"collected_data"`
	StepAttempts  map[string]int `json:"stepAttempts" bson:"step_attempts"`
	Authenticated bool           `json:"authenticated" bson:"authenticated"`
	CreatedAt     time.Time      `json:"createdAt" bson:"created_at"`
	UpdatedAt     time.Time      `json:"updatedAt" bson:"updated_at"`
}

// NewSession creates an idle session for the given identity.
func NewSession(id, platform string) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		Platform:      platform,
		CollectedData: make(map[string]any),
		StepAttempts:  make(map[string]int),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsIdle reports whether the session is waiting for flow resolution.
func (s *Session) IsIdle() bool {
	return s.CurrentFlowID == ""
}

// Start points the session at the initial state of a flow.
func (s *Session) Start(flowID, initialState string) {
	s.CurrentFlowID = flowID
	s.CurrentState = initialState
	s.StepAttempts = make(map[string]int)
}

// Reset returns the session to idle and drops everything collected by the flow.
// The authenticated flag outlives the flow.
func (s *Session) Reset() {
	s.CurrentFlowID = ""
	s.CurrentState = ""
	s.CollectedData = make(map[string]any)
	s.StepAttempts = make(map[string]int)
}

// MergeData merges executor output into the collected data.
func (s *Session) MergeData(data map[string]any) {
	if s.CollectedData == nil {
		s.CollectedData = make(map[string]any)
	}
	for k, v := range data {
		s.CollectedData[k] = v
	}
}

// Attempts returns the retry count recorded for a state.
func (s *Session) Attempts(stateID string) int {
	return s.StepAttempts[stateID]
}

// IncrementAttempts bumps the retry count for a state and returns the new value.
func (s *Session) IncrementAttempts(stateID string) int {
	if s.StepAttempts == nil {
		s.StepAttempts = make(map[string]int)
	}
	s.StepAttempts[stateID]++
	return s.StepAttempts[stateID]
}

// ClearAttempts forgets the retry count for a state.
func (s *Session) ClearAttempts(stateID string) {
	delete(s.StepAttempts, stateID)
}

// Clone returns a deep copy so that callers never share collected data.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.CollectedData = CloneMap(s.CollectedData)
	if out.CollectedData == nil {
		out.CollectedData = make(map[string]any)
	}
	out.StepAttempts = make(map[string]int, len(s.StepAttempts))
	for k, v := range s.StepAttempts {
		out.StepAttempts[k] = v
	}
	return &out
}

// CloneMap deep-copies nested maps and slices of a JSON-like value tree.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = cloneValue(item)
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
