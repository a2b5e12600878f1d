package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/testutil"
)

func otpFlow() models.Flow {
	return models.Flow{
		ID:           "otp_login",
		Trigger:      "login",
		Module:       "auth",
		Enabled:      true,
		InitialState: "awaiting_otp",
		FinalStates:  []string{"logged_in"},
		States: map[string]models.State{
			"awaiting_otp": {
				Type:        models.StateTypeWait,
				MaxAttempts: 3,
				Actions:     []models.Action{{ID: "otp", Executor: models.ExecutorCollectData}},
				Transitions: map[string]string{
					models.SignalSuccess:     "logged_in",
					models.SignalInvalid:     "awaiting_otp",
					models.SignalMaxAttempts: models.TargetReset,
				},
			},
			"logged_in": {Type: models.StateTypeEnd},
		},
	}
}

func TestValidateAcceptsSelfLoop(t *testing.T) {
	report := Validate(otpFlow(), nil)
	assert.True(t, report.Valid(), report.Errors)
}

func TestValidateAcceptsBackEdgeWithExit(t *testing.T) {
	flow := otpFlow()
	flow.States["confirm"] = models.State{
		Type:        models.StateTypeWait,
		Transitions: map[string]string{"yes": "logged_in", "no": "awaiting_otp"},
	}
	st := flow.States["awaiting_otp"]
	st.Transitions[models.SignalSuccess] = "confirm"
	flow.States["awaiting_otp"] = st

	report := Validate(flow, nil)
	assert.True(t, report.Valid(), report.Errors)
}

func TestValidateRejectsClosedLoop(t *testing.T) {
	flow := models.Flow{
		ID:           "loop",
		Trigger:      "t",
		InitialState: "a",
		FinalStates:  []string{"done"},
		States: map[string]models.State{
			"a":    {Type: models.StateTypeWait, Transitions: map[string]string{models.SignalDefault: "b"}},
			"b":    {Type: models.StateTypeWait, Transitions: map[string]string{models.SignalDefault: "a"}},
			"done": {Type: models.StateTypeEnd},
		},
	}
	report := Validate(flow, nil)
	assert.False(t, report.Valid())
	assert.Contains(t, report.Errors, `state "a" can never reach a final state`)
	assert.Contains(t, report.Errors, `state "b" can never reach a final state`)
	assert.Contains(t, report.Errors, `state "done" is unreachable from initial state "a"`)
}

func TestValidateStructuralErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Flow)
		want   string
	}{
		{
			name:   "missing id",
			mutate: func(f *models.Flow) { f.ID = "" },
			want:   "flow id is required",
		},
		{
			name:   "initial state not declared",
			mutate: func(f *models.Flow) { f.InitialState = "ghost" },
			want:   `initial state "ghost" is not a declared state`,
		},
		{
			name:   "final state not declared",
			mutate: func(f *models.Flow) { f.FinalStates = append(f.FinalStates, "ghost") },
			want:   `final state "ghost" is not a declared state`,
		},
		{
			name: "unknown transition target",
			mutate: func(f *models.Flow) {
				f.States["ask"].Transitions[models.SignalError] = "ghost"
			},
			want: `state "ask" transition "error" targets unknown state "ghost"`,
		},
		{
			name: "invalid state type",
			mutate: func(f *models.Flow) {
				f.States["odd"] = models.State{Type: "loop"}
				f.States["ask"].Transitions["odd"] = "odd"
			},
			want: `state "odd" has invalid type "loop"`,
		},
		{
			name: "action state without actions",
			mutate: func(f *models.Flow) {
				f.States["ask"] = models.State{Type: models.StateTypeAction, Transitions: map[string]string{models.SignalDefault: "done"}}
			},
			want: `action state "ask" has no actions`,
		},
		{
			name: "decision state with two actions",
			mutate: func(f *models.Flow) {
				f.States["ask"] = models.State{
					Type: models.StateTypeDecision,
					Actions: []models.Action{
						{ID: "a", Executor: models.ExecutorCondition},
						{ID: "b", Executor: models.ExecutorCondition},
					},
					Transitions: map[string]string{models.SignalDefault: "done"},
				}
			},
			want: `decision state "ask" must have exactly one action, has 2`,
		},
		{
			name: "dead end state",
			mutate: func(f *models.Flow) {
				f.States["ask"] = models.State{Type: models.StateTypeWait}
			},
			want: `state "ask" has no transitions and is not final`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow := testutil.WaitFlow("f", "t", "m")
			tt.mutate(&flow)
			report := Validate(flow, nil)
			assert.False(t, report.Valid())
			assert.Contains(t, report.Errors, tt.want)
		})
	}
}

func TestValidateNoStates(t *testing.T) {
	report := Validate(models.Flow{ID: "empty", Trigger: "t"}, nil)
	assert.Equal(t, []string{"flow has no states"}, report.Errors)
}

func TestValidateSentinelTargetsAreExits(t *testing.T) {
	flow := models.Flow{
		ID:           "sentinel",
		Trigger:      "t",
		InitialState: "ask",
		States: map[string]models.State{
			"ask": {Type: models.StateTypeWait, Transitions: map[string]string{
				models.SignalSuccess: models.TargetReset,
				models.SignalError:   models.TargetError,
			}},
		},
	}
	report := Validate(flow, nil)
	assert.True(t, report.Valid(), report.Errors)
}

func TestValidateWarnings(t *testing.T) {
	flow := testutil.ActionFlow("warn", "", "m", models.Action{ID: "x", Executor: "teleport"})
	flow.FinalStates = nil
	known := func(tag models.ExecutorType) bool { return tag != "teleport" }

	report := Validate(flow, known)
	assert.True(t, report.Valid(), report.Errors)
	assert.Contains(t, report.Warnings, `state "run" action "x" uses unregistered executor "teleport"`)
	assert.Contains(t, report.Warnings, `end state "done" is not listed in finalStates`)
	assert.Contains(t, report.Warnings, "flow has no trigger; it can only be selected by fallback strategies")
}

func TestValidateListedEndStateHasNoWarning(t *testing.T) {
	flow := testutil.ActionFlow("listed", "go", "m", models.Action{ID: "x", Executor: models.ExecutorRespond})

	report := Validate(flow, nil)
	assert.True(t, report.Valid(), report.Errors)
	assert.NotContains(t, report.Warnings, `end state "done" is not listed in finalStates`)
}
