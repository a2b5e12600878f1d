// Package engine advances a session through a flow, one turn at a time.
//
// Each turn runs exactly one non-terminal state: its actions execute through
// the step executor registry, the resulting signal is looked up in the state's
// transition table and the session moves to the target. Entering a final state
// completes the flow in the same turn. All failures are recovered inside the
// turn; Advance never returns an error, only a TurnResult describing what
// happened.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/executor"
	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Runner executes a single action.
type Runner interface {
	Run(ctx context.Context, ec *executor.Context) executor.Result
}

// Messages are the user-facing texts the engine emits on its own.
type Messages struct {
	Fallback   string // unknown step type, invalid transition, broken session
	Error      string // a step failed and the flow routed to the error sentinel
	Escalation string // attempt limit reached with no max_attempts transition
}

// DefaultMessages returns the built-in texts.
func DefaultMessages() Messages {
	return Messages{
		Fallback:   "Sorry, something went wrong on our side. Let's start over; send a message whenever you're ready.",
		Error:      "Sorry, I couldn't complete that step. Please try again later.",
		Escalation: "That didn't work after several attempts, so I've stopped this conversation. Send a message to start again.",
	}
}

// Input is the user-facing content of a turn.
type Input struct {
	Text     string
	Intent   string
	Module   string
	Language string
}

// TurnResult describes one processed turn.
type TurnResult struct {
	Text      string
	Elements  []models.Element
	FromState string
	ToState   string
	Signal    string
	Completed bool  // the flow reached a final state
	Reset     bool  // the session went idle without completing
	Escalated bool  // the attempt limit was reached
	Err       error // configuration fault surfaced for operators
}

// Engine is the state machine executor.
type Engine struct {
	runner      Runner
	maxAttempts int
	messages    Messages
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts sets the attempt limit for wait states that don't set one.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithMessages replaces the engine's own texts.
func WithMessages(m Messages) Option {
	return func(e *Engine) {
		e.messages = m
	}
}

// New creates an engine that runs actions through runner.
func New(runner Runner, opts ...Option) *Engine {
	e := &Engine{
		runner:      runner,
		maxAttempts: models.DefaultMaxAttempts,
		messages:    DefaultMessages(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Messages returns the engine's texts.
func (e *Engine) Messages() Messages {
	return e.messages
}

// Begin points an idle session at flow's initial state and runs the first
// turn. A wait initial state only emits its prompt: the message that
// selected the flow is not an answer to it.
func (e *Engine) Begin(ctx context.Context, flow *models.Flow, session *models.Session, in Input) TurnResult {
	session.Start(flow.ID, flow.InitialState)
	slog.Info("Engine flow started", "sessionID", session.ID, "flowID", flow.ID, "state", flow.InitialState)

	st, ok := flow.State(flow.InitialState)
	if !ok {
		return e.fail(flow, session, &turn{from: flow.InitialState}, models.ErrStateNotFound)
	}
	if flow.IsFinal(flow.InitialState) {
		t := &turn{from: flow.InitialState}
		return e.complete(flow, session, t, flow.InitialState)
	}
	if st.Type == models.StateTypeWait {
		return TurnResult{Text: st.Prompt, FromState: flow.InitialState, ToState: flow.InitialState}
	}
	return e.Advance(ctx, flow, session, in)
}

// turn accumulates the output of one Advance call.
type turn struct {
	from     string
	texts    []string
	elements []models.Element
	signal   string
}

func (t *turn) say(text string) {
	if strings.TrimSpace(text) != "" {
		t.texts = append(t.texts, text)
	}
}

func (t *turn) result(to string) TurnResult {
	return TurnResult{
		Text:      strings.Join(t.texts, "\n"),
		Elements:  t.elements,
		FromState: t.from,
		ToState:   to,
		Signal:    t.signal,
	}
}

// Advance executes the session's current state against the input and moves the
// session to the next state.
func (e *Engine) Advance(ctx context.Context, flow *models.Flow, session *models.Session, in Input) TurnResult {
	t := &turn{from: session.CurrentState}
	st, ok := flow.State(session.CurrentState)
	if !ok {
		return e.fail(flow, session, t, models.ErrStateNotFound)
	}
	if flow.IsFinal(session.CurrentState) {
		return e.complete(flow, session, t, session.CurrentState)
	}

	actions := st.Actions
	if st.Type == models.StateTypeWait && len(actions) == 0 {
		actions = []models.Action{{ID: session.CurrentState, Executor: models.ExecutorCollectData}}
	}
	if st.Type == models.StateTypeDecision && len(actions) > 1 {
		actions = actions[:1]
	}

	data := models.CloneMap(session.CollectedData)
	if data == nil {
		data = map[string]any{}
	}
	updates := map[string]any{}
	authenticated := session.Authenticated
	complete := false
	signal := models.SignalDefault

	for _, action := range actions {
		res := e.runner.Run(ctx, &executor.Context{
			SessionID:     session.ID,
			Platform:      session.Platform,
			FlowID:        flow.ID,
			StateID:       session.CurrentState,
			Action:        action,
			Input:         in.Text,
			Intent:        in.Intent,
			Module:        in.Module,
			Language:      in.Language,
			Data:          models.CloneMap(data),
			Attempt:       session.Attempts(session.CurrentState),
			Authenticated: authenticated,
		})

		var unknown *models.UnknownStepTypeError
		if errors.As(res.Err, &unknown) {
			slog.Error("Engine unknown step type", "sessionID", session.ID, "flowID", flow.ID, "state", session.CurrentState, "executor", unknown.Executor, "actionID", unknown.ActionID)
			t.say(e.messages.Fallback)
			t.signal = models.SignalError
			session.Reset()
			r := t.result("")
			r.Reset = true
			r.Err = res.Err
			return r
		}

		for k, v := range res.Data {
			data[k] = v
			updates[k] = v
		}
		if action.Output != "" && res.Output != nil {
			data[action.Output] = res.Output
			updates[action.Output] = res.Output
		}
		if res.Authenticated {
			authenticated = true
		}
		if st.Type != models.StateTypeDecision {
			t.say(res.Text)
			t.elements = append(t.elements, res.Elements...)
		}

		signal = res.Signal
		if signal == "" {
			signal = models.SignalDefault
		}
		if res.Err != nil {
			signal = models.SignalError
			break
		}
		if res.Complete {
			complete = true
			break
		}
		if st.Type == models.StateTypeWait && signal == models.SignalInvalid {
			break
		}
	}

	session.MergeData(updates)
	session.Authenticated = authenticated
	t.signal = signal

	if complete {
		return e.complete(flow, session, t, "")
	}

	if st.Type == models.StateTypeWait && signal == models.SignalInvalid {
		attempts := session.IncrementAttempts(session.CurrentState)
		limit := st.MaxAttempts
		if limit <= 0 {
			limit = e.maxAttempts
		}
		if attempts <= limit {
			slog.Info("Engine input rejected", "sessionID", session.ID, "flowID", flow.ID, "state", session.CurrentState, "attempt", attempts, "maxAttempts", limit)
			if len(t.texts) == 0 {
				retry := st.RetryPrompt
				if retry == "" {
					retry = st.Prompt
				}
				t.say(retry)
			}
			return t.result(session.CurrentState)
		}
		slog.Warn("Engine attempt limit reached", "sessionID", session.ID, "flowID", flow.ID, "state", session.CurrentState, "attempts", attempts, "maxAttempts", limit)
		t.signal = models.SignalMaxAttempts
		target, ok := st.Transitions[models.SignalMaxAttempts]
		if !ok {
			t.say(e.messages.Escalation)
			session.Reset()
			r := t.result("")
			r.Reset = true
			r.Escalated = true
			return r
		}
		r := e.transition(flow, session, t, target)
		r.Escalated = true
		return r
	}

	target, ok := lookup(st, signal)
	if !ok {
		err := &models.InvalidTransitionError{FlowID: flow.ID, StateID: session.CurrentState, Signal: signal}
		slog.Error("Engine invalid transition", "sessionID", session.ID, "flowID", flow.ID, "state", session.CurrentState, "signal", signal, "error", err)
		return e.fail(flow, session, t, err)
	}
	return e.transition(flow, session, t, target)
}

// transition moves the session to target and applies what entering it means.
func (e *Engine) transition(flow *models.Flow, session *models.Session, t *turn, target string) TurnResult {
	from := session.CurrentState
	if !isState(flow, target) {
		switch target {
		case models.TargetReset:
			slog.Info("Engine flow reset by transition", "sessionID", session.ID, "flowID", flow.ID, "from", from, "signal", t.signal)
			session.Reset()
			r := t.result("")
			r.Reset = true
			return r
		case models.TargetError:
			slog.Warn("Engine flow ended on error path", "sessionID", session.ID, "flowID", flow.ID, "from", from, "signal", t.signal)
			t.say(e.messages.Error)
			session.Reset()
			r := t.result("")
			r.Reset = true
			return r
		default:
			return e.fail(flow, session, t, models.ErrStateNotFound)
		}
	}

	session.ClearAttempts(from)
	session.CurrentState = target
	slog.Info("Engine transition", "sessionID", session.ID, "flowID", flow.ID, "from", from, "to", target, "signal", t.signal)

	if flow.IsFinal(target) {
		return e.complete(flow, session, t, target)
	}
	next := flow.States[target]
	if target != from || next.Type == models.StateTypeWait {
		t.say(next.Prompt)
	}
	return t.result(target)
}

// complete finishes the flow, emitting the final state's prompt when there is one.
func (e *Engine) complete(flow *models.Flow, session *models.Session, t *turn, final string) TurnResult {
	if final != "" {
		t.say(flow.States[final].Prompt)
	}
	slog.Info("Engine flow completed", "sessionID", session.ID, "flowID", flow.ID, "finalState", final)
	session.Reset()
	r := t.result(final)
	r.Completed = true
	return r
}

// fail resets the session after a configuration fault.
func (e *Engine) fail(flow *models.Flow, session *models.Session, t *turn, err error) TurnResult {
	slog.Error("Engine turn failed", "sessionID", session.ID, "flowID", flow.ID, "state", session.CurrentState, "error", err)
	t.say(e.messages.Fallback)
	session.Reset()
	r := t.result("")
	r.Reset = true
	r.Err = err
	return r
}

// lookup resolves a signal against the state's transitions, falling back to
// "default". The error signal never falls back to "default"; without its own
// entry it goes to the error target.
func lookup(st models.State, signal string) (string, bool) {
	if target, ok := st.Transitions[signal]; ok {
		return target, true
	}
	if signal == models.SignalError {
		return models.TargetError, true
	}
	target, ok := st.Transitions[models.SignalDefault]
	return target, ok
}

func isState(flow *models.Flow, id string) bool {
	_, ok := flow.States[id]
	return ok
}
