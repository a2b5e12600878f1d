// Package gateway is the entry point for inbound messages. It serializes turns
// per identity, drops redelivered messages, resolves a flow for idle sessions,
// runs one engine turn and persists the session before answering.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/BTreeMap/DialogPipe/internal/engine"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/resolver"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

// DefaultResetKeywords are the words that return a session to idle.
var DefaultResetKeywords = []string{"reset"}

// IntentDetector classifies free text when the envelope carries no intent.
type IntentDetector interface {
	Classify(ctx context.Context, text, language string) (models.NLUResult, error)
}

// FlowSource looks up registered flows by id.
type FlowSource interface {
	Get(id string) (*models.Flow, bool)
}

// FlowResolver picks a flow for an idle session.
type FlowResolver interface {
	Resolve(intent, module, message string) (resolver.Resolution, error)
}

// Messages are the texts the gateway emits on its own.
type Messages struct {
	NotUnderstood string // no flow could be resolved
	Reset         string // reset keyword received
}

// DefaultMessages returns the built-in gateway texts.
func DefaultMessages() Messages {
	return Messages{
		NotUnderstood: "Sorry, I didn't understand that. Could you tell me what you'd like to do?",
		Reset:         "Okay, let's start over. What would you like to do?",
	}
}

// Gateway handles inbound messages.
type Gateway struct {
	store         store.Store
	flows         FlowSource
	resolver      FlowResolver
	engine        *engine.Engine
	detector      IntentDetector
	resetKeywords map[string]bool
	messages      Messages
	dedupTTL      time.Duration
	locks         *identityLocks
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithIntentDetector sets the classifier used when the envelope has no intent.
func WithIntentDetector(d IntentDetector) Option {
	return func(g *Gateway) {
		g.detector = d
	}
}

// WithResetKeywords replaces the reset keywords. Matching is per word and
// case-insensitive.
func WithResetKeywords(words []string) Option {
	return func(g *Gateway) {
		g.resetKeywords = make(map[string]bool, len(words))
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				g.resetKeywords[w] = true
			}
		}
	}
}

// WithMessages replaces the gateway texts.
func WithMessages(m Messages) Option {
	return func(g *Gateway) {
		g.messages = m
	}
}

// WithDedupTTL sets how long processed message ids are remembered.
func WithDedupTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		if ttl > 0 {
			g.dedupTTL = ttl
		}
	}
}

// New creates a gateway.
func New(st store.Store, flows FlowSource, res FlowResolver, eng *engine.Engine, opts ...Option) *Gateway {
	g := &Gateway{
		store:    st,
		flows:    flows,
		resolver: res,
		engine:   eng,
		messages: DefaultMessages(),
		dedupTTL: store.DefaultDedupTTL,
		locks:    newIdentityLocks(),
	}
	WithResetKeywords(DefaultResetKeywords)(g)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HandleMessage processes one inbound message and always returns a response.
func (g *Gateway) HandleMessage(ctx context.Context, msg models.InboundMessage) models.OutboundResponse {
	identity := strings.TrimSpace(msg.Identity)
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	resp := models.OutboundResponse{MessageID: msg.MessageID, Identity: identity}
	if identity == "" {
		slog.Warn("Gateway HandleMessage rejected message without identity", "messageID", msg.MessageID)
		resp.Text = g.engine.Messages().Fallback
		return resp
	}

	unlock := g.locks.Lock(identity)
	defer unlock()

	fresh, err := g.store.RecordInbound(ctx, msg.MessageID, identity)
	if err != nil {
		// Without a dedup record the turn still runs; redelivery is then not guarded.
		slog.Error("Gateway RecordInbound failed", "error", err, "identity", identity, "messageID", msg.MessageID)
		fresh = true
	}
	if !fresh {
		return g.duplicate(ctx, msg.MessageID, identity, resp)
	}

	resp, saved := g.turn(ctx, identity, msg, resp)
	if !saved {
		if err := g.store.ForgetInbound(ctx, msg.MessageID, identity); err != nil {
			slog.Error("Gateway ForgetInbound failed", "error", err, "messageID", msg.MessageID)
		}
		return resp
	}
	if err := g.store.MarkProcessed(ctx, msg.MessageID, identity, resp); err != nil {
		slog.Warn("Gateway MarkProcessed failed", "error", err, "messageID", msg.MessageID)
	}
	return resp
}

// duplicate replays the stored response for a redelivered message. A record
// that belongs to another identity is never replayed.
func (g *Gateway) duplicate(ctx context.Context, messageID, identity string, resp models.OutboundResponse) models.OutboundResponse {
	rec, err := g.store.GetInbound(ctx, messageID, identity)
	if err != nil {
		slog.Error("Gateway GetInbound failed", "error", err, "messageID", messageID)
	}
	if rec.Processed() && rec.Response != nil && rec.Identity == identity && rec.Response.Identity == identity {
		resp = *rec.Response
	}
	resp.Duplicate = true
	slog.Info("Gateway skipped duplicate message", "identity", resp.Identity, "messageID", messageID)
	return resp
}

// turn runs under the identity lock. saved is false when the session could
// not be loaded or persisted.
func (g *Gateway) turn(ctx context.Context, identity string, msg models.InboundMessage, resp models.OutboundResponse) (models.OutboundResponse, bool) {
	session, err := g.store.GetSession(ctx, identity)
	if err != nil {
		slog.Error("Gateway GetSession failed", "error", err, "identity", identity)
		resp.Text = g.engine.Messages().Fallback
		return resp, false
	}
	if session == nil {
		session = models.NewSession(identity, msg.Platform)
		slog.Debug("Gateway created session", "identity", identity, "platform", msg.Platform)
	}

	in := engine.Input{Text: msg.Text, Intent: msg.Intent, Module: msg.Module, Language: msg.Language}
	var result engine.TurnResult
	flowID := session.CurrentFlowID

	switch {
	case g.isReset(msg.Text):
		slog.Info("Gateway reset keyword received", "identity", identity, "flowID", session.CurrentFlowID)
		session.Reset()
		result = engine.TurnResult{Text: g.messages.Reset, Reset: true}
		flowID = ""

	case session.IsIdle():
		in.Intent, in.Module = g.detect(ctx, msg)
		res, err := g.resolver.Resolve(in.Intent, in.Module, msg.Text)
		if err != nil {
			result = engine.TurnResult{Text: g.messages.NotUnderstood}
			break
		}
		resp.Strategy = string(res.Strategy)
		flowID = res.Flow.ID
		result = g.engine.Begin(ctx, res.Flow, session, in)

	default:
		flow, ok := g.flows.Get(session.CurrentFlowID)
		if !ok {
			slog.Warn("Gateway active flow no longer registered, resetting session", "identity", identity, "flowID", session.CurrentFlowID)
			session.Reset()
			result = engine.TurnResult{Text: g.engine.Messages().Fallback, Reset: true}
			break
		}
		result = g.engine.Advance(ctx, flow, session, in)
	}

	if err := g.store.SaveSession(ctx, session); err != nil {
		slog.Error("Gateway SaveSession failed", "error", err, "identity", identity)
		resp.Text = g.engine.Messages().Fallback
		resp.Strategy = ""
		return resp, false
	}

	resp.Text = result.Text
	resp.Elements = result.Elements
	resp.FlowID = flowID
	resp.StateID = session.CurrentState
	resp.Completed = result.Completed
	slog.Debug("Gateway HandleMessage succeeded", "identity", identity, "flowID", flowID, "from", result.FromState, "to", result.ToState, "completed", result.Completed)
	return resp, true
}

// detect returns the intent and module for an idle session. The envelope's
// intent wins over the detector.
func (g *Gateway) detect(ctx context.Context, msg models.InboundMessage) (string, string) {
	if msg.Intent != "" || g.detector == nil {
		return msg.Intent, msg.Module
	}
	res, err := g.detector.Classify(ctx, msg.Text, msg.Language)
	if err != nil {
		slog.Warn("Gateway intent detection failed", "error", err, "identity", msg.Identity)
		return "", msg.Module
	}
	module := msg.Module
	if module == "" {
		module = res.Module
	}
	slog.Debug("Gateway intent detected", "intent", res.Intent, "module", module, "confidence", res.Confidence)
	return res.Intent, module
}

func (g *Gateway) isReset(text string) bool {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		if g.resetKeywords[strings.ToLower(w)] {
			return true
		}
	}
	return false
}

// Session returns the stored session for an identity, or nil.
func (g *Gateway) Session(ctx context.Context, identity string) (*models.Session, error) {
	unlock := g.locks.Lock(identity)
	defer unlock()
	return g.store.GetSession(ctx, identity)
}

// DeleteSession removes the stored session for an identity.
func (g *Gateway) DeleteSession(ctx context.Context, identity string) error {
	unlock := g.locks.Lock(identity)
	defer unlock()
	if err := g.store.DeleteSession(ctx, identity); err != nil {
		return err
	}
	slog.Info("Gateway session deleted", "identity", identity)
	return nil
}

// PurgeDedup removes dedup records older than the dedup TTL.
func (g *Gateway) PurgeDedup(ctx context.Context) (int64, error) {
	return g.store.PurgeInbound(ctx, time.Now().Add(-g.dedupTTL))
}
