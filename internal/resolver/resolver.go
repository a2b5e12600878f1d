// Package resolver selects the flow that should handle an inbound message.
//
// Resolution is an ordered strategy chain that stops at the first success:
// exact trigger match, keyword fallback, module fallback and finally the global
// default. The chain is a pure function of its inputs and the registry
// snapshot; ties are broken by registration order.
package resolver

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/registry"
)

// Strategy names the step of the chain that produced a match.
type Strategy string

const (
	StrategyExactTrigger  Strategy = "exact_trigger"
	StrategyKeyword       Strategy = "keyword"
	StrategyModule        Strategy = "module"
	StrategyGlobalDefault Strategy = "global_default"
)

// Degraded reports whether the match ignored the requested module entirely.
func (s Strategy) Degraded() bool {
	return s == StrategyGlobalDefault
}

// Resolution is a selected flow together with the strategy that found it.
type Resolution struct {
	Flow     *models.Flow
	Strategy Strategy
}

// Domain is a keyword domain used by the keyword fallback.
type Domain struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultDomains are checked in this order; a message matching several domains
// resolves to the first one.
var DefaultDomains = []Domain{
	{Name: "parcel", Pattern: regexp.MustCompile(`(?i)\b(parcels?|courier|delivery|deliver|packages?|send|ship|shipping|booking)\b`)},
	{Name: "food", Pattern: regexp.MustCompile(`(?i)\b(food|restaurant|meals?|order|hungry|eat|menu)\b`)},
	{Name: "ecommerce", Pattern: regexp.MustCompile(`(?i)\b(shop|shopping|buy|products?|cart|checkout|purchase)\b`)},
}

var genericIntents = map[string]bool{
	"":         true,
	"unknown":  true,
	"general":  true,
	"generic":  true,
	"fallback": true,
	"none":     true,
}

// IsGenericIntent reports whether an intent carries no routing information.
func IsGenericIntent(intent string) bool {
	return genericIntents[strings.ToLower(strings.TrimSpace(intent))]
}

// Source provides registry snapshots.
type Source interface {
	Snapshot() registry.Snapshot
}

// Resolver runs the strategy chain against the current registry snapshot.
type Resolver struct {
	source  Source
	domains []Domain
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDomains replaces the keyword domains.
func WithDomains(domains []Domain) Option {
	return func(r *Resolver) {
		r.domains = domains
	}
}

// New creates a resolver over source.
func New(source Source, opts ...Option) *Resolver {
	r := &Resolver{source: source, domains: DefaultDomains}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks a flow for the message. It returns a *models.FlowNotFoundError
// when every strategy fails.
func (r *Resolver) Resolve(intent, module, message string) (Resolution, error) {
	res, err := Resolve(r.source.Snapshot(), r.domains, intent, module, message)
	if err != nil {
		slog.Info("Resolver Resolve found no flow", "intent", intent, "module", module)
		return res, err
	}
	if res.Strategy.Degraded() {
		slog.Warn("Resolver Resolve degraded match", "strategy", res.Strategy, "flowID", res.Flow.ID, "intent", intent, "module", module, "flowModule", res.Flow.Module)
	} else {
		slog.Info("Resolver Resolve matched", "strategy", res.Strategy, "flowID", res.Flow.ID, "intent", intent, "module", module)
	}
	return res, nil
}

// Resolve is the pure strategy chain over a snapshot.
func Resolve(snap registry.Snapshot, domains []Domain, intent, module, message string) (Resolution, error) {
	if f, ok := snap.FindByTrigger(intent, module); ok {
		return Resolution{Flow: f, Strategy: StrategyExactTrigger}, nil
	}

	if IsGenericIntent(intent) && strings.TrimSpace(message) != "" {
		if domain, ok := MatchDomain(domains, message); ok {
			if f, ok := snap.FindByDomain(domain); ok {
				return Resolution{Flow: f, Strategy: StrategyKeyword}, nil
			}
		}
	}

	if f, ok := snap.FindByModule(module); ok {
		return Resolution{Flow: f, Strategy: StrategyModule}, nil
	}

	if f, ok := snap.FindAnyEnabled(); ok {
		return Resolution{Flow: f, Strategy: StrategyGlobalDefault}, nil
	}

	return Resolution{}, &models.FlowNotFoundError{Intent: intent, Module: module}
}

// MatchDomain returns the first domain whose pattern matches message.
func MatchDomain(domains []Domain, message string) (string, bool) {
	for _, d := range domains {
		if d.Pattern.MatchString(message) {
			return d.Name, true
		}
	}
	return "", false
}
