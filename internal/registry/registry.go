// Package registry holds the known flow definitions, indexed by id, trigger and module.
//
// Flows are validated before they are registered; a flow that violates the state
// invariants is rejected with a *models.FlowValidationError. The registry is
// read-mostly after startup: lookups take a read lock and enable/disable is the
// only common runtime mutation.
package registry

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Registry stores flows in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	flows map[string]*models.Flow
	known func(models.ExecutorType) bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithKnownExecutors lets validation warn about executor tags nobody registered.
func WithKnownExecutors(known func(models.ExecutorType) bool) Option {
	return func(r *Registry) {
		r.known = known
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{flows: make(map[string]*models.Flow)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates a flow and adds it. Re-registering an id replaces the old
// definition but keeps its position in registration order.
func (r *Registry) Register(flow models.Flow) (Report, error) {
	report := Validate(flow, r.known)
	if !report.Valid() {
		slog.Error("Registry Register rejected flow", "flowID", flow.ID, "problems", report.Errors)
		return report, &models.FlowValidationError{FlowID: flow.ID, Problems: report.Errors}
	}
	for _, w := range report.Warnings {
		slog.Warn("Registry Register warning", "flowID", flow.ID, "warning", w)
	}

	cp := flow.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[cp.ID]; !exists {
		r.order = append(r.order, cp.ID)
	}
	r.flows[cp.ID] = &cp

	slog.Info("Registry registered flow", "flowID", cp.ID, "trigger", cp.Trigger, "module", cp.Module, "enabled", cp.Enabled, "states", len(cp.States))
	return report, nil
}

// Get returns the flow with the given id.
func (r *Registry) Get(id string) (*models.Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[id]
	return f, ok
}

// SetEnabled toggles a flow on or off.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrFlowNotFound, id)
	}
	// Flows handed out earlier are shared; swap in a copy instead of mutating.
	cp := f.Clone()
	cp.Enabled = enabled
	r.flows[id] = &cp
	slog.Info("Registry flow toggled", "flowID", id, "enabled", enabled)
	return nil
}

// FindByTrigger returns the first enabled flow, in registration order, whose
// trigger and module match (case-insensitive). An empty module matches any
// module.
func (r *Registry) FindByTrigger(trigger, module string) (*models.Flow, bool) {
	return findByTrigger(r.Snapshot(), trigger, module)
}

// FindByModule returns the first enabled flow of a module.
func (r *Registry) FindByModule(module string) (*models.Flow, bool) {
	return findByModule(r.Snapshot(), module)
}

// FindAnyEnabled returns the first enabled flow in the registry.
func (r *Registry) FindAnyEnabled() (*models.Flow, bool) {
	return findAnyEnabled(r.Snapshot())
}

// Snapshot returns the registered flows in registration order. The slice is
// owned by the caller; the flows are shared and must be treated as read-only.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Snapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.flows[id])
	}
	return out
}

// List returns summaries of all flows in registration order.
func (r *Registry) List() []models.FlowSummary {
	snap := r.Snapshot()
	out := make([]models.FlowSummary, 0, len(snap))
	for _, f := range snap {
		out = append(out, f.Summary())
	}
	return out
}

// Len returns the number of registered flows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Snapshot is an immutable, ordered view of the registry used by the resolver.
type Snapshot []*models.Flow

// FindByTrigger looks up a flow by trigger and module within the snapshot.
func (s Snapshot) FindByTrigger(trigger, module string) (*models.Flow, bool) {
	return findByTrigger(s, trigger, module)
}

// FindByModule looks up the first enabled flow of a module within the snapshot.
func (s Snapshot) FindByModule(module string) (*models.Flow, bool) {
	return findByModule(s, module)
}

// FindAnyEnabled returns the first enabled flow within the snapshot.
func (s Snapshot) FindAnyEnabled() (*models.Flow, bool) {
	return findAnyEnabled(s)
}

// FindByDomain returns the first enabled flow whose module, id or name matches a
// keyword domain.
func (s Snapshot) FindByDomain(domain string) (*models.Flow, bool) {
	for _, f := range s {
		if f.Enabled && f.MatchesDomain(domain) {
			return f, true
		}
	}
	return nil, false
}

func findByTrigger(flows []*models.Flow, trigger, module string) (*models.Flow, bool) {
	if strings.TrimSpace(trigger) == "" {
		return nil, false
	}
	for _, f := range flows {
		if !f.Enabled || !strings.EqualFold(f.Trigger, trigger) {
			continue
		}
		if module == "" || strings.EqualFold(f.Module, module) {
			return f, true
		}
	}
	return nil, false
}

func findByModule(flows []*models.Flow, module string) (*models.Flow, bool) {
	if strings.TrimSpace(module) == "" {
		return nil, false
	}
	for _, f := range flows {
		if f.Enabled && strings.EqualFold(f.Module, module) {
			return f, true
		}
	}
	return nil, false
}

func findAnyEnabled(flows []*models.Flow) (*models.Flow, bool) {
	for _, f := range flows {
		if f.Enabled {
			return f, true
		}
	}
	return nil, false
}
