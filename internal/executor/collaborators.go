package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/settings"
)

// NLU classifies free text into an intent.
type NLU interface {
	Classify(ctx context.Context, text, language string) (models.NLUResult, error)
}

// LLM generates text from a prompt and the conversation data.
type LLM interface {
	Generate(ctx context.Context, prompt string, data map[string]any) (string, error)
}

// ToolInvoker calls a named in-process tool.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// ToolFunc is a tool implementation.
type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// ToolTable is a ToolInvoker backed by a map of named functions.
type ToolTable struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewToolTable creates an empty tool table.
func NewToolTable() *ToolTable {
	return &ToolTable{tools: make(map[string]ToolFunc)}
}

// Register adds or replaces a tool.
func (t *ToolTable) Register(name string, fn ToolFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[name] = fn
}

// Names lists the registered tools.
func (t *ToolTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls the named tool.
func (t *ToolTable) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	t.mu.RLock()
	fn, ok := t.tools[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", name)
	}
	return fn(ctx, args)
}

// Deps are the collaborators shared by the built-in executors. Nil members
// disable the executors that need them: those steps then fail with the error signal.
type Deps struct {
	NLU      NLU
	LLM      LLM
	Tools    ToolInvoker
	Settings settings.Store
	HTTP     *resty.Client
}

// RegisterBuiltins registers every built-in executor on reg.
func RegisterBuiltins(reg *Registry, deps Deps) {
	if deps.HTTP == nil {
		deps.HTTP = NewHTTPClient(DefaultTimeout)
	}

	idempotent := Policy{Idempotent: true}
	once := Policy{}

	reg.Register(models.ExecutorNLU, nluExecutor(deps.NLU), idempotent)
	reg.Register(models.ExecutorCollectData, Func(collectData), once)
	reg.Register(models.ExecutorTool, toolExecutor(deps.Tools), once)
	reg.Register(models.ExecutorValidate, Func(validateExpression), idempotent)
	reg.Register(models.ExecutorValidateZone, Func(validateZone), idempotent)
	reg.Register(models.ExecutorCalculate, Func(calculate), idempotent)
	reg.Register(models.ExecutorCalculateDistance, Func(calculateDistance), idempotent)
	reg.Register(models.ExecutorCalculateCharges, chargesExecutor(deps.Settings), idempotent)
	reg.Register(models.ExecutorLLM, llmExecutor(deps.LLM), once)
	reg.Register(models.ExecutorAPICall, apiCallExecutor(deps.HTTP), Policy{KeyedRetry: true})
	reg.Register(models.ExecutorRespond, Func(respond), once)
	reg.Register(models.ExecutorCondition, Func(condition), idempotent)
	reg.Register(models.ExecutorDecision, Func(condition), idempotent)
	reg.Register(models.ExecutorGame, gameExecutor(deps.Settings), once)
	reg.Register(models.ExecutorGamification, gameExecutor(deps.Settings), once)
	reg.Register(models.ExecutorPricing, pricingExecutor(deps.Settings), idempotent)
}
