// Package api provides the HTTP surface and the main server wiring for DialogPipe.
//
// Run assembles the store, settings, step executors, flow registry, resolver,
// engine and gateway from functional options and serves the REST endpoints
// until the context is cancelled.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/engine"
	"github.com/BTreeMap/DialogPipe/internal/executor"
	"github.com/BTreeMap/DialogPipe/internal/flows"
	"github.com/BTreeMap/DialogPipe/internal/gateway"
	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/registry"
	"github.com/BTreeMap/DialogPipe/internal/resolver"
	"github.com/BTreeMap/DialogPipe/internal/scheduler"
	"github.com/BTreeMap/DialogPipe/internal/settings"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

// Defaults for the server options.
const (
	DefaultAddr            = ":8080"
	DefaultPurgeInterval   = time.Hour
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server and the components it wires.
type Opts struct {
	Addr            string
	FlowsDir        string
	MaxAttempts     int
	StepTimeout     time.Duration
	StepRetries     int
	DedupTTL        time.Duration
	PurgeInterval   time.Duration
	ResetKeywords   []string
	Settings        map[string]any
	CodeSender      flows.CodeSender
	ShutdownTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithFlowsDir loads additional flow definitions from dir at startup.
func WithFlowsDir(dir string) Option {
	return func(o *Opts) {
		o.FlowsDir = dir
	}
}

// WithMaxAttempts sets the default per-wait-state attempt limit.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) {
		o.MaxAttempts = n
	}
}

// WithStepTimeout sets the per executor call timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.StepTimeout = d
	}
}

// WithStepRetries sets the retry budget for idempotent steps.
func WithStepRetries(n int) Option {
	return func(o *Opts) {
		o.StepRetries = n
	}
}

// WithDedupTTL sets how long processed message ids are remembered.
func WithDedupTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.DedupTTL = ttl
	}
}

// WithPurgeInterval sets how often expired dedup records are purged.
func WithPurgeInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PurgeInterval = d
	}
}

// WithResetKeywords replaces the words that return a session to idle.
func WithResetKeywords(words []string) Option {
	return func(o *Opts) {
		o.ResetKeywords = words
	}
}

// WithSettings seeds the settings store on top of settings.Defaults.
func WithSettings(values map[string]any) Option {
	return func(o *Opts) {
		o.Settings = values
	}
}

// WithCodeSender delivers one-time login codes issued by the OTP flow.
// Without one, codes are only kept in the session.
func WithCodeSender(sender flows.CodeSender) Option {
	return func(o *Opts) {
		o.CodeSender = sender
	}
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		Addr:            DefaultAddr,
		MaxAttempts:     models.DefaultMaxAttempts,
		StepTimeout:     executor.DefaultTimeout,
		StepRetries:     executor.DefaultRetries,
		DedupTTL:        store.DefaultDedupTTL,
		PurgeInterval:   DefaultPurgeInterval,
		ResetKeywords:   gateway.DefaultResetKeywords,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Run wires every module and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := applyOptions(apiOpts)

	st, err := store.Open(ctx, append(storeOpts, store.WithDedupTTL(cfg.DedupTTL))...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}()

	definitions, err := loadDefinitions(cfg.FlowsDir)
	if err != nil {
		return err
	}

	settingsStore := settings.NewMemoryStore(cfg.Settings)
	nlu, llm := buildGenAI(genaiOpts, definitions)

	tools := executor.NewToolTable()
	var toolOpts []flows.ToolOption
	if cfg.CodeSender != nil {
		toolOpts = append(toolOpts, flows.WithCodeSender(cfg.CodeSender))
	}
	flows.RegisterTools(tools, toolOpts...)

	steps := executor.NewRegistry(executor.WithTimeout(cfg.StepTimeout), executor.WithRetries(cfg.StepRetries))
	executor.RegisterBuiltins(steps, executor.Deps{
		NLU:      nlu,
		LLM:      llm,
		Tools:    tools,
		Settings: settingsStore,
	})

	reg := registry.New(registry.WithKnownExecutors(steps.Has))
	if err := reg.RegisterAll(definitions); err != nil {
		slog.Error("Some flow definitions were rejected", "error", err)
	}
	if reg.Len() == 0 {
		return errors.New("no valid flow definitions registered")
	}

	eng := engine.New(steps, engine.WithMaxAttempts(cfg.MaxAttempts))
	gw := gateway.New(st, reg, resolver.New(reg), eng,
		gateway.WithIntentDetector(nlu),
		gateway.WithResetKeywords(cfg.ResetKeywords),
		gateway.WithDedupTTL(cfg.DedupTTL),
	)

	server := NewServer(gw, reg, settingsStore, steps.Has)
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if cfg.PurgeInterval > 0 {
		if err := sched.Every(cfg.PurgeInterval, "dedup-purge", func() { server.purgeDedup(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule dedup purge: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("DialogPipe API server listening", "addr", cfg.Addr, "flows", reg.Len(), "executors", len(steps.Tags()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("DialogPipe API server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}

// loadDefinitions returns the built-in flows followed by those in dir.
func loadDefinitions(dir string) ([]models.Flow, error) {
	definitions, err := flows.Builtin()
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in flows: %w", err)
	}
	if dir == "" {
		return definitions, nil
	}
	extra, err := registry.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load flows from %s: %w", dir, err)
	}
	slog.Info("Loaded flow definitions from directory", "dir", dir, "count", len(extra))
	return append(definitions, extra...), nil
}

// buildGenAI returns the OpenAI client as NLU and LLM, or the keyword
// classifier and no LLM when the client cannot be created.
func buildGenAI(opts []genai.Option, definitions []models.Flow) (executor.NLU, executor.LLM) {
	intents := intentsFor(definitions)
	client, err := genai.NewClient(append(opts, genai.WithIntents(intents))...)
	if err != nil {
		slog.Warn("GenAI client unavailable, using keyword intent classifier", "error", err)
		return genai.NewKeywordClassifier(intents), nil
	}
	return client, client
}

// intentsFor lists one intent per distinct flow trigger.
func intentsFor(definitions []models.Flow) []genai.Intent {
	seen := map[string]bool{}
	var intents []genai.Intent
	for _, f := range definitions {
		if f.Trigger == "" || seen[f.Trigger] {
			continue
		}
		seen[f.Trigger] = true
		intents = append(intents, genai.Intent{Name: f.Trigger, Module: f.Module, Description: f.Description})
	}
	return intents
}
