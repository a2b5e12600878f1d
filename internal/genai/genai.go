// Package genai provides the OpenAI-backed intent classifier and text generator
// used by the nlu and llm steps.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Defaults for the completion parameters.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 512
)

// UnknownIntent is returned by the model when no listed intent fits.
const UnknownIntent = "unknown"

var (
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrAPIKeyNotSet is returned by NewClient without an API key.
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Intent describes one classification target offered to the model.
type Intent struct {
	Name        string
	Module      string
	Description string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
	DebugMode   bool
	StateDir    string
	Intents     []Intent
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) {
		o.MaxTokens = n
	}
}

// WithDebugMode writes every request and response under stateDir/debug.
func WithDebugMode(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// WithIntents sets the intents Classify chooses from.
func WithIntents(intents []Intent) Option {
	return func(o *Opts) {
		o.Intents = intents
	}
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
	intents     []Intent
}

// NewClient initializes a GenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI NewClient failed: API key not set")
		return nil, ErrAPIKeyNotSet
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("GenAI client created", "model", cfg.Model, "intents", len(cfg.Intents), "debug", cfg.DebugMode)
	return &Client{
		chat:        completions{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
		intents:     cfg.Intents,
	}, nil
}

// Generate answers prompt with the collected data as context.
func (c *Client) Generate(ctx context.Context, prompt string, data map[string]any) (string, error) {
	system := "You are a helpful assistant inside a customer conversation. Keep answers short and friendly."
	if len(data) > 0 {
		details, err := json.Marshal(data)
		if err == nil {
			system += "\nKnown details about the customer: " + string(details)
		}
	}
	out, err := c.complete(ctx, "Generate", c.params(system, prompt))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Classify asks the model which configured intent the text expresses.
func (c *Client) Classify(ctx context.Context, text, language string) (models.NLUResult, error) {
	params := c.params(c.classifierPrompt(language), text)
	params.Temperature = openai.Float(0)
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
	}

	out, err := c.complete(ctx, "Classify", params)
	if err != nil {
		return models.NLUResult{}, err
	}
	var res models.NLUResult
	if err := json.Unmarshal([]byte(stripCodeFence(out)), &res); err != nil {
		slog.Warn("GenAI Classify returned malformed JSON", "error", err, "content", out)
		return models.NLUResult{}, fmt.Errorf("failed to decode classification: %w", err)
	}
	res.Intent = strings.TrimSpace(res.Intent)
	if res.Intent == "" {
		res.Intent = UnknownIntent
	}
	if res.Module == "" {
		res.Module = c.moduleFor(res.Intent)
	}
	slog.Debug("GenAI Classify succeeded", "intent", res.Intent, "module", res.Module, "confidence", res.Confidence)
	return res, nil
}

func (c *Client) classifierPrompt(language string) string {
	var b strings.Builder
	b.WriteString("You route customer messages to conversation flows. ")
	b.WriteString(`Reply with a JSON object {"intent": string, "module": string, "confidence": number between 0 and 1, "entities": object}. `)
	fmt.Fprintf(&b, "Use exactly one of these intents, or %q when none fits:\n", UnknownIntent)
	for _, in := range c.intents {
		fmt.Fprintf(&b, "- %s (module %s)", in.Name, in.Module)
		if in.Description != "" {
			b.WriteString(": " + in.Description)
		}
		b.WriteString("\n")
	}
	if language != "" {
		fmt.Fprintf(&b, "The message is written in %s.\n", language)
	}
	return b.String()
}

func (c *Client) moduleFor(intent string) string {
	for _, in := range c.intents {
		if in.Name == intent {
			return in.Module
		}
	}
	return ""
}

func (c *Client) params(systemPrompt, userPrompt string) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}
	return params
}

func (c *Client) complete(ctx context.Context, method string, params openai.ChatCompletionNewParams) (string, error) {
	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI chat completion failed", "method", method, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		slog.Warn("GenAI chat completion returned no choices", "method", method)
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI chat completion succeeded", "method", method, "model", c.model, "duration", time.Since(start), "contentLength", len(content))
	if c.debugMode {
		c.writeDebugLog(method, params, resp)
	}
	return content, nil
}

// writeDebugLog stores one request/response pair as a JSON file.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("GenAI debug directory could not be created", "error", err, "dir", dir)
		return
	}
	now := time.Now().UTC()
	entry := map[string]any{
		"timestamp": now.Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	body, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("GenAI debug entry could not be encoded", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", now.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), body, 0644); err != nil {
		slog.Warn("GenAI debug entry could not be written", "error", err)
	}
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
