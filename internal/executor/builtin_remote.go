package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// NewHTTPClient returns the resty client used by api_call. Retries are left to
// the registry's policy, so the client itself never retries.
func NewHTTPClient(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "DialogPipe")
}

// unavailable reports a step whose collaborator was never wired.
func unavailable(ec *Context, what string) Result {
	slog.Error("Executor collaborator not configured", "collaborator", what, "flowID", ec.FlowID, "actionID", ec.Action.ID)
	return Result{Signal: models.SignalError}
}

type nluConfig struct {
	Text          string  `json:"text"` // defaults to the user's input
	Language      string  `json:"language"`
	MinConfidence float64 `json:"minConfidence" validate:"gte=0,lte=1"`
	Field         string  `json:"field" default:"intent"`
	MergeEntities bool    `json:"mergeEntities" default:"true"`
}

// nluExecutor classifies the input; the detected intent becomes the signal so
// transitions can branch on it directly.
func nluExecutor(nlu NLU) Executor {
	return Func(func(ctx context.Context, raw map[string]any, ec *Context) Result {
		if nlu == nil {
			return unavailable(ec, "nlu")
		}
		var cfg nluConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return configError(ec, err)
		}
		text := ec.Input
		if cfg.Text != "" {
			text = interpolate(cfg.Text, ec)
		}
		lang := cfg.Language
		if lang == "" {
			lang = ec.Language
		}

		out, err := nlu.Classify(ctx, text, lang)
		if err != nil {
			return Result{Err: fmt.Errorf("nlu classify: %w", err)}
		}

		data := map[string]any{
			cfg.Field:    out.Intent,
			"confidence": out.Confidence,
		}
		if out.Module != "" {
			data["nlu_module"] = out.Module
		}
		if len(out.Entities) > 0 {
			data["entities"] = models.CloneMap(out.Entities)
			if cfg.MergeEntities {
				for k, v := range out.Entities {
					data[k] = v
				}
			}
		}

		signal := out.Intent
		if signal == "" || out.Confidence < cfg.MinConfidence {
			signal = models.SignalDefault
		}
		return Result{Signal: signal, Data: data, Output: out.Intent}
	})
}

type llmConfig struct {
	Prompt  string `json:"prompt" validate:"required"`
	Field   string `json:"field" default:"llm_response"`
	Respond bool   `json:"respond" default:"true"`
}

// llmExecutor generates text from a prompt template.
func llmExecutor(llm LLM) Executor {
	return Func(func(ctx context.Context, raw map[string]any, ec *Context) Result {
		if llm == nil {
			return unavailable(ec, "llm")
		}
		var cfg llmConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return configError(ec, err)
		}
		out, err := llm.Generate(ctx, interpolate(cfg.Prompt, ec), models.CloneMap(ec.Data))
		if err != nil {
			return Result{Err: fmt.Errorf("llm generate: %w", err)}
		}
		res := Result{
			Signal: models.SignalSuccess,
			Data:   map[string]any{cfg.Field: out},
			Output: out,
		}
		if cfg.Respond {
			res.Text = out
		}
		return res
	})
}

type toolConfig struct {
	Name       string            `json:"name" validate:"required"`
	Args       map[string]any    `json:"args"`
	Extract    map[string]string `json:"extract"` // data key -> gjson path into the tool result
	SignalKey  string            `json:"signalKey" default:"signal"`
	MessageKey string            `json:"messageKey" default:"message"`
}

// toolExecutor calls an in-process tool. A string under signalKey in the tool
// result overrides the success signal; a string under messageKey becomes the
// response text.
func toolExecutor(tools ToolInvoker) Executor {
	return Func(func(ctx context.Context, raw map[string]any, ec *Context) Result {
		if tools == nil {
			return unavailable(ec, "tools")
		}
		var cfg toolConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return configError(ec, err)
		}
		args, _ := interpolateValue(cfg.Args, ec).(map[string]any)
		if args == nil {
			args = map[string]any{}
		}

		out, err := tools.Invoke(ctx, cfg.Name, args)
		if err != nil {
			return Result{Err: fmt.Errorf("tool %s: %w", cfg.Name, err)}
		}

		res := Result{Signal: models.SignalSuccess, Output: out}
		if s, ok := out[cfg.SignalKey].(string); ok && s != "" {
			res.Signal = s
		}
		if s, ok := out[cfg.MessageKey].(string); ok {
			res.Text = s
		}

		if len(cfg.Extract) > 0 {
			body, err := json.Marshal(out)
			if err != nil {
				return Result{Err: fmt.Errorf("tool %s: encode result: %w", cfg.Name, err)}
			}
			res.Data = extract(body, cfg.Extract)
		} else {
			res.Data = make(map[string]any, len(out))
			for k, v := range out {
				if k != cfg.SignalKey && k != cfg.MessageKey {
					res.Data[k] = v
				}
			}
		}
		return res
	})
}

type apiCallConfig struct {
	URL            string            `json:"url" validate:"required"`
	Method         string            `json:"method" default:"GET" validate:"oneof=GET POST PUT PATCH DELETE"`
	Headers        map[string]string `json:"headers"`
	Query          map[string]string `json:"query"`
	Body           map[string]any    `json:"body"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Extract        map[string]string `json:"extract"` // data key -> gjson path into the response body
	Field          string            `json:"field"`   // stores the whole decoded body when set
}

// apiCallExecutor performs an outbound HTTP request. Network failures and 5xx
// responses are errors (retried only with an idempotency key); 4xx responses
// map straight to the error signal.
func apiCallExecutor(client *resty.Client) Executor {
	return Func(func(ctx context.Context, raw map[string]any, ec *Context) Result {
		var cfg apiCallConfig
		if err := decodeConfig(raw, &cfg); err != nil {
			return configError(ec, err)
		}

		req := client.R().SetContext(ctx)
		for k, v := range cfg.Headers {
			req.SetHeader(k, interpolate(v, ec))
		}
		for k, v := range cfg.Query {
			req.SetQueryParam(k, interpolate(v, ec))
		}
		if cfg.IdempotencyKey != "" {
			req.SetHeader("Idempotency-Key", interpolate(cfg.IdempotencyKey, ec))
		}
		if cfg.Body != nil && cfg.Method != http.MethodGet {
			req.SetHeader("Content-Type", "application/json").SetBody(interpolateValue(cfg.Body, ec))
		}

		url := interpolate(cfg.URL, ec)
		resp, err := req.Execute(cfg.Method, url)
		if err != nil {
			return Result{Err: fmt.Errorf("HTTP request failed: %w", err)}
		}
		slog.Debug("Executor api_call completed", "method", cfg.Method, "url", url, "status", resp.StatusCode())

		if resp.StatusCode() >= 500 {
			return Result{Err: fmt.Errorf("HTTP %s %s: %s", cfg.Method, url, resp.Status())}
		}
		body := resp.Body()
		if resp.IsError() {
			data := map[string]any{"http_status": resp.StatusCode()}
			if msg := gjson.GetBytes(body, "message"); msg.Exists() {
				data["http_error"] = msg.String()
			}
			return Result{Signal: models.SignalError, Data: data}
		}

		data := map[string]any{"http_status": resp.StatusCode()}
		var parsed any
		if len(body) > 0 && gjson.ValidBytes(body) {
			parsed = gjson.ParseBytes(body).Value()
			for k, v := range extract(body, cfg.Extract) {
				data[k] = v
			}
		}
		if cfg.Field != "" {
			data[cfg.Field] = parsed
		}
		return Result{Signal: models.SignalSuccess, Data: data, Output: parsed}
	})
}

// extract pulls values out of a JSON document by gjson path. Missing paths are skipped.
func extract(body []byte, paths map[string]string) map[string]any {
	out := make(map[string]any, len(paths))
	for key, path := range paths {
		r := gjson.GetBytes(body, path)
		if !r.Exists() {
			continue
		}
		out[key] = r.Value()
	}
	return out
}
