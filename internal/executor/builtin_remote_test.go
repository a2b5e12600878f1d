package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

type fakeNLU struct {
	result models.NLUResult
	err    error
	text   string
	lang   string
}

func (f *fakeNLU) Classify(_ context.Context, text, lang string) (models.NLUResult, error) {
	f.text, f.lang = text, lang
	return f.result, f.err
}

type fakeLLM struct {
	prompt string
	reply  string
	err    error
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, _ map[string]any) (string, error) {
	f.prompt = prompt
	return f.reply, f.err
}

func TestNLUExecutorSignalsIntent(t *testing.T) {
	nlu := &fakeNLU{result: models.NLUResult{
		Intent:     "track_order",
		Confidence: 0.9,
		Entities:   map[string]any{"order_id": "A17"},
	}}
	ec := stepContext(models.ExecutorNLU, nil)
	ec.Input = "where is A17"
	ec.Language = "en"

	res := run(t, nluExecutor(nlu), nil, ec)
	require.NoError(t, res.Err)
	assert.Equal(t, "track_order", res.Signal)
	assert.Equal(t, "track_order", res.Data["intent"])
	assert.Equal(t, "A17", res.Data["order_id"])
	assert.Equal(t, "where is A17", nlu.text)
	assert.Equal(t, "en", nlu.lang)

	res = run(t, nluExecutor(nlu), map[string]any{"minConfidence": 0.95}, ec)
	assert.Equal(t, models.SignalDefault, res.Signal)
}

func TestNLUExecutorErrorIsRetriable(t *testing.T) {
	nlu := &fakeNLU{err: errors.New("rate limited")}
	reg := newTestRegistry(WithRetries(1))
	RegisterBuiltins(reg, Deps{NLU: nlu})

	res := reg.Run(context.Background(), stepContext(models.ExecutorNLU, nil))
	assert.Equal(t, models.SignalError, res.Signal)
	var stepErr *models.StepExecutionError
	require.True(t, errors.As(res.Err, &stepErr))
	assert.Equal(t, 2, stepErr.Attempts)
}

func TestLLMExecutor(t *testing.T) {
	llm := &fakeLLM{reply: "Your parcel ships tomorrow."}
	ec := stepContext(models.ExecutorLLM, nil)
	ec.Data = map[string]any{"city": "Lyon"}

	res := run(t, llmExecutor(llm), map[string]any{"prompt": "Confirm shipping to ${ data.city }"}, ec)
	assert.Equal(t, "Confirm shipping to Lyon", llm.prompt)
	assert.Equal(t, "Your parcel ships tomorrow.", res.Text)
	assert.Equal(t, "Your parcel ships tomorrow.", res.Data["llm_response"])

	res = run(t, llmExecutor(llm), map[string]any{"prompt": "x", "respond": false, "field": "summary"}, ec)
	assert.Empty(t, res.Text)
	assert.Equal(t, "Your parcel ships tomorrow.", res.Data["summary"])
}

func TestToolExecutor(t *testing.T) {
	tools := NewToolTable()
	tools.Register("lookup_order", func(_ context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{
			"order":   map[string]any{"id": args["id"], "status": "shipped"},
			"signal":  "found",
			"message": "Found it.",
		}, nil
	})
	assert.Equal(t, []string{"lookup_order"}, tools.Names())

	ec := stepContext(models.ExecutorTool, nil)
	ec.Data = map[string]any{"order_id": "A17"}
	res := run(t, toolExecutor(tools), map[string]any{
		"name":    "lookup_order",
		"args":    map[string]any{"id": "${ data.order_id }"},
		"extract": map[string]any{"order_status": "order.status", "order_ref": "order.id"},
	}, ec)
	require.NoError(t, res.Err)
	assert.Equal(t, "found", res.Signal)
	assert.Equal(t, "Found it.", res.Text)
	assert.Equal(t, map[string]any{"order_status": "shipped", "order_ref": "A17"}, res.Data)

	res = run(t, toolExecutor(tools), map[string]any{"name": "missing"}, ec)
	assert.Error(t, res.Err)
}

func TestAPICallExecutor(t *testing.T) {
	var gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotBody, _ = body["item"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order":{"id":"ORD-9","eta":{"minutes":25}}}`))
	}))
	defer srv.Close()

	exec := apiCallExecutor(NewHTTPClient(time.Second))
	ec := stepContext(models.ExecutorAPICall, nil)
	ec.Data = map[string]any{"item": "pizza"}

	res := run(t, exec, map[string]any{
		"url":            srv.URL + "/orders",
		"method":         "POST",
		"body":           map[string]any{"item": "${ data.item }"},
		"idempotencyKey": "${ session.id }-order",
		"extract":        map[string]any{"order_id": "order.id", "eta": "order.eta.minutes"},
	}, ec)
	require.NoError(t, res.Err)
	assert.Equal(t, models.SignalSuccess, res.Signal)
	assert.Equal(t, "ORD-9", res.Data["order_id"])
	assert.Equal(t, 25.0, res.Data["eta"])
	assert.Equal(t, "+15550001-order", gotKey)
	assert.Equal(t, "pizza", gotBody)
}

func TestAPICallStatusHandling(t *testing.T) {
	var calls int32
	status := int32(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	}))
	defer srv.Close()

	reg := newTestRegistry(WithRetries(2))
	RegisterBuiltins(reg, Deps{HTTP: NewHTTPClient(time.Second)})

	res := reg.Run(context.Background(), stepContext(models.ExecutorAPICall, map[string]any{"url": srv.URL}))
	assert.NoError(t, res.Err)
	assert.Equal(t, models.SignalError, res.Signal)
	assert.Equal(t, "nope", res.Data["http_error"])
	assert.Equal(t, int32(1), calls)

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	atomic.StoreInt32(&calls, 0)
	res = reg.Run(context.Background(), stepContext(models.ExecutorAPICall, map[string]any{"url": srv.URL}))
	assert.Error(t, res.Err)
	assert.Equal(t, int32(1), calls, "no idempotency key, no retry")

	atomic.StoreInt32(&calls, 0)
	res = reg.Run(context.Background(), stepContext(models.ExecutorAPICall, map[string]any{"url": srv.URL, "idempotencyKey": "k"}))
	assert.Error(t, res.Err)
	assert.Equal(t, int32(3), calls)
}
