package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/engine"
	"github.com/BTreeMap/DialogPipe/internal/executor"
	"github.com/BTreeMap/DialogPipe/internal/flows"
	"github.com/BTreeMap/DialogPipe/internal/gateway"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/registry"
	"github.com/BTreeMap/DialogPipe/internal/resolver"
	"github.com/BTreeMap/DialogPipe/internal/settings"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/testutil"
)

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func newTestServer(t *testing.T, gwOpts ...gateway.Option) (*Server, http.Handler) {
	t.Helper()
	settingsStore := settings.NewMemoryStore(nil)
	tools := executor.NewToolTable()
	flows.RegisterTools(tools)
	steps := executor.NewRegistry(executor.WithRetries(0), executor.WithBackoff(0))
	executor.RegisterBuiltins(steps, executor.Deps{Tools: tools, Settings: settingsStore})

	definitions, err := flows.Builtin()
	if err != nil {
		t.Fatalf("failed to load built-in flows: %v", err)
	}
	reg := registry.New(registry.WithKnownExecutors(steps.Has))
	if err := reg.RegisterAll(definitions); err != nil {
		t.Fatalf("failed to register flows: %v", err)
	}

	gw := gateway.New(store.NewInMemoryStore(), reg, resolver.New(reg), engine.New(steps), gwOpts...)
	s := NewServer(gw, reg, settingsStore, steps.Has)
	return s, s.Router()
}

func do(t *testing.T, h http.Handler, method, path, contentType, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: response is not a JSON envelope: %v (%s)", method, path, err, rr.Body.String())
	}
	return rr, env
}

func decodeResult(t *testing.T, env envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Result, v); err != nil {
		t.Fatalf("failed to decode result: %v (%s)", err, env.Result)
	}
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("expected JSON content type, got %s", ct)
	}
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result, _ := resp["result"].(map[string]any)
	if result["flows"] != float64(5) {
		t.Errorf("expected 5 flows in health result, got %v", result["flows"])
	}
}

func TestMessageConversation(t *testing.T) {
	_, h := newTestServer(t)

	rr, env := do(t, h, http.MethodPost, "/api/v1/messages", "application/json",
		`{"messageId":"m1","identity":"+15550100","text":"hi","intent":"book_parcel","module":"parcel","channel":"whatsapp"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out models.OutboundResponse
	decodeResult(t, env, &out)
	if out.FlowID != "parcel_flow" || out.StateID != "ask_pickup" || out.Strategy != "exact_trigger" {
		t.Errorf("unexpected first turn: %+v", out)
	}
	if !strings.Contains(out.Text, "pick the parcel up") {
		t.Errorf("expected pickup prompt, got %q", out.Text)
	}

	_, env = do(t, h, http.MethodPost, "/api/v1/messages", "application/json",
		`{"messageId":"m2","identity":"+15550100","text":"40.7130,-74.0055"}`)
	decodeResult(t, env, &out)
	if out.StateID != "ask_weight" {
		t.Errorf("expected ask_weight, got %+v", out)
	}

	_, env = do(t, h, http.MethodPost, "/api/v1/messages", "application/json",
		`{"messageId":"m2","identity":"+15550100","text":"40.7130,-74.0055"}`)
	decodeResult(t, env, &out)
	if !out.Duplicate || out.StateID != "ask_weight" {
		t.Errorf("expected duplicate replay of ask_weight, got %+v", out)
	}
}

func TestMessageKeywordRouting(t *testing.T) {
	_, h := newTestServer(t)
	_, env := do(t, h, http.MethodPost, "/api/v1/messages", "application/json",
		`{"identity":"u-9","text":"I am hungry, show me the menu"}`)
	var out models.OutboundResponse
	decodeResult(t, env, &out)
	if out.FlowID != "food_flow" || out.Strategy != "keyword" {
		t.Errorf("expected keyword match to food_flow, got %+v", out)
	}
	if out.MessageID == "" {
		t.Error("expected a generated message id")
	}
}

func TestMessageValidation(t *testing.T) {
	_, h := newTestServer(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/api/v1/messages", map[string]string{"text": "hi", "identity": "   "}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing identity")
	testutil.AssertJSONResponse(t, rr, "error")

	rr2, _ := do(t, h, http.MethodPost, "/api/v1/messages", "application/json", `{not json`)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr2.Code, "bad JSON")
}

func TestFlowsEndpoints(t *testing.T) {
	_, h := newTestServer(t)

	rr, env := do(t, h, http.MethodGet, "/api/v1/flows", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list []models.FlowSummary
	decodeResult(t, env, &list)
	if len(list) != 5 {
		t.Errorf("expected 5 flows, got %d", len(list))
	}

	rr, env = do(t, h, http.MethodGet, "/api/v1/flows/otp_login", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var flow models.Flow
	decodeResult(t, env, &flow)
	if flow.InitialState != "ask_phone" {
		t.Errorf("unexpected flow body: %+v", flow)
	}

	rr, _ = do(t, h, http.MethodGet, "/api/v1/flows/nope", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestSetFlowEnabled(t *testing.T) {
	s, h := newTestServer(t)

	rr, env := do(t, h, http.MethodPut, "/api/v1/flows/food_flow/enabled", "application/json", `{"enabled": false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var summary models.FlowSummary
	decodeResult(t, env, &summary)
	if summary.Enabled {
		t.Error("expected flow to be disabled")
	}
	if f, _ := s.flows.Get("food_flow"); f.Enabled {
		t.Error("registry should reflect the toggle")
	}

	rr, _ = do(t, h, http.MethodPut, "/api/v1/flows/food_flow/enabled", "application/json", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without enabled, got %d", rr.Code)
	}
	rr, _ = do(t, h, http.MethodPut, "/api/v1/flows/ghost/enabled", "application/json", `{"enabled": true}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown flow, got %d", rr.Code)
	}
}

func TestValidateFlow(t *testing.T) {
	_, h := newTestServer(t)

	valid := `{"id":"f","trigger":"t","module":"m","enabled":true,"initialState":"a","finalStates":["b"],
		"states":{"a":{"type":"wait","transitions":{"success":"b"}},"b":{"type":"end"}}}`
	rr, env := do(t, h, http.MethodPost, "/api/v1/flows/validate", "application/json", valid)
	if rr.Code != http.StatusOK || env.Status != "ok" {
		t.Fatalf("expected valid flow, got %d %s", rr.Code, rr.Body.String())
	}

	invalidYAML := "id: f\ntrigger: t\ninitialState: a\nfinalStates: [b]\nstates:\n  a:\n    type: wait\n    transitions:\n      success: missing\n  b:\n    type: end\n"
	rr, env = do(t, h, http.MethodPost, "/api/v1/flows/validate", "application/yaml", invalidYAML)
	if rr.Code != http.StatusUnprocessableEntity || env.Status != "error" {
		t.Fatalf("expected 422, got %d %s", rr.Code, rr.Body.String())
	}
	var report registry.Report
	decodeResult(t, env, &report)
	if len(report.Errors) == 0 || !strings.Contains(strings.Join(report.Errors, ";"), "missing") {
		t.Errorf("expected unknown target error, got %+v", report)
	}

	rr, _ = do(t, h, http.MethodPost, "/api/v1/flows/validate", "application/json", `[`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unparsable definition, got %d", rr.Code)
	}
}

func TestSessionEndpointRedactsOTPCode(t *testing.T) {
	s, h := newTestServer(t)
	const identity = "+15550300"

	do(t, h, http.MethodPost, "/api/v1/messages", "application/json", `{"identity":"+15550300","text":"login","intent":"login"}`)
	do(t, h, http.MethodPost, "/api/v1/messages", "application/json", `{"identity":"+15550300","text":"+15551234567"}`)

	stored, err := s.gateway.Session(context.Background(), identity)
	if err != nil || stored == nil {
		t.Fatalf("expected stored session, got %v, %v", stored, err)
	}
	code, _ := stored.CollectedData[flows.OTPCodeKey].(string)
	if len(code) != flows.OTPLength {
		t.Fatalf("expected an issued code in the stored session, got %q", code)
	}

	rr, env := do(t, h, http.MethodGet, "/api/v1/sessions/"+identity, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.Contains(string(env.Result), code) {
		t.Errorf("session response leaks the code: %s", env.Result)
	}
	var session models.Session
	decodeResult(t, env, &session)
	if session.CurrentState != "awaiting_otp" {
		t.Errorf("expected awaiting_otp, got %q", session.CurrentState)
	}
	if session.CollectedData[flows.OTPCodeKey] != redactedValue {
		t.Errorf("expected redacted code, got %v", session.CollectedData[flows.OTPCodeKey])
	}

	// Redaction is applied to the response only.
	_, env = do(t, h, http.MethodPost, "/api/v1/messages", "application/json", `{"identity":"+15550300","text":"`+code+`"}`)
	var resp models.OutboundResponse
	decodeResult(t, env, &resp)
	if !resp.Completed {
		t.Errorf("expected sign-in to complete with the real code, got %+v", resp)
	}
	stored, _ = s.gateway.Session(context.Background(), identity)
	if stored == nil || !stored.Authenticated {
		t.Errorf("expected authenticated session, got %+v", stored)
	}
}

func TestSessionEndpoints(t *testing.T) {
	_, h := newTestServer(t)

	rr, _ := do(t, h, http.MethodGet, "/api/v1/sessions/+15550200", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any message, got %d", rr.Code)
	}

	do(t, h, http.MethodPost, "/api/v1/messages", "application/json", `{"identity":"+15550200","text":"login","intent":"login"}`)

	rr, env := do(t, h, http.MethodGet, "/api/v1/sessions/+15550200", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var session models.Session
	decodeResult(t, env, &session)
	if session.CurrentFlowID != "otp_login" || session.CurrentState != "ask_phone" {
		t.Errorf("unexpected session: %+v", session)
	}

	rr, _ = do(t, h, http.MethodDelete, "/api/v1/sessions/+15550200", "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", rr.Code)
	}
	rr, _ = do(t, h, http.MethodGet, "/api/v1/sessions/+15550200", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	s, h := newTestServer(t)

	rr, env := do(t, h, http.MethodPut, "/api/v1/settings/"+settings.KeyPerKmRate, "application/json", `{"value": 2.25}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := settings.Float(s.settings, settings.KeyPerKmRate, 0); got != 2.25 {
		t.Errorf("expected per-km rate 2.25, got %v", got)
	}

	rr, env = do(t, h, http.MethodGet, "/api/v1/settings", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var all map[string]any
	decodeResult(t, env, &all)
	if all[settings.KeyCurrency] != "USD" {
		t.Errorf("expected default currency, got %v", all[settings.KeyCurrency])
	}

	rr, _ = do(t, h, http.MethodPut, "/api/v1/settings/"+settings.KeyTaxRate, "application/json", `{"value": 0}`)
	if rr.Code != http.StatusOK {
		t.Errorf("zero is a valid setting value, got %d", rr.Code)
	}
	rr, _ = do(t, h, http.MethodPut, "/api/v1/settings/currency", "application/json", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without value, got %d", rr.Code)
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	_, h := newTestServer(t)
	rr, env := do(t, h, http.MethodGet, "/nope", "", "")
	if rr.Code != http.StatusNotFound || env.Status != "error" {
		t.Errorf("expected 404 envelope, got %d %s", rr.Code, env.Status)
	}
	rr, env = do(t, h, http.MethodDelete, "/api/v1/messages", "", "")
	if rr.Code != http.StatusMethodNotAllowed || env.Status != "error" {
		t.Errorf("expected 405 envelope, got %d %s", rr.Code, env.Status)
	}
}

func TestPurgeDedup(t *testing.T) {
	s, h := newTestServer(t, gateway.WithDedupTTL(time.Millisecond))
	body := `{"messageId":"p1","identity":"+15550300","text":"hi","intent":"order_food"}`

	do(t, h, http.MethodPost, "/api/v1/messages", "application/json", body)
	time.Sleep(5 * time.Millisecond)
	s.purgeDedup(context.Background())

	_, env := do(t, h, http.MethodPost, "/api/v1/messages", "application/json", body)
	var out models.OutboundResponse
	decodeResult(t, env, &out)
	if out.Duplicate {
		t.Error("expected purged message id to be processed again")
	}
}

type discardSender struct{}

func (discardSender) SendCode(context.Context, string, string) error { return nil }

func TestApplyOptions(t *testing.T) {
	cfg := applyOptions(nil)
	if cfg.Addr != DefaultAddr || cfg.MaxAttempts != models.DefaultMaxAttempts || cfg.DedupTTL != store.DefaultDedupTTL {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	cfg = applyOptions([]Option{
		WithAddr(":9090"),
		WithFlowsDir("/etc/flows"),
		WithMaxAttempts(5),
		WithStepTimeout(time.Second),
		WithStepRetries(1),
		WithDedupTTL(time.Hour),
		WithPurgeInterval(time.Minute),
		WithResetKeywords([]string{"restart"}),
		WithSettings(map[string]any{"currency": "EUR"}),
		WithCodeSender(discardSender{}),
	})
	if cfg.Addr != ":9090" || cfg.FlowsDir != "/etc/flows" || cfg.MaxAttempts != 5 || cfg.StepTimeout != time.Second ||
		cfg.StepRetries != 1 || cfg.DedupTTL != time.Hour || cfg.PurgeInterval != time.Minute ||
		cfg.ResetKeywords[0] != "restart" || cfg.Settings["currency"] != "EUR" || cfg.CodeSender == nil {
		t.Errorf("options not applied: %+v", cfg)
	}
}

func TestIntentsFor(t *testing.T) {
	definitions, err := flows.Builtin()
	if err != nil {
		t.Fatal(err)
	}
	definitions = append(definitions, models.Flow{ID: "dup", Trigger: "order_food", Module: "food"})
	intents := intentsFor(definitions)
	if len(intents) != 5 {
		t.Errorf("expected one intent per distinct trigger, got %d", len(intents))
	}
}

func TestLoadDefinitionsMissingDir(t *testing.T) {
	if _, err := loadDefinitions("/nonexistent/flows"); err == nil {
		t.Error("expected error for missing flows directory")
	}
	defs, err := loadDefinitions("")
	if err != nil || len(defs) != 5 {
		t.Errorf("expected 5 built-in flows, got %d (%v)", len(defs), err)
	}
}
