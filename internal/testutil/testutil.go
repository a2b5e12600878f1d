// Package testutil provides common test utilities and helpers for DialogPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// WaitFlow builds a two-step flow: a wait state "ask" that collects free text
// and moves to the final state "done". It is the smallest flow the engine and
// gateway can run end to end.
func WaitFlow(id, trigger, module string) models.Flow {
	return models.Flow{
		ID:           id,
		Name:         id,
		Trigger:      trigger,
		Module:       module,
		Version:      "1",
		Enabled:      true,
		InitialState: "ask",
		FinalStates:  []string{"done"},
		States: map[string]models.State{
			"ask": {
				Type:        models.StateTypeWait,
				Prompt:      "What is your name?",
				Transitions: map[string]string{models.SignalSuccess: "done"},
			},
			"done": {
				Type:   models.StateTypeEnd,
				Prompt: "Thanks!",
			},
		},
	}
}

// ActionFlow builds a flow whose initial action state runs a single action and
// then completes.
func ActionFlow(id, trigger, module string, action models.Action) models.Flow {
	return models.Flow{
		ID:           id,
		Name:         id,
		Trigger:      trigger,
		Module:       module,
		Enabled:      true,
		InitialState: "run",
		FinalStates:  []string{"done"},
		States: map[string]models.State{
			"run": {
				Type:        models.StateTypeAction,
				Actions:     []models.Action{action},
				Transitions: map[string]string{models.SignalDefault: "done"},
			},
			"done": {Type: models.StateTypeEnd},
		},
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an API envelope and validates its status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body any) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
