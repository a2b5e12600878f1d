package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/DialogPipe/internal/flows"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/registry"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, r, http.StatusOK, models.Success(map[string]any{"flows": s.flows.Len()}))
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.InboundMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeError(w, r, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	msg.Identity = strings.TrimSpace(msg.Identity)
	if err := s.validate.Struct(msg); err != nil {
		slog.Warn("Server.messageHandler: validation failed", "error", err)
		writeError(w, r, http.StatusBadRequest, "identity is required")
		return
	}

	resp := s.gateway.HandleMessage(r.Context(), msg)
	slog.Debug("Server.messageHandler: turn processed", "identity", resp.Identity, "flowID", resp.FlowID, "state", resp.StateID, "duplicate", resp.Duplicate)
	writeJSONResponse(w, r, http.StatusOK, models.Success(resp))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, r, http.StatusOK, models.Success(s.flows.List()))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flow, ok := s.flows.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("flow %q not found", id))
		return
	}
	writeJSONResponse(w, r, http.StatusOK, models.Success(flow))
}

// validateFlowHandler checks a posted definition without registering it. YAML
// is accepted when the content type says so.
func (s *Server) validateFlowHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Failed to read request body")
		return
	}
	flow, err := registry.Parse(body, definitionFormat(r.Header.Get("Content-Type")))
	if err != nil {
		slog.Warn("Server.validateFlowHandler: failed to parse definition", "error", err)
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	report := registry.Validate(flow, s.known)
	if !report.Valid() {
		slog.Info("Server.validateFlowHandler: definition rejected", "flowID", flow.ID, "errors", len(report.Errors))
		writeJSONResponse(w, r, http.StatusUnprocessableEntity, models.ErrorWithResult("flow definition is invalid", report))
		return
	}
	writeJSONResponse(w, r, http.StatusOK, models.Success(report))
}

func definitionFormat(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil && strings.Contains(mediaType, "yaml") {
		return ".yaml"
	}
	return ".json"
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (s *Server) setFlowEnabledHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req enabledRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.flows.SetEnabled(id, *req.Enabled); err != nil {
		if errors.Is(err, models.ErrFlowNotFound) {
			writeError(w, r, http.StatusNotFound, fmt.Sprintf("flow %q not found", id))
			return
		}
		writeError(w, r, http.StatusInternalServerError, "Failed to update flow")
		return
	}
	flow, _ := s.flows.Get(id)
	writeJSONResponse(w, r, http.StatusOK, models.SuccessWithMessage("Flow updated", flow.Summary()))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	session, err := s.gateway.Session(r.Context(), identity)
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load session", "error", err, "identity", identity)
		writeError(w, r, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if session == nil {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	writeJSONResponse(w, r, http.StatusOK, models.Success(redactSession(session)))
}

// secretDataKeys are collected-data keys masked in session responses.
var secretDataKeys = []string{flows.OTPCodeKey}

const redactedValue = "[redacted]"

func redactSession(session *models.Session) *models.Session {
	out := session.Clone()
	for _, key := range secretDataKeys {
		if _, ok := out.CollectedData[key]; ok {
			out.CollectedData[key] = redactedValue
		}
	}
	return out
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if err := s.gateway.DeleteSession(r.Context(), identity); err != nil {
		slog.Error("Server.deleteSessionHandler: failed to delete session", "error", err, "identity", identity)
		writeError(w, r, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	writeJSONResponse(w, r, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

func (s *Server) listSettingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, r, http.StatusOK, models.Success(s.settings.All()))
}

type settingRequest struct {
	Value any `json:"value"`
}

func (s *Server) putSettingHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req settingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if req.Value == nil {
		writeError(w, r, http.StatusBadRequest, "value is required")
		return
	}
	if err := s.settings.Set(key, req.Value); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSONResponse(w, r, http.StatusOK, models.SuccessWithMessage("Setting updated", map[string]any{key: req.Value}))
}
