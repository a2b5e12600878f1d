package models

import "encoding/json"

// InboundMessage is the normalized envelope produced by channel adapters.
type InboundMessage struct {
	MessageID  string          `json:"messageId,omitempty"`
	Identity   string          `json:"identity" validate:"required"`
	Text       string          `json:"text"`
	Channel    string          `json:"channel,omitempty"`
	Platform   string          `json:"platform,omitempty"`
	Intent     string          `json:"intent,omitempty"` // pre-detected intent, if the adapter has one
	Module     string          `json:"module,omitempty"`
	Language   string          `json:"language,omitempty"`
	RawPayload json.RawMessage `json:"rawPayload,omitempty"`
}

// ElementType tags a structured outbound element.
type ElementType string

const (
	ElementButton ElementType = "button"
	ElementCard   ElementType = "card"
	ElementText   ElementType = "text"
)

// Element is a structured outbound element rendered by the channel adapter.
type Element struct {
	Type  ElementType `json:"type"`
	Label string      `json:"label,omitempty"`
	Value string      `json:"value,omitempty"`
}

// OutboundResponse is the channel-agnostic result of one processed turn.
type OutboundResponse struct {
	MessageID string    `json:"messageId,omitempty"`
	Identity  string    `json:"identity"`
	Text      string    `json:"text"`
	Elements  []Element `json:"elements,omitempty"`
	FlowID    string    `json:"flowId,omitempty"`
	StateID   string    `json:"stateId,omitempty"`
	Strategy  string    `json:"strategy,omitempty"` // resolver strategy that selected the flow this turn
	Completed bool      `json:"completed,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// NLUResult is the output of an intent classification call.
type NLUResult struct {
	Intent     string         `json:"intent"`
	Module     string         `json:"module,omitempty"`
	Entities   map[string]any `json:"entities,omitempty"`
	Confidence float64        `json:"confidence"`
}
