// Package envelope defines the canonical broker message exchanged between the
// adapter and the ledger components.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// URI parameter keys.
const (
	URIParamID = "id"
)

// EmptyPayload is the placeholder embedded when the original request is held
// in the offload store.
var EmptyPayload = json.RawMessage(`{}`)

// Envelope is the canonical message unit written to and read from the broker.
// It is treated as a value: builders return it by value and consumers copy any
// map before modifying it.
type Envelope struct {
	ID       string   `json:"id"`
	To       string   `json:"to"`
	From     string   `json:"from"`
	Type     string   `json:"type"`
	Content  Content  `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Content carries the transport headers and business payload of the request.
type Content struct {
	Headers   Headers           `json:"headers"`
	Payload   json.RawMessage   `json:"payload"`
	URIParams map[string]string `json:"uriParams,omitempty"`
	Context   Context           `json:"context"`
}

// Metadata carries the event descriptor and optional trace linkage.
type Metadata struct {
	Event Event             `json:"event"`
	Trace map[string]string `json:"trace,omitempty"`
}

// Event describes the lifecycle stage and outcome of the envelope.
type Event struct {
	ID         string    `json:"id"`
	ResponseTo string    `json:"responseTo,omitempty"`
	Type       Type      `json:"type"`
	Action     Action    `json:"action"`
	CreatedAt  time.Time `json:"createdAt"`
	State      State     `json:"state"`
}

// State is the success/error outcome of the event.
type State struct {
	Status      Status `json:"status"`
	Code        int    `json:"code"`
	Description string `json:"description,omitempty"`
}

// Succeeded reports whether the event state is a success.
func (s State) Succeeded() bool {
	return s.Status == "" || s.Status == StatusSuccess
}

var (
	errMissingID     = errors.New("envelope: id is required")
	errMissingAction = errors.New("envelope: metadata.event.action is required")
)

// Marshal encodes e as JSON.
func Marshal(e Envelope) ([]byte, error) {
	if e.ID == "" {
		return nil, errMissingID
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates an envelope read from the broker. The action
// is not checked against the closed set here; routing decides what unknown
// actions mean.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if len(bytes.TrimSpace(data)) == 0 {
		return e, errors.New("envelope: empty message")
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("envelope: decode: %w", err)
	}
	if e.Metadata.Event.Action == "" {
		return e, errMissingAction
	}
	if e.TransactionID() == "" {
		return e, errMissingID
	}
	return e, nil
}

// TransactionID returns the correlation id, falling back to the uri params
// when the envelope id was not set (GET and error flows).
func (e Envelope) TransactionID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Content.URIParams[URIParamID]
}

// Action is shorthand for e.Metadata.Event.Action.
func (e Envelope) Action() Action { return e.Metadata.Event.Action }

// IsFx reports whether the envelope belongs to the fx-transfer family.
func (e Envelope) IsFx() bool { return e.Metadata.Event.Action.IsFx() }
