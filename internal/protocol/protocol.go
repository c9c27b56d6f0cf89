// Package protocol defines the JSON wire protocol spoken between the broker
// and its clients: envelope framing, opcodes, request payloads, and the
// builders for every server-generated envelope shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request opcodes. Each request type maps 1:1 to a response type.
const (
	TypeGet         = "GET"
	TypeSet         = "SET"
	TypeDelete      = "DELETE"
	TypeQuery       = "QUERY"
	TypeBatch       = "BATCH"
	TypePing        = "PING"
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
)

// Server-initiated opcodes.
const (
	TypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	TypeSubscriptionUpdate    = "SUBSCRIPTION_UPDATE"
	TypeError                 = "ERROR"
)

// ResponseType returns the response opcode for a request opcode
// (GET -> GET_RESPONSE and so on).
func ResponseType(requestType string) string {
	return requestType + "_RESPONSE"
}

// Envelope is one JSON message on the wire, in either direction. Optional
// fields are omitted when empty, so the same struct serves requests,
// responses, notifications, and the welcome message.
//
// requestId is client-assigned, monotonically increasing per session, and
// echoed verbatim on the response. Server-initiated envelopes carry none.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID int64           `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	// Response fields.
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`

	// SUBSCRIPTION_UPDATE fields, flat on the envelope.
	Collection string          `json:"collection,omitempty"`
	Key        string          `json:"key,omitempty"`
	Operation  string          `json:"operation,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`

	// CONNECTION_ESTABLISHED fields.
	ClientID     string   `json:"clientId,omitempty"`
	Platform     string   `json:"platform,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RequestPayload is the union of request payload fields. Handlers validate
// the fields their opcode requires and ignore the rest, so unknown hints in
// a payload never fail a request.
type RequestPayload struct {
	Collection  string           `json:"collection,omitempty"`
	Key         string           `json:"key,omitempty"`
	Value       json.RawMessage  `json:"value,omitempty"`
	Query       map[string]any   `json:"query,omitempty"`
	Options     map[string]any   `json:"options,omitempty"`
	Operations  []BatchOperation `json:"operations,omitempty"`
	StopOnError bool             `json:"stopOnError,omitempty"`
}

// BatchOperation is one entry of a BATCH request. ID is caller-chosen and
// echoed in the matching result entry.
type BatchOperation struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// BatchEntry is one entry of a BATCH_RESPONSE, in input order. Exactly one
// of Result or Error is set.
type BatchEntry struct {
	Operation string          `json:"operation"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SetResult is the data of a SET_RESPONSE. Timestamp is stamped after the
// adapter acknowledged the write.
type SetResult struct {
	Success   bool   `json:"success"`
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// DeleteResult is the data of a DELETE_RESPONSE.
type DeleteResult struct {
	Deleted string `json:"deleted"`
}

// PongResult is the data of a PING_RESPONSE.
type PongResult struct {
	Pong bool `json:"pong"`
}

// SubscriptionResult is the data of SUBSCRIBE_RESPONSE and
// UNSUBSCRIBE_RESPONSE.
type SubscriptionResult struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Subscribed bool   `json:"subscribed"`
}

// NullValue is the explicit JSON null carried by DELETE notifications and
// GET responses for missing keys.
var NullValue = json.RawMessage("null")

// Now returns the current time in milliseconds since the UNIX epoch, the
// unit used by every envelope timestamp.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Decode parses one wire frame into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// DecodePayload parses the request payload of an inbound envelope. An absent
// payload decodes to the zero value, which handlers reject field by field.
func (e *Envelope) DecodePayload() (*RequestPayload, error) {
	var p RequestPayload
	if len(e.Payload) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return &p, nil
}

// NewResponse builds a successful <TYPE>_RESPONSE envelope. data is
// marshaled into the envelope's data field.
func NewResponse(requestType string, requestID int64, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s response data: %w", requestType, err)
	}
	ok := true
	return &Envelope{
		Type:      ResponseType(requestType),
		RequestID: requestID,
		Success:   &ok,
		Data:      raw,
		Timestamp: Now(),
	}, nil
}

// NewRawResponse is NewResponse for data that is already serialized JSON,
// such as a stored value returned by GET.
func NewRawResponse(requestType string, requestID int64, data json.RawMessage) *Envelope {
	if len(data) == 0 {
		data = NullValue
	}
	ok := true
	return &Envelope{
		Type:      ResponseType(requestType),
		RequestID: requestID,
		Success:   &ok,
		Data:      data,
		Timestamp: Now(),
	}
}

// NewError builds an ERROR envelope echoing the failed request's id.
func NewError(requestID int64, message string) *Envelope {
	failed := false
	return &Envelope{
		Type:      TypeError,
		RequestID: requestID,
		Success:   &failed,
		Error:     message,
		Timestamp: Now(),
	}
}

// NewUpdate builds a SUBSCRIPTION_UPDATE notification. value must be the
// new value for SET and NullValue for DELETE.
func NewUpdate(collection, key, operation string, value json.RawMessage) *Envelope {
	if len(value) == 0 {
		value = NullValue
	}
	return &Envelope{
		Type:       TypeSubscriptionUpdate,
		Collection: collection,
		Key:        key,
		Operation:  operation,
		Value:      value,
		Timestamp:  Now(),
	}
}

// NewWelcome builds the CONNECTION_ESTABLISHED envelope sent exactly once,
// before any other server-initiated traffic on the session.
func NewWelcome(clientID string, platform Platform) *Envelope {
	return &Envelope{
		Type:         TypeConnectionEstablished,
		ClientID:     clientID,
		Platform:     string(platform),
		Capabilities: platform.Capabilities(),
		Timestamp:    Now(),
	}
}
