package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the closed set of queue message variants.
type MessageType string

// Message type constants.
const (
	MsgWork         MessageType = "WORK"
	MsgClaimRequest MessageType = "CLAIM_REQUEST"
	MsgResponse     MessageType = "RESPONSE"
)

// Message is the wire envelope for every queue body. Exactly one payload
// pointer is set, matching Type. Validated at the queue boundary: malformed
// or mismatched envelopes dead-letter immediately without retry.
type Message struct {
	Type         MessageType   `json:"type"`
	Work         *WorkItem     `json:"work,omitempty"`
	ClaimRequest *ClaimRequest `json:"claim_request,omitempty"`
	Response     *ResponseItem `json:"response,omitempty"`
}

// Validate checks the envelope invariant: a known type with its matching
// payload present and the other payloads absent.
func (m Message) Validate() error {
	set := 0
	if m.Work != nil {
		set++
	}
	if m.ClaimRequest != nil {
		set++
	}
	if m.Response != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("message %q: want exactly one payload, got %d", m.Type, set)
	}
	switch m.Type {
	case MsgWork:
		if m.Work == nil {
			return fmt.Errorf("WORK message missing work payload")
		}
		if m.Work.CorrelationID == "" {
			return fmt.Errorf("WORK message missing correlation_id")
		}
		return m.Work.Tenant.Validate()
	case MsgClaimRequest:
		if m.ClaimRequest == nil {
			return fmt.Errorf("CLAIM_REQUEST message missing claim_request payload")
		}
		return m.ClaimRequest.Tenant.Validate()
	case MsgResponse:
		if m.Response == nil {
			return fmt.Errorf("RESPONSE message missing response payload")
		}
		if m.Response.CorrelationID == "" {
			return fmt.Errorf("RESPONSE message missing correlation_id")
		}
		return m.Response.Tenant.Validate()
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

// Encode marshals the envelope to its JSON wire form.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// DecodeMessage unmarshals and validates a queue body. Any failure here
// means the body is permanently malformed.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// NewWorkMessage wraps a WorkItem in its envelope.
func NewWorkMessage(item WorkItem) Message {
	return Message{Type: MsgWork, Work: &item}
}

// NewClaimRequestMessage wraps a ClaimRequest in its envelope.
func NewClaimRequestMessage(tenant TenantKey) Message {
	return Message{Type: MsgClaimRequest, ClaimRequest: &ClaimRequest{Tenant: tenant}}
}

// NewResponseMessage wraps a ResponseItem in its envelope.
func NewResponseMessage(item ResponseItem) Message {
	return Message{Type: MsgResponse, Response: &item}
}
