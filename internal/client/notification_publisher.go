package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes approval engine events to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>
// Event types: approval_requested, approval_responded, budget_alert,
//              escalation, request_paid
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt
// approval operations.
type NotificationPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	log           zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	RecipientID  string         `json:"recipient_id"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, subjectPrefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, subjectPrefix: subjectPrefix, log: log}
}

// Notify publishes one event addressed to a single recipient.
func (p *NotificationPublisher) Notify(_ context.Context, recipientID, kind string, payload map[string]any) {
	if p.conn == nil || recipientID == "" {
		return
	}

	severity := "info"
	if kind == "escalation" || kind == "budget_alert" {
		severity = "warning"
	}

	event := &NotificationEvent{
		EventType:    kind,
		RecipientID:  recipientID,
		ResourceType: "spend_request",
		Severity:     severity,
		Payload:      payload,
	}
	if id, ok := payload["request_id"].(string); ok {
		event.ResourceID = id
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", kind).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("recipient_id", recipientID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("recipient_id", recipientID).
		Msg("notification: event published")
}
