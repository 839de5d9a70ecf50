package client

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// AuditSink publishes immutable audit records for every state-changing
// engine operation. The sink is write-only and fire-and-forget: failures are
// logged at warn level and never surfaced to the caller.
type AuditSink struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// AuditRecord is the JSON schema published per state change.
type AuditRecord struct {
	Action   string `json:"action"`
	Entity   string `json:"entity"`
	EntityID string `json:"entity_id"`
	Before   any    `json:"before,omitempty"`
	After    any    `json:"after,omitempty"`
	Actor    string `json:"actor"`
}

// NewAuditSink creates a sink publishing to the given subject. A nil
// connection downgrades the sink to log-only.
func NewAuditSink(conn *nats.Conn, subject string, log zerolog.Logger) *AuditSink {
	return &AuditSink{conn: conn, subject: subject, log: log}
}

// Record emits one audit record.
func (s *AuditSink) Record(_ context.Context, action, entity, entityID string, before, after any, actor string) {
	rec := &AuditRecord{
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Before:   before,
		After:    after,
		Actor:    actor,
	}

	s.log.Info().
		Str("action", action).
		Str("entity", entity).
		Str("entity_id", entityID).
		Str("actor", actor).
		Msg("audit: state change")

	if s.conn == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("audit: failed to marshal record")
		return
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		s.log.Warn().Err(err).
			Str("action", action).
			Str("entity_id", entityID).
			Msg("audit: failed to publish record (non-fatal)")
	}
}
