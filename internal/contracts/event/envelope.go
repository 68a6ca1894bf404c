package event

import (
	"encoding/json"
	"time"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
)

// Envelope is the canonical wire body consumed across services. Payload
// passes through as raw bytes; the relay never interprets it.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	Domain        string          `json:"domain,omitempty"`
	Source        Source          `json:"source"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	ParentEventID string          `json:"parentEventId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type Source struct {
	Service    string `json:"service"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
}

// FromOutbox builds the wire envelope for one claimed outbox row.
func FromOutbox(e *domain.Event) Envelope {
	return Envelope{
		ID:      e.EventID,
		Type:    e.EventType,
		Version: e.EventVersion,
		Domain:  e.EventDomain,
		Source: Source{
			Service:    e.SourceService,
			EntityType: e.SourceEntityType,
			EntityID:   e.SourceEntityID,
		},
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		ParentEventID: e.ParentEventID,
		Payload:       e.Payload,
		Metadata:      e.Metadata,
		Timestamp:     e.OccurredAt,
	}
}

func (env Envelope) Marshal() ([]byte, error) {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}
	return json.Marshal(env)
}

// Headers builds the broker header table for one row: metadata keys first,
// then the fixed identity set, which wins on collision. Metadata values that
// are not table-safe scalars are re-encoded as json strings.
func Headers(e *domain.Event) map[string]any {
	headers := map[string]any{}

	if len(e.Metadata) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(e.Metadata, &meta); err == nil {
			for k, v := range meta {
				switch v.(type) {
				case string, bool, float64, nil:
					headers[k] = v
				default:
					if raw, err := json.Marshal(v); err == nil {
						headers[k] = string(raw)
					}
				}
			}
		}
	}

	headers["event_id"] = e.EventID
	headers["event_type"] = e.EventType
	headers["event_version"] = e.EventVersion
	headers["attempts"] = e.Attempts
	if e.EventDomain != "" {
		headers["event_domain"] = e.EventDomain
	}
	if e.SourceService != "" {
		headers["source_service"] = e.SourceService
	}
	if e.SourceEntityType != "" {
		headers["source_entity_type"] = e.SourceEntityType
	}
	if e.SourceEntityID != "" {
		headers["source_entity_id"] = e.SourceEntityID
	}
	if e.CausationID != "" {
		headers["causation_id"] = e.CausationID
	}
	if e.ParentEventID != "" {
		headers["parent_event_id"] = e.ParentEventID
	}
	return headers
}
