package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusDiscarded  Status = "discarded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusDiscarded:
		return true
	}
	return false
}

// Terminal states never transition again.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusDiscarded
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities for claim ordering; higher claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 2
}

const DefaultMaxAttempts = 3

// Event is one outbox row. Writers insert it in the same transaction as
// their state change; the relay owns every transition after that.
type Event struct {
	RowID            int64
	EventID          string
	EventType        string
	EventVersion     string
	EventDomain      string
	SourceService    string
	SourceEntityType string
	SourceEntityID   string
	CorrelationID    string
	CausationID      string
	ParentEventID    string

	Payload     json.RawMessage
	Metadata    json.RawMessage
	ContentType string
	Priority    Priority

	Exchange   string
	RoutingKey string

	Status        Status
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	OccurredAt    time.Time

	CreatedAt   time.Time
	PublishedAt *time.Time
	FailedAt    *time.Time
	UpdatedAt   time.Time

	ErrorMessage string
	ErrorCode    string
}

// NewEvent validates a writer-side event and fills relay defaults. The
// returned row is ready for insertion: status pending, attempts 0,
// next_attempt_at aligned with occurred_at.
func NewEvent(e Event, now time.Time) (*Event, error) {
	e.EventID = strings.TrimSpace(e.EventID)
	e.EventType = strings.TrimSpace(e.EventType)
	e.Exchange = strings.TrimSpace(e.Exchange)
	e.RoutingKey = strings.TrimSpace(e.RoutingKey)

	if e.EventID == "" {
		e.EventID = uuid.NewString()
	} else if _, err := uuid.Parse(e.EventID); err != nil {
		return nil, ErrConfiguration("event_id must be a uuid")
	}
	if e.EventType == "" {
		return nil, ErrConfiguration("event_type is required")
	}
	if e.Exchange == "" {
		return nil, ErrConfiguration("exchange is required")
	}
	if e.RoutingKey == "" {
		return nil, ErrConfiguration("routing_key is required")
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	} else if !json.Valid(e.Payload) {
		return nil, ErrConfiguration("payload must be valid json")
	}
	if len(e.Metadata) > 0 && !json.Valid(e.Metadata) {
		return nil, ErrConfiguration("metadata must be valid json")
	}
	if e.EventVersion == "" {
		e.EventVersion = "1.0"
	}
	if e.ContentType == "" {
		e.ContentType = "application/json"
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	} else if !e.Priority.Valid() {
		return nil, ErrConfiguration("priority must be one of low|normal|high|critical")
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}

	if e.OccurredAt.IsZero() {
		e.OccurredAt = now.UTC()
	} else {
		e.OccurredAt = e.OccurredAt.UTC()
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.NextAttemptAt = e.OccurredAt
	e.CreatedAt = now.UTC()
	e.UpdatedAt = now.UTC()
	e.PublishedAt = nil
	e.FailedAt = nil

	return &e, nil
}

// DeliveryMode maps priority to the AMQP delivery mode: critical events
// are persisted by the broker, everything else is transient.
func (e *Event) DeliveryMode() uint8 {
	if e.Priority == PriorityCritical {
		return 2
	}
	return 1
}

// Exhausted reports whether the attempt budget is spent. Attempts carries
// the post-claim value while the row is processing.
func (e *Event) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}
