// Package events records compliance events in a transactional outbox and
// relays them to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/db"
)

// Event types emitted by the compliance domains.
const (
	DataRequestCreated       = "data_request.created"
	DataRequestStatusChanged = "data_request.status_changed"
	ConsentGranted           = "consent.granted"
	ConsentWithdrawn         = "consent.withdrawn"
	ConsentExpired           = "consent.expired"
	RetentionProcessed       = "retention.processed"
	IncidentDetected         = "incident.detected"
	IncidentEscalated        = "incident.escalated"
	IncidentNotified         = "incident.notified"
	ConsentFormSigned        = "consent_form.signed"
	PrescriptionIssued       = "prescription.issued"
)

// Event is a row of the compliance_outbox table.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
}

// Emitter is what domain services depend on to record events.
type Emitter interface {
	Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload interface{}) error
}

// Outbox persists events in the tenant schema. Emit joins any transaction in
// ctx so the event commits with the state change it describes.
type Outbox struct {
	pool *pgxpool.Pool
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

func (o *Outbox) Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	_, err = db.Conn(ctx, o.pool).Exec(ctx,
		`INSERT INTO compliance_outbox (id, aggregate_type, aggregate_id, event_type, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), aggregateType, aggregateID, eventType, body)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// Pending returns unpublished events below the retry ceiling, oldest first.
func (o *Outbox) Pending(ctx context.Context, maxRetries, limit int) ([]Event, error) {
	rows, err := db.Conn(ctx, o.pool).Query(ctx,
		`SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, published_at, retry_count, last_error
		 FROM compliance_outbox
		 WHERE published_at IS NULL AND retry_count < $1
		 ORDER BY created_at ASC
		 LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
			&e.CreatedAt, &e.PublishedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (o *Outbox) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, o.pool).Exec(ctx,
		`UPDATE compliance_outbox SET published_at = $1, last_error = NULL WHERE id = $2`, at, id)
	return err
}

func (o *Outbox) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := db.Conn(ctx, o.pool).Exec(ctx,
		`UPDATE compliance_outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`, msg, id)
	return err
}

// Purge removes published events older than the cutoff.
func (o *Outbox) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Conn(ctx, o.pool).Exec(ctx,
		`DELETE FROM compliance_outbox WHERE published_at IS NOT NULL AND published_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Nop discards events. Used by tests and commands that do not relay.
type Nop struct{}

func (Nop) Emit(context.Context, string, string, string, interface{}) error { return nil }
