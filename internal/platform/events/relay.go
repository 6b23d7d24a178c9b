package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/db"
	"github.com/ehr/compliance/internal/platform/metrics"
)

// Message headers set on every relayed event.
const (
	HeaderTenant    = "tenant"
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
)

const (
	DefaultBatchSize  = 100
	DefaultMaxRetries = 5
)

type outboxStore interface {
	Pending(ctx context.Context, maxRetries, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}

// Relay polls every tenant's outbox and publishes unpublished events. An event
// that fails MaxRetries times stays in the table with its last error and is no
// longer picked up.
type Relay struct {
	pool         *pgxpool.Pool
	store        outboxStore
	publisher    Publisher
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	logger       zerolog.Logger
}

func NewRelay(pool *pgxpool.Pool, store outboxStore, publisher Publisher, pollInterval time.Duration, logger zerolog.Logger) *Relay {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Relay{
		pool:         pool,
		store:        store,
		publisher:    publisher,
		PollInterval: pollInterval,
		BatchSize:    DefaultBatchSize,
		MaxRetries:   DefaultMaxRetries,
		logger:       logger.With().Str("component", "outbox_relay").Logger(),
	}
}

// Start runs until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.PollInterval).Msg("outbox relay started")
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("outbox relay pass failed")
			}
		}
	}
}

// RunOnce relays pending events for every tenant.
func (r *Relay) RunOnce(ctx context.Context) error {
	tenants, err := db.ListTenants(ctx, r.pool)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		err := db.ForTenant(ctx, r.pool, tenant, func(ctx context.Context) error {
			_, _, err := r.ProcessBatch(ctx, tenant)
			return err
		})
		if err != nil {
			r.logger.Error().Err(err).Str("tenant", tenant).Msg("relay tenant outbox")
		}
	}
	return nil
}

// ProcessBatch publishes one batch from the outbox reachable through ctx.
func (r *Relay) ProcessBatch(ctx context.Context, tenant string) (published, failed int, err error) {
	pending, err := r.store.Pending(ctx, r.MaxRetries, r.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range pending {
		if err := r.publish(ctx, tenant, e); err != nil {
			failed++
			metrics.OutboxPublished.WithLabelValues(metrics.ResultFailed).Inc()
			r.logger.Warn().Err(err).Str("tenant", tenant).Str("event_id", e.ID.String()).
				Int("retry_count", e.RetryCount+1).Msg("event publish failed")
			if markErr := r.store.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
				r.logger.Error().Err(markErr).Str("event_id", e.ID.String()).Msg("mark event failed")
			}
			continue
		}
		published++
		metrics.OutboxPublished.WithLabelValues(metrics.ResultOK).Inc()
	}
	return published, failed, nil
}

func (r *Relay) publish(ctx context.Context, tenant string, e Event) error {
	key := fmt.Sprintf("%s-%s", e.AggregateType, e.AggregateID)
	headers := map[string]string{
		HeaderTenant:    tenant,
		HeaderEventType: e.EventType,
		HeaderEventID:   e.ID.String(),
	}
	if err := r.publisher.Publish(ctx, key, e.Payload, headers); err != nil {
		return err
	}
	if err := r.store.MarkPublished(ctx, e.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}
