package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memStore struct {
	events map[uuid.UUID]*Event
	order  []uuid.UUID
}

func newMemStore(evts ...Event) *memStore {
	s := &memStore{events: map[uuid.UUID]*Event{}}
	for i := range evts {
		e := evts[i]
		s.events[e.ID] = &e
		s.order = append(s.order, e.ID)
	}
	return s
}

func (s *memStore) Pending(_ context.Context, maxRetries, limit int) ([]Event, error) {
	var out []Event
	for _, id := range s.order {
		e := s.events[id]
		if e.PublishedAt == nil && e.RetryCount < maxRetries && len(out) < limit {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memStore) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	s.events[id].PublishedAt = &at
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	e := s.events[id]
	e.RetryCount++
	e.LastError = &msg
	return nil
}

type fakePublisher struct {
	fail    bool
	keys    []string
	headers []map[string]string
}

func (p *fakePublisher) Publish(_ context.Context, key string, _ []byte, headers map[string]string) error {
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, key)
	p.headers = append(p.headers, headers)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func event(aggType, aggID, typ string) Event {
	payload, _ := json.Marshal(map[string]string{"id": aggID})
	return Event{ID: uuid.New(), AggregateType: aggType, AggregateID: aggID, EventType: typ, Payload: payload}
}

func TestRelay_ProcessBatchPublishes(t *testing.T) {
	store := newMemStore(event("incident", "INC-1", IncidentDetected), event("consent", "c-1", ConsentWithdrawn))
	pub := &fakePublisher{}
	r := NewRelay(nil, store, pub, time.Second, zerolog.Nop())

	published, failed, err := r.ProcessBatch(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if published != 2 || failed != 0 {
		t.Fatalf("expected 2 published, got %d published %d failed", published, failed)
	}
	if pub.keys[0] != "incident-INC-1" {
		t.Errorf("unexpected key %q", pub.keys[0])
	}
	if pub.headers[0][HeaderTenant] != "acme" || pub.headers[0][HeaderEventType] != IncidentDetected {
		t.Errorf("unexpected headers %v", pub.headers[0])
	}
	pending, _ := store.Pending(context.Background(), DefaultMaxRetries, 10)
	if len(pending) != 0 {
		t.Errorf("expected no pending events, got %d", len(pending))
	}
}

func TestRelay_StopsRetryingAfterMax(t *testing.T) {
	e := event("data_request", "LGPD-20260301-0001", DataRequestStatusChanged)
	store := newMemStore(e)
	pub := &fakePublisher{fail: true}
	r := NewRelay(nil, store, pub, time.Second, zerolog.Nop())

	for i := 0; i < DefaultMaxRetries+2; i++ {
		if _, _, err := r.ProcessBatch(context.Background(), "acme"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	got := store.events[e.ID]
	if got.RetryCount != DefaultMaxRetries {
		t.Errorf("expected retry count %d, got %d", DefaultMaxRetries, got.RetryCount)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Error("expected last error to be recorded")
	}
	if got.PublishedAt != nil {
		t.Error("expected event to stay unpublished")
	}
}

func TestRelay_DefaultInterval(t *testing.T) {
	r := NewRelay(nil, newMemStore(), &fakePublisher{}, 0, zerolog.Nop())
	if r.PollInterval != 2*time.Second {
		t.Errorf("expected default poll interval 2s, got %s", r.PollInterval)
	}
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "t", zerolog.Nop()); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, "", zerolog.Nop()); err == nil {
		t.Error("expected error without topic")
	}
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "compliance-events", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Topic() != "compliance-events" {
		t.Errorf("unexpected topic %q", p.Topic())
	}
	p.Close()
}

func TestNop(t *testing.T) {
	var em Emitter = Nop{}
	if err := em.Emit(context.Background(), "x", "1", "y", nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
