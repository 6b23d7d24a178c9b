package breach

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	NextNumber(ctx context.Context, day time.Time) (int, error)
	Create(ctx context.Context, i *Incident) error
	GetByID(ctx context.Context, id uuid.UUID) (*Incident, error)
	GetByNumber(ctx context.Context, number string) (*Incident, error)
	Update(ctx context.Context, i *Incident) error
	Search(ctx context.Context, f IncidentFilter, limit, offset int) ([]*Incident, int, error)
	// HasOpenForRule reports whether an unclosed incident exists for the
	// detection rule and user.
	HasOpenForRule(ctx context.Context, rule, userID string) (bool, error)
	// ListPendingNotification returns incidents with a required notification
	// not yet sent.
	ListPendingNotification(ctx context.Context) ([]*Incident, error)

	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, incidentID uuid.UUID) ([]*Notification, error)

	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}
