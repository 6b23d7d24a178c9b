package lgpd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/apperr"
	"github.com/ehr/compliance/internal/platform/db"
)

var (
	ErrUnknownTarget   = fmt.Errorf("%w: unknown retention target type", apperr.ErrInvalid)
	ErrImmutableTarget = fmt.Errorf("%w: target cannot be anonymized in place", apperr.ErrInvalid)
	ErrTargetNotFound  = fmt.Errorf("retention target: %w", apperr.ErrNotFound)
)

// Executor deletes or anonymizes patient-owned rows registered in the target
// registry. It runs inside the caller's tenant connection.
type Executor struct {
	pool *pgxpool.Pool
}

func NewExecutor(pool *pgxpool.Pool) *Executor {
	return &Executor{pool: pool}
}

// Delete removes the target row and its dependent rows in one transaction.
func (x *Executor) Delete(ctx context.Context, targetType string, id uuid.UUID) error {
	spec, ok := Target(targetType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, targetType)
	}

	return db.RunInTx(ctx, func(ctx context.Context) error {
		q := db.Conn(ctx, x.pool)
		for _, child := range spec.Children {
			if _, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, child.Table, child.ForeignKey), id); err != nil {
				return fmt.Errorf("delete %s rows of %s %s: %w", child.Table, targetType, id, err)
			}
		}
		tag, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, spec.Table), id)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", targetType, id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s %s", ErrTargetNotFound, targetType, id)
		}
		return nil
	})
}

// Anonymize overwrites the personal-data columns of the target row.
func (x *Executor) Anonymize(ctx context.Context, targetType string, id uuid.UUID) error {
	sql, err := AnonymizeSQL(targetType)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, x.pool).Exec(ctx, sql, id)
	if err != nil {
		return fmt.Errorf("anonymize %s %s: %w", targetType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrTargetNotFound, targetType, id)
	}
	return nil
}

// AnonymizeSQL builds the UPDATE statement for a target type. Identifiers
// come from the static registry, never from input.
func AnonymizeSQL(targetType string) (string, error) {
	spec, ok := Target(targetType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, targetType)
	}
	if spec.Immutable || len(spec.Masked) == 0 {
		return "", fmt.Errorf("%w: %s", ErrImmutableTarget, targetType)
	}

	sets := make([]string, 0, len(spec.Masked)+1)
	for _, col := range spec.MaskedColumns() {
		sets = append(sets, col+" = "+spec.Masked[col])
	}
	if spec.Touch {
		sets = append(sets, "updated_at = NOW()")
	}
	return fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, spec.Table, strings.Join(sets, ", ")), nil
}

// CanAnonymize reports whether targetType supports in-place anonymization.
func CanAnonymize(targetType string) bool {
	_, err := AnonymizeSQL(targetType)
	return err == nil
}

// IsTargetMissing reports whether err means the target row no longer exists.
func IsTargetMissing(err error) bool {
	return errors.Is(err, ErrTargetNotFound)
}
