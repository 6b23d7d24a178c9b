package db

import (
	"context"
	"fmt"
	"time"
)

// NextDailySequence atomically increments and returns the counter for kind on
// the given calendar day. Counters restart at 1 each day.
func NextDailySequence(ctx context.Context, q Querier, kind string, day time.Time) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		INSERT INTO document_sequence (kind, day, last_value) VALUES ($1, $2, 1)
		ON CONFLICT (kind, day) DO UPDATE SET last_value = document_sequence.last_value + 1
		RETURNING last_value`, kind, day.Format("2006-01-02")).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next %s sequence: %w", kind, err)
	}
	return n, nil
}

// DocumentNumber formats PREFIX-YYYYMMDD-NNNN.
func DocumentNumber(prefix string, day time.Time, n int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, day.Format("20060102"), n)
}
