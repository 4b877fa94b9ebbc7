package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgLog appends every event to the event_logs audit table.
type PgLog struct {
	pool *pgxpool.Pool
}

func NewPgLog(pool *pgxpool.Pool) *PgLog {
	return &PgLog{pool: pool}
}

func (l *PgLog) Publish(ctx context.Context, ev Event) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, topic, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, string(ev.Type), ev.Topic, []byte(ev.Data), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
