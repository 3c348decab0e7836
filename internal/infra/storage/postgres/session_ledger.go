// Package postgres provides PostgreSQL-backed persistence for the merger.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/internal/infra/storage"
)

var _ fleet.SessionLedger = (*SessionLedger)(nil)

const (
	insertSessionSQL = `
		INSERT INTO emitted_sessions (session_key, driver_id, truck_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_key) DO NOTHING`

	deleteSessionSQL = `DELETE FROM emitted_sessions WHERE session_key = $1`

	countSessionsSQL = `SELECT COUNT(*) FROM emitted_sessions`
)

// queryTimeout bounds every ledger statement.
const queryTimeout = 3 * time.Second

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// SessionLedger records emitted sessions in the emitted_sessions table, so
// that a restart replaying the input topics does not publish a Report twice.
type SessionLedger struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewSessionLedger creates a ledger backed by pool.
func NewSessionLedger(pool *pgxpool.Pool, tracer trace.Tracer) *SessionLedger {
	return &SessionLedger{db: pool, tracer: tracer}
}

func sessionAttributes(key fleet.SessionKey) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+2)
	attrs = append(attrs, defaultDBAttributes...)
	return append(attrs,
		attribute.String("driver_id", key.DriverID),
		attribute.String("truck_id", key.TruckID),
	)
}

// SeenAndRecord inserts key and reports whether it already existed. The
// insert is a single statement, so concurrent claims resolve to one winner.
func (l *SessionLedger) SeenAndRecord(ctx context.Context, key fleet.SessionKey) (bool, error) {
	var seen bool
	err := storage.ExecuteAndTrace(ctx, l.tracer, "postgres.ledger.seen_and_record", sessionAttributes(key), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		tag, err := l.db.Exec(ctx, insertSessionSQL, key.String(), key.DriverID, key.TruckID)
		if err != nil {
			return fmt.Errorf("insert emitted session: %w", err)
		}
		seen = tag.RowsAffected() == 0
		return nil
	})
	return seen, err
}

// Unrecord deletes key. Deleting an absent key is not an error.
func (l *SessionLedger) Unrecord(ctx context.Context, key fleet.SessionKey) error {
	return storage.ExecuteAndTrace(ctx, l.tracer, "postgres.ledger.unrecord", sessionAttributes(key), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		if _, err := l.db.Exec(ctx, deleteSessionSQL, key.String()); err != nil {
			return fmt.Errorf("delete emitted session: %w", err)
		}
		return nil
	})
}

// Count returns the number of recorded sessions.
func (l *SessionLedger) Count(ctx context.Context) (int64, error) {
	var n int64
	err := storage.ExecuteAndTrace(ctx, l.tracer, "postgres.ledger.count", defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		if err := l.db.QueryRow(ctx, countSessionsSQL).Scan(&n); err != nil {
			return fmt.Errorf("count emitted sessions: %w", err)
		}
		return nil
	})
	return n, err
}
