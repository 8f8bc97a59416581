package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const eventsSchema = `
	CREATE TABLE IF NOT EXISTS analytics_events (
		id          UUID PRIMARY KEY,
		user_id     TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		event_data  JSONB NOT NULL DEFAULT '{}'::jsonb,
		metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
		occurred_at TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analytics_events_type_user_time
		ON analytics_events (event_type, user_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_analytics_events_expires_at
		ON analytics_events (expires_at);
`

const insertEventQuery = `
	INSERT INTO analytics_events (
		id, user_id, event_type, event_data, metadata, occurred_at, expires_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING
`

// PostgresStore persists events in PostgreSQL. Retention is enforced by
// filtering on expires_at and by PurgeExpired.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a store over an open database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the events table and its indexes
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, eventsSchema); err != nil {
		return fmt.Errorf("failed to migrate analytics_events: %w", err)
	}
	return nil
}

// Insert writes a single event
func (s *PostgresStore) Insert(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	args, err := insertArgs(event)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertEventQuery, args...); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// InsertMany inserts row by row through a prepared statement so one bad
// row does not reject the rest of the batch
func (s *PostgresStore) InsertMany(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	stmt, err := s.db.PrepareContext(ctx, insertEventQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	var failed []*Event
	var cause error
	for _, event := range events {
		if err := event.Validate(); err != nil {
			failed = append(failed, event)
			cause = err
			continue
		}
		args, err := insertArgs(event)
		if err != nil {
			failed = append(failed, event)
			cause = err
			continue
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			failed = append(failed, event)
			cause = err
		}
	}

	if len(failed) > 0 {
		return &BulkWriteError{Failed: failed, Cause: cause}
	}
	return nil
}

// Find returns unexpired matching events ordered by timestamp
func (s *PostgresStore) Find(ctx context.Context, filter Filter) ([]*Event, error) {
	where, args := s.whereClause(filter)
	query := `
		SELECT id, user_id, event_type, event_data, metadata, occurred_at
		FROM analytics_events
		WHERE ` + where + `
		ORDER BY occurred_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			event    Event
			typ      string
			data     []byte
			metadata []byte
		)
		if err := rows.Scan(&event.ID, &event.UserID, &typ, &data, &metadata, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = EventType(typ)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// DistinctUserIDs returns the sorted user ids of matching events
func (s *PostgresStore) DistinctUserIDs(ctx context.Context, filter Filter) ([]string, error) {
	where, args := s.whereClause(filter)
	query := `
		SELECT DISTINCT user_id
		FROM analytics_events
		WHERE ` + where + `
		ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct users: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return ids, nil
}

// PurgeExpired deletes events past retention
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM analytics_events WHERE expires_at <= $1", s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired events: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database handle
func (s *PostgresStore) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *PostgresStore) whereClause(f Filter) (string, []interface{}) {
	args := []interface{}{s.now()}
	conditions := []string{"expires_at > $1"}

	if len(f.Types) > 0 {
		args = append(args, pq.Array(typeStrings(f.Types)))
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if len(f.UserIDs) > 0 {
		args = append(args, pq.Array(f.UserIDs))
		conditions = append(conditions, fmt.Sprintf("user_id = ANY($%d)", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		conditions = append(conditions, fmt.Sprintf("occurred_at < $%d", len(args)))
	}

	return strings.Join(conditions, " AND "), args
}

func insertArgs(event *Event) ([]interface{}, error) {
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event metadata: %w", err)
	}

	return []interface{}{
		event.ID,
		event.UserID,
		string(event.Type),
		dataJSON,
		metadataJSON,
		event.Timestamp,
		event.ExpiresAt(),
	}, nil
}
