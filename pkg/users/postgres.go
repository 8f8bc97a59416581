package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const usersSchema = `
	CREATE TABLE IF NOT EXISTS users (
		id                       TEXT PRIMARY KEY,
		created_at               TIMESTAMPTZ NOT NULL,
		last_login               TIMESTAMPTZ,
		subscription_tier        TEXT,
		subscription_status      TEXT NOT NULL,
		subscription_canceled_at TIMESTAMPTZ,
		total_trades             INTEGER,
		win_rate                 DOUBLE PRECISION,
		total_profit             DOUBLE PRECISION,
		last_trade               TIMESTAMPTZ,
		broker_connections       JSONB NOT NULL DEFAULT '[]'::jsonb,
		support_tickets          JSONB NOT NULL DEFAULT '[]'::jsonb
	);
	CREATE INDEX IF NOT EXISTS idx_users_subscription_status ON users (subscription_status);
	CREATE INDEX IF NOT EXISTS idx_users_created_at ON users (created_at);
	CREATE INDEX IF NOT EXISTS idx_users_canceled_at ON users (subscription_canceled_at);
`

const selectUserColumns = `
	SELECT id, created_at, last_login,
		subscription_tier, subscription_status, subscription_canceled_at,
		total_trades, win_rate, total_profit, last_trade,
		broker_connections, support_tickets
	FROM users`

// PostgresStore reads users from PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the users table. Production databases already carry it;
// this exists for local runs and integration tests.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usersSchema); err != nil {
		return fmt.Errorf("failed to migrate users: %w", err)
	}
	return nil
}

// Get returns the user with the given id
func (s *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, selectUserColumns+" WHERE id = $1", id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return u, nil
}

// ListBySubscriptionStatus returns users whose subscription has the given status
func (s *PostgresStore) ListBySubscriptionStatus(ctx context.Context, status string) ([]*User, error) {
	return s.list(ctx, selectUserColumns+`
		WHERE subscription_status = $1
		ORDER BY created_at, id`, status)
}

// ListCreatedBetween returns users created in [from, to)
func (s *PostgresStore) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*User, error) {
	return s.list(ctx, selectUserColumns+`
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id`, from, to)
}

// CountSubscribersAt counts users subscribed at the given instant
func (s *PostgresStore) CountSubscribersAt(ctx context.Context, at time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM users
		WHERE created_at < $1
		  AND (
			subscription_status = 'active'
			OR (subscription_status = 'canceled' AND subscription_canceled_at >= $1)
		  )`

	var count int
	if err := s.db.QueryRowContext(ctx, query, at).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count subscribers: %w", err)
	}
	return count, nil
}

// CountCanceledBetween counts users created before from and canceled in
// [from, to]
func (s *PostgresStore) CountCanceledBetween(ctx context.Context, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM users
		WHERE subscription_status = 'canceled'
		  AND subscription_canceled_at >= $1
		  AND subscription_canceled_at <= $2
		  AND created_at < $1`

	var count int
	if err := s.db.QueryRowContext(ctx, query, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cancellations: %w", err)
	}
	return count, nil
}

// Insert writes a user row. It is used by fixtures and integration tests.
func (s *PostgresStore) Insert(ctx context.Context, u *User) error {
	brokers, err := json.Marshal(nonNilBrokers(u.BrokerConnections))
	if err != nil {
		return fmt.Errorf("failed to encode broker connections: %w", err)
	}
	tickets, err := json.Marshal(nonNilTickets(u.SupportTickets))
	if err != nil {
		return fmt.Errorf("failed to encode support tickets: %w", err)
	}

	var (
		totalTrades sql.NullInt64
		winRate     sql.NullFloat64
		totalProfit sql.NullFloat64
		lastTrade   *time.Time
	)
	if u.Stats != nil {
		totalTrades = sql.NullInt64{Int64: int64(u.Stats.TotalTrades), Valid: true}
		winRate = sql.NullFloat64{Float64: u.Stats.WinRate, Valid: true}
		totalProfit = sql.NullFloat64{Float64: u.Stats.TotalProfit, Valid: true}
		lastTrade = u.Stats.LastTrade
	}

	query := `
		INSERT INTO users (
			id, created_at, last_login,
			subscription_tier, subscription_status, subscription_canceled_at,
			total_trades, win_rate, total_profit, last_trade,
			broker_connections, support_tickets
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.db.ExecContext(ctx, query,
		u.ID, u.CreatedAt, u.LastLogin,
		nullString(string(u.Subscription.Tier)), u.Subscription.Status, u.Subscription.CanceledAt,
		totalTrades, winRate, totalProfit, lastTrade,
		brokers, tickets,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	out := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*User, error) {
	var (
		u           User
		lastLogin   sql.NullTime
		tier        sql.NullString
		canceledAt  sql.NullTime
		totalTrades sql.NullInt64
		winRate     sql.NullFloat64
		totalProfit sql.NullFloat64
		lastTrade   sql.NullTime
		brokers     []byte
		tickets     []byte
	)

	err := row.Scan(
		&u.ID, &u.CreatedAt, &lastLogin,
		&tier, &u.Subscription.Status, &canceledAt,
		&totalTrades, &winRate, &totalProfit, &lastTrade,
		&brokers, &tickets,
	)
	if err != nil {
		return nil, err
	}

	u.LastLogin = timePtr(lastLogin)
	u.Subscription.Tier = Tier(tier.String)
	u.Subscription.CanceledAt = timePtr(canceledAt)

	if totalTrades.Valid || winRate.Valid || totalProfit.Valid || lastTrade.Valid {
		u.Stats = &Stats{
			TotalTrades: int(totalTrades.Int64),
			WinRate:     winRate.Float64,
			TotalProfit: totalProfit.Float64,
			LastTrade:   timePtr(lastTrade),
		}
	}

	if len(brokers) > 0 {
		if err := json.Unmarshal(brokers, &u.BrokerConnections); err != nil {
			return nil, fmt.Errorf("failed to decode broker connections: %w", err)
		}
	}
	if len(tickets) > 0 {
		if err := json.Unmarshal(tickets, &u.SupportTickets); err != nil {
			return nil, fmt.Errorf("failed to decode support tickets: %w", err)
		}
	}

	return &u, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilBrokers(b []BrokerConnection) []BrokerConnection {
	if b == nil {
		return []BrokerConnection{}
	}
	return b
}

func nonNilTickets(t []SupportTicket) []SupportTicket {
	if t == nil {
		return []SupportTicket{}
	}
	return t
}
