package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/drhousemd1/slatepush"
)

// SQLite implements storage using SQLite, for single-node deployments that
// do not use the hosted database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store.
// dsn is the data source name, e.g., "slatepush.db" or ":memory:".
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS push_subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL UNIQUE,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_push_user_id ON push_subscriptions(user_id);
		CREATE TABLE IF NOT EXISTS push_preferences (
			user_id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL,
			types TEXT NOT NULL DEFAULT '{}'
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Save stores or updates a subscription.
func (s *SQLite) Save(ctx context.Context, record *Record) error {
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			endpoint = excluded.endpoint,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			updated_at = excluded.updated_at
	`,
		record.ID,
		record.UserID,
		record.Subscription.Endpoint,
		record.Subscription.Keys.P256dh,
		record.Subscription.Keys.Auth,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	return nil
}

// GetByUserID retrieves all subscriptions for a user.
func (s *SQLite) GetByUserID(ctx context.Context, userID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth, created_at, updated_at
		FROM push_subscriptions WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (s *SQLite) GetByEndpoint(ctx context.Context, endpoint string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth, created_at, updated_at
		FROM push_subscriptions WHERE endpoint = ?
	`, endpoint)
	return scanRecord(row)
}

// Delete removes a subscription by ID.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	return s.deleteWhere(ctx, "DELETE FROM push_subscriptions WHERE id = ?", id)
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (s *SQLite) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	return s.deleteWhere(ctx, "DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
}

func (s *SQLite) deleteWhere(ctx context.Context, query string, arg any) error {
	result, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Preferences retrieves a user's notification preferences.
func (s *SQLite) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	var (
		enabled   bool
		typesJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, types FROM push_preferences WHERE user_id = ?
	`, userID).Scan(&enabled, &typesJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying preferences: %w", err)
	}

	prefs := &Preferences{Enabled: enabled}
	if typesJSON != "" {
		if err := json.Unmarshal([]byte(typesJSON), &prefs.Types); err != nil {
			return nil, fmt.Errorf("decoding preference types: %w", err)
		}
	}
	return prefs, nil
}

// SavePreferences stores or updates a user's notification preferences.
func (s *SQLite) SavePreferences(ctx context.Context, userID string, prefs *Preferences) error {
	typesJSON, err := json.Marshal(prefs.Types)
	if err != nil {
		return fmt.Errorf("encoding preference types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO push_preferences (user_id, enabled, types)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			enabled = excluded.enabled,
			types = excluded.types
	`, userID, prefs.Enabled, string(typesJSON))
	if err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		id        string
		userID    string
		endpoint  string
		p256dh    string
		auth      string
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(&id, &userID, &endpoint, &p256dh, &auth, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	return &Record{
		ID:        id,
		UserID:    userID,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Subscription: &slatepush.Subscription{
			Endpoint: endpoint,
			Keys: slatepush.Keys{
				P256dh: p256dh,
				Auth:   auth,
			},
		},
	}, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return records, nil
}
