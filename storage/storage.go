// Package storage provides interfaces and implementations for storing push
// subscriptions and per-user notification preferences.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/drhousemd1/slatepush"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Record represents a stored subscription with metadata.
type Record struct {
	ID           string                  `json:"id"`
	UserID       string                  `json:"user_id"`
	Subscription *slatepush.Subscription `json:"subscription"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Preferences controls push delivery for one user. Enabled gates all
// notification types; Types disables individual types. A type absent from
// the map is delivered.
type Preferences struct {
	Enabled bool            `json:"enabled"`
	Types   map[string]bool `json:"types,omitempty"`
}

// Allows reports whether a notification of the given type may be sent.
func (p *Preferences) Allows(notificationType string) bool {
	if p == nil {
		return true
	}
	if !p.Enabled {
		return false
	}
	if allowed, ok := p.Types[notificationType]; ok {
		return allowed
	}
	return true
}

// Store defines the interface for subscription and preference storage.
type Store interface {
	// Save stores or updates a subscription.
	Save(ctx context.Context, record *Record) error

	// GetByUserID retrieves all subscriptions for a user.
	GetByUserID(ctx context.Context, userID string) ([]*Record, error)

	// GetByEndpoint retrieves a subscription by its endpoint URL.
	GetByEndpoint(ctx context.Context, endpoint string) (*Record, error)

	// Delete removes a subscription by ID.
	Delete(ctx context.Context, id string) error

	// DeleteByEndpoint removes a subscription by its endpoint URL.
	DeleteByEndpoint(ctx context.Context, endpoint string) error

	// Preferences retrieves a user's notification preferences.
	// ErrNotFound means the user has never saved any; delivery defaults on.
	Preferences(ctx context.Context, userID string) (*Preferences, error)

	// SavePreferences stores or updates a user's notification preferences.
	SavePreferences(ctx context.Context, userID string, prefs *Preferences) error

	// Close closes the storage connection.
	Close() error
}
