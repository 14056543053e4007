package storage

import (
	"context"
	"sync"
	"time"

	"github.com/drhousemd1/slatepush"
)

// Memory implements in-memory storage for testing and development.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
	prefs   map[string]*Preferences
}

// NewMemory creates a new in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
		prefs:   make(map[string]*Preferences),
	}
}

// Save stores or updates a subscription.
func (m *Memory) Save(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	// Make a copy to avoid external mutations
	m.records[record.ID] = copyRecord(record)
	return nil
}

// GetByUserID retrieves all subscriptions for a user.
func (m *Memory) GetByUserID(_ context.Context, userID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Record
	for _, record := range m.records {
		if record.UserID == userID {
			results = append(results, copyRecord(record))
		}
	}
	return results, nil
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (m *Memory) GetByEndpoint(_ context.Context, endpoint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			return copyRecord(record), nil
		}
	}
	return nil, ErrNotFound
}

// Delete removes a subscription by ID.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (m *Memory) DeleteByEndpoint(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			delete(m.records, id)
			return nil
		}
	}
	return ErrNotFound
}

// Preferences retrieves a user's notification preferences.
func (m *Memory) Preferences(_ context.Context, userID string) (*Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefs, ok := m.prefs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPreferences(prefs), nil
}

// SavePreferences stores or updates a user's notification preferences.
func (m *Memory) SavePreferences(_ context.Context, userID string, prefs *Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prefs[userID] = copyPreferences(prefs)
	return nil
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}

func copyRecord(r *Record) *Record {
	return &Record{
		ID:        r.ID,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Subscription: &slatepush.Subscription{
			Endpoint: r.Subscription.Endpoint,
			Keys: slatepush.Keys{
				P256dh: r.Subscription.Keys.P256dh,
				Auth:   r.Subscription.Keys.Auth,
			},
		},
	}
}

func copyPreferences(p *Preferences) *Preferences {
	out := &Preferences{Enabled: p.Enabled}
	if p.Types != nil {
		out.Types = make(map[string]bool, len(p.Types))
		for k, v := range p.Types {
			out.Types[k] = v
		}
	}
	return out
}
