package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/drhousemd1/slatepush"
)

// REST implements storage against a Supabase/PostgREST endpoint, the hosted
// database the production app keeps its subscriptions and notification
// preferences in. Access is authenticated with the service role key; the
// dispatcher only ever reads and prunes, it does not own the schema.
type REST struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewREST creates a store backed by the PostgREST API at baseURL
// (e.g. https://abc.supabase.co), authenticated with the service role key.
func NewREST(baseURL, serviceKey string) *REST {
	return &REST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient sets a custom HTTP client.
func (r *REST) WithHTTPClient(httpClient *http.Client) *REST {
	r.httpClient = httpClient
	return r
}

// subscriptionRow mirrors the push_subscriptions table. The timestamp
// columns are read-only here; the database maintains them.
type subscriptionRow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// subscriptionWrite is the upsert body, without the timestamp columns.
type subscriptionWrite struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

func (row *subscriptionRow) record() *Record {
	return &Record{
		ID:        row.ID,
		UserID:    row.UserID,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Subscription: &slatepush.Subscription{
			Endpoint: row.Endpoint,
			Keys: slatepush.Keys{
				P256dh: row.P256dh,
				Auth:   row.Auth,
			},
		},
	}
}

// preferencesRow mirrors the push_preferences table.
type preferencesRow struct {
	UserID  string          `json:"user_id"`
	Enabled bool            `json:"enabled"`
	Types   map[string]bool `json:"types"`
}

// Save stores or updates a subscription.
func (r *REST) Save(ctx context.Context, record *Record) error {
	row := subscriptionWrite{
		ID:       record.ID,
		UserID:   record.UserID,
		Endpoint: record.Subscription.Endpoint,
		P256dh:   record.Subscription.Keys.P256dh,
		Auth:     record.Subscription.Keys.Auth,
	}
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding subscription: %w", err)
	}

	return r.do(ctx, http.MethodPost, "/rest/v1/push_subscriptions", nil, body, map[string]string{
		"Prefer": "resolution=merge-duplicates",
	}, nil)
}

// GetByUserID retrieves all subscriptions for a user.
func (r *REST) GetByUserID(ctx context.Context, userID string) ([]*Record, error) {
	query := url.Values{"user_id": {"eq." + userID}}

	var rows []subscriptionRow
	if err := r.do(ctx, http.MethodGet, "/rest/v1/push_subscriptions", query, nil, nil, &rows); err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].record())
	}
	return records, nil
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (r *REST) GetByEndpoint(ctx context.Context, endpoint string) (*Record, error) {
	query := url.Values{"endpoint": {"eq." + endpoint}}

	var rows []subscriptionRow
	if err := r.do(ctx, http.MethodGet, "/rest/v1/push_subscriptions", query, nil, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].record(), nil
}

// Delete removes a subscription by ID.
func (r *REST) Delete(ctx context.Context, id string) error {
	return r.delete(ctx, url.Values{"id": {"eq." + id}})
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (r *REST) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	return r.delete(ctx, url.Values{"endpoint": {"eq." + endpoint}})
}

func (r *REST) delete(ctx context.Context, query url.Values) error {
	// PostgREST answers 204 whether or not rows matched; asking for the
	// deleted rows back distinguishes the two.
	var rows []subscriptionRow
	err := r.do(ctx, http.MethodDelete, "/rest/v1/push_subscriptions", query, nil, map[string]string{
		"Prefer": "return=representation",
	}, &rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// Preferences retrieves a user's notification preferences.
func (r *REST) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	query := url.Values{"user_id": {"eq." + userID}}

	var rows []preferencesRow
	if err := r.do(ctx, http.MethodGet, "/rest/v1/push_preferences", query, nil, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &Preferences{Enabled: rows[0].Enabled, Types: rows[0].Types}, nil
}

// SavePreferences stores or updates a user's notification preferences.
func (r *REST) SavePreferences(ctx context.Context, userID string, prefs *Preferences) error {
	body, err := json.Marshal(preferencesRow{
		UserID:  userID,
		Enabled: prefs.Enabled,
		Types:   prefs.Types,
	})
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}

	return r.do(ctx, http.MethodPost, "/rest/v1/push_preferences", nil, body, map[string]string{
		"Prefer": "resolution=merge-duplicates",
	}, nil)
}

// Close is a no-op; the REST store holds no persistent connection.
func (r *REST) Close() error {
	return nil
}

func (r *REST) do(ctx context.Context, method, path string, query url.Values, body []byte, headers map[string]string, out interface{}) error {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", r.serviceKey)
	req.Header.Set("Authorization", "Bearer "+r.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("querying store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("store returned %d: %s", resp.StatusCode, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding store response: %w", err)
		}
	}
	return nil
}
