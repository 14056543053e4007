// Package server exposes the push dispatch HTTP API: a notify endpoint that
// fans a notification out to one user's subscriptions, plus subscription
// registration and VAPID key discovery for clients.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/drhousemd1/slatepush"
	"github.com/drhousemd1/slatepush/storage"
)

// Handler serves the push dispatch API.
type Handler struct {
	store  storage.Store
	client *slatepush.Client
	mux    *http.ServeMux
}

// New creates a Handler dispatching through client and reading
// subscriptions and preferences from store.
func New(store storage.Store, client *slatepush.Client) *Handler {
	h := &Handler{
		store:  store,
		client: client,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/notify", h.handleNotify)
	mux.HandleFunc("/vapid-public-key", h.handleVAPIDPublicKey)
	mux.HandleFunc("/subscribe", h.handleSubscribe)
	mux.HandleFunc("/unsubscribe", h.handleUnsubscribe)
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// notifyRequest is the body of a POST /notify call. The queueing layer
// upstream decides when to call; this endpoint only dispatches.
type notifyRequest struct {
	// Mode "ping" sends a single empty push to Endpoint for connectivity
	// diagnostics, bypassing subscription and preference lookup.
	Mode     string `json:"mode,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`

	TargetUserID string         `json:"targetUserId"`
	Type         string         `json:"type"`
	Title        string         `json:"title,omitempty"`
	Body         string         `json:"body,omitempty"`
	Icon         string         `json:"icon,omitempty"`
	Badge        string         `json:"badge,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// notificationPayload is the JSON body encrypted for the browser.
type notificationPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	Badge string         `json:"badge,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	ctx := r.Context()
	log := clog.FromContext(ctx)

	if bearerToken(r) == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	if req.Mode == "ping" {
		if req.Endpoint == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing endpoint"})
			return
		}
		if err := h.client.SendEmpty(ctx, req.Endpoint); err != nil {
			log.Errorf("ping to %s failed: %v", endpointPrefix(req.Endpoint), err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "ping failed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": "ping"})
		return
	}

	if req.TargetUserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing targetUserId"})
		return
	}

	records, err := h.store.GetByUserID(ctx, req.TargetUserID)
	if err != nil {
		log.Errorf("loading subscriptions for %s: %v", req.TargetUserID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "loading subscriptions"})
		return
	}
	if len(records) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": "no_subscriptions"})
		return
	}

	prefs, err := h.store.Preferences(ctx, req.TargetUserID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Errorf("loading preferences for %s: %v", req.TargetUserID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "loading preferences"})
		return
	}
	if !prefs.Allows(req.Type) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": "disabled"})
		return
	}

	var payload []byte
	if req.Title != "" || req.Body != "" {
		payload, err = json.Marshal(notificationPayload{
			Title: req.Title,
			Body:  req.Body,
			Icon:  req.Icon,
			Badge: req.Badge,
			Data:  req.Data,
		})
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
			return
		}
	}

	// One subscriber's failure must not abort the others.
	sent := 0
	for _, record := range records {
		if err := h.client.Send(ctx, record.Subscription, payload); err != nil {
			log.Warnf("push to %s failed: %v", endpointPrefix(record.Subscription.Endpoint), err)

			var pushErr *slatepush.PushServiceError
			if errors.As(err, &pushErr) && pushErr.Gone() {
				if delErr := h.store.Delete(ctx, record.ID); delErr != nil {
					log.Warnf("deleting expired subscription %s: %v", record.ID, delErr)
				} else {
					log.Infof("deleted expired subscription %s", record.ID)
				}
			}
			continue
		}
		sent++
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sent": sent, "total": len(records)})
}

func (h *Handler) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"publicKey": h.client.PublicKeyBase64()})
}

// subscribeRequest associates a browser subscription with an app user.
type subscribeRequest struct {
	UserID       string                 `json:"userId"`
	Subscription slatepush.Subscription `json:"subscription"`
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	ctx := r.Context()

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing userId"})
		return
	}
	sub := req.Subscription
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid subscription"})
		return
	}

	// Re-subscribing the same endpoint updates the existing record.
	record, err := h.store.GetByEndpoint(ctx, sub.Endpoint)
	if err != nil {
		record = &storage.Record{ID: uuid.NewString()}
	}
	record.UserID = req.UserID
	record.Subscription = &sub

	if err := h.store.Save(ctx, record); err != nil {
		clog.FromContext(ctx).Errorf("saving subscription: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "saving subscription"})
		return
	}

	clog.FromContext(ctx).Infof("subscription saved: %s", record.ID)
	writeJSON(w, http.StatusOK, map[string]any{"id": record.ID})
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	if err := h.store.DeleteByEndpoint(r.Context(), req.Endpoint); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "subscription not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// bearerToken extracts the token from a Bearer Authorization header. The
// gateway in front of this service verifies the token; here only presence
// is required.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// endpointPrefix truncates a push endpoint for logging; the tail of the URL
// is a capability token and should not land in logs whole.
func endpointPrefix(endpoint string) string {
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}
