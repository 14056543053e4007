package slatepush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

// Subscription represents a Web Push subscription from a client.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"` // Client's ECDH public key
	Auth   string `json:"auth"`   // Client's authentication secret
}

// PushServiceError is returned when a push service answers with a status
// of 400 or above. Body is truncated for logging.
type PushServiceError struct {
	StatusCode int
	Body       string
}

func (e *PushServiceError) Error() string {
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// Gone reports whether the subscription no longer exists at the push
// service and should be deleted from storage.
func (e *PushServiceError) Gone() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

const (
	// pushTTL is the time the push service may hold an undelivered message.
	pushTTL = "86400"

	maxErrorBody = 256
)

// Client sends web push notifications.
type Client struct {
	signer     Signer
	httpClient *http.Client
	subject    string // VAPID subject (mailto: or https: URL)
}

// NewClient creates a new web push client. The outbound HTTP client carries
// a 10 second timeout; expiry surfaces as a per-subscription failure.
func NewClient(signer Signer, subject string) *Client {
	return &Client{
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		subject:    subject,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// PublicKeyBase64 returns the VAPID public key as base64url, the value
// browsers pass to PushManager.subscribe.
func (c *Client) PublicKeyBase64() string {
	return EncodeBase64URL(c.signer.PublicKey())
}

// Send delivers a notification payload to one subscription. If the
// subscription carries usable key material and the payload is non-empty the
// body is encrypted per the aesgcm content encoding; if the client keys are
// absent or encryption fails, Send degrades to an empty push that wakes the
// client without content rather than failing the notification.
func (c *Client) Send(ctx context.Context, sub *Subscription, payload []byte) error {
	enc := c.tryEncrypt(ctx, sub, payload)
	if enc == nil {
		return c.SendEmpty(ctx, sub.Endpoint)
	}

	headers, err := c.vapidHeaders(ctx, sub.Endpoint)
	if err != nil {
		return err
	}
	headers.Set("Content-Type", "application/octet-stream")
	headers.Set("Content-Encoding", "aesgcm")
	headers.Set("Crypto-Key", "dh="+EncodeBase64URL(enc.ServerPublicKey)+";p256ecdsa="+c.PublicKeyBase64())
	headers.Set("Encryption", "salt="+EncodeBase64URL(enc.Salt))

	return c.post(ctx, sub.Endpoint, headers, enc.Record)
}

// SendEmpty delivers a zero-byte push to an endpoint. The client wakes and
// must fetch content elsewhere; this is the protocol-compliant fallback
// when no encrypted body can be produced.
func (c *Client) SendEmpty(ctx context.Context, endpoint string) error {
	headers, err := c.vapidHeaders(ctx, endpoint)
	if err != nil {
		return err
	}
	headers.Set("Crypto-Key", "p256ecdsa="+c.PublicKeyBase64())

	return c.post(ctx, endpoint, headers, nil)
}

// tryEncrypt resolves the encrypted-vs-empty send decision. It returns nil
// when the empty push path must be taken.
func (c *Client) tryEncrypt(ctx context.Context, sub *Subscription, payload []byte) *EncryptionResult {
	if len(payload) == 0 || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil
	}

	p256dh, err := DecodeBase64URL(sub.Keys.P256dh)
	if err != nil {
		clog.FromContext(ctx).Warnf("decoding p256dh, falling back to empty push: %v", err)
		return nil
	}
	auth, err := DecodeBase64URL(sub.Keys.Auth)
	if err != nil {
		clog.FromContext(ctx).Warnf("decoding auth secret, falling back to empty push: %v", err)
		return nil
	}

	enc, err := Encrypt(payload, p256dh, auth)
	if err != nil {
		clog.FromContext(ctx).Warnf("encrypting payload, falling back to empty push: %v", err)
		return nil
	}
	return enc
}

func (c *Client) vapidHeaders(ctx context.Context, endpoint string) (http.Header, error) {
	audience, err := audienceForEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	token, err := BuildVAPIDToken(ctx, c.signer, audience, c.subject)
	if err != nil {
		return nil, fmt.Errorf("building VAPID token: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "WebPush "+token)
	headers.Set("TTL", pushTTL)
	return headers, nil
}

func (c *Client) post(ctx context.Context, endpoint string, headers http.Header, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &PushServiceError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// ParseSubscription parses a subscription from JSON.
func ParseSubscription(data []byte) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshaling subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return nil, errors.New("subscription endpoint is required")
	}
	if sub.Keys.P256dh == "" {
		return nil, errors.New("subscription p256dh key is required")
	}
	if sub.Keys.Auth == "" {
		return nil, errors.New("subscription auth key is required")
	}
	if !strings.HasPrefix(sub.Endpoint, "https://") {
		return nil, errors.New("subscription endpoint must use HTTPS")
	}
	return &sub, nil
}
