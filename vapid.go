package slatepush

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalidKeyMaterial is returned when VAPID key bytes do not form a valid
// P-256 key pair: the public key must be a 65-byte uncompressed point with a
// 0x04 prefix and the private key a 32-byte scalar.
var ErrInvalidKeyMaterial = errors.New("invalid VAPID key material")

// vapidTokenTTL is the lifetime claimed in the VAPID JWT. Push services
// reject tokens valid longer than 24 hours.
const vapidTokenTTL = 12 * time.Hour

// Signer provides VAPID signing functionality. The signature returned by
// Sign may be raw 64-byte r||s or ASN.1 DER encoded; callers must pass it
// through NormalizeSignature before use in a JWS.
type Signer interface {
	// Sign signs the given SHA-256 digest.
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	// PublicKey returns the ECDSA public key in uncompressed format.
	PublicKey() []byte
}

// ValidatePublicKey checks that b is a 65-byte uncompressed P-256 point.
func ValidatePublicKey(b []byte) error {
	if len(b) != 65 {
		return fmt.Errorf("%w: public key is %d bytes, want 65", ErrInvalidKeyMaterial, len(b))
	}
	if b[0] != 0x04 {
		return fmt.Errorf("%w: public key prefix is 0x%02x, want 0x04", ErrInvalidKeyMaterial, b[0])
	}
	return nil
}

// BuildVAPIDToken constructs and signs the ES256 JWT asserting this server's
// identity to a push service. audience is the push service origin, subject a
// contact URI (mailto: or https:).
func BuildVAPIDToken(ctx context.Context, signer Signer, audience, subject string) (string, error) {
	if err := ValidatePublicKey(signer.PublicKey()); err != nil {
		return "", err
	}

	header := map[string]string{
		"typ": "JWT",
		"alg": "ES256",
	}
	claims := map[string]interface{}{
		"aud": audience,
		"exp": time.Now().Add(vapidTokenTTL).Unix(),
		"sub": subject,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshaling header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}

	signingInput := EncodeBase64URL(headerJSON) + "." + EncodeBase64URL(claimsJSON)

	hash := sha256.Sum256([]byte(signingInput))
	sig, err := signer.Sign(ctx, hash[:])
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}

	raw, err := NormalizeSignature(sig)
	if err != nil {
		return "", fmt.Errorf("normalizing JWT signature: %w", err)
	}

	return signingInput + "." + EncodeBase64URL(raw), nil
}

// audienceForEndpoint returns the push service origin for a subscription
// endpoint, the value claimed as the JWT audience.
func audienceForEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no scheme or host", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}
