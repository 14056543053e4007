package slatepush

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"
)

// testSigner signs with a local ECDSA key, optionally reporting a bogus
// public key to exercise key material validation.
type testSigner struct {
	key    *ecdsa.PrivateKey
	pubKey []byte
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &testSigner{
		key:    key,
		pubKey: elliptic.Marshal(key.Curve, key.X, key.Y),
	}
}

func (s *testSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, s.key, digest)
}

func (s *testSigner) PublicKey() []byte {
	return s.pubKey
}

func TestBuildVAPIDToken(t *testing.T) {
	signer := newTestSigner(t)

	token, err := BuildVAPIDToken(context.Background(), signer, "https://push.example.com", "mailto:admin@navyslate.app")
	if err != nil {
		t.Fatalf("BuildVAPIDToken() error = %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}

	headerJSON, err := DecodeBase64URL(parts[0])
	if err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	var header map[string]string
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatalf("unmarshaling header: %v", err)
	}
	if header["alg"] != "ES256" || header["typ"] != "JWT" {
		t.Errorf("header = %v, want alg=ES256 typ=JWT", header)
	}

	claimsJSON, err := DecodeBase64URL(parts[1])
	if err != nil {
		t.Fatalf("decoding claims: %v", err)
	}
	var claims struct {
		Aud string `json:"aud"`
		Exp int64  `json:"exp"`
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("unmarshaling claims: %v", err)
	}
	if claims.Aud != "https://push.example.com" {
		t.Errorf("aud = %q", claims.Aud)
	}
	if claims.Sub != "mailto:admin@navyslate.app" {
		t.Errorf("sub = %q", claims.Sub)
	}
	wantExp := time.Now().Add(12 * time.Hour).Unix()
	if claims.Exp < wantExp-60 || claims.Exp > wantExp+60 {
		t.Errorf("exp = %d, want about %d", claims.Exp, wantExp)
	}

	// The signature must be raw r||s and verify over the signing input.
	sig, err := DecodeBase64URL(parts[2])
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64", len(sig))
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(&signer.key.PublicKey, digest[:], r, s) {
		t.Error("token signature does not verify")
	}
}

func TestBuildVAPIDToken_InvalidKeyMaterial(t *testing.T) {
	signer := newTestSigner(t)

	tests := []struct {
		name   string
		pubKey []byte
	}{
		{name: "nil", pubKey: nil},
		{name: "too short", pubKey: make([]byte, 64)},
		{name: "too long", pubKey: make([]byte, 66)},
		{name: "wrong prefix", pubKey: append([]byte{0x02}, make([]byte, 64)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := &testSigner{key: signer.key, pubKey: tt.pubKey}
			_, err := BuildVAPIDToken(context.Background(), bad, "https://push.example.com", "mailto:a@b.c")
			if !errors.Is(err, ErrInvalidKeyMaterial) {
				t.Errorf("BuildVAPIDToken() error = %v, want ErrInvalidKeyMaterial", err)
			}
		})
	}
}

func TestAudienceForEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{endpoint: "https://fcm.googleapis.com/fcm/send/abc123", want: "https://fcm.googleapis.com"},
		{endpoint: "https://updates.push.services.mozilla.com/wpush/v2/xyz", want: "https://updates.push.services.mozilla.com"},
		{endpoint: "not a url", wantErr: true},
	}

	for _, tt := range tests {
		got, err := audienceForEndpoint(tt.endpoint)
		if (err != nil) != tt.wantErr {
			t.Errorf("audienceForEndpoint(%q) error = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("audienceForEndpoint(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}
