// Package keys provides VAPID signing key backends.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/drhousemd1/slatepush"
)

// EnvSigner signs VAPID tokens with raw P-256 key material supplied through
// environment configuration: a base64url 65-byte uncompressed public point
// and a base64url 32-byte private scalar.
type EnvSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
}

// NewEnvSigner builds a signer from base64url-encoded raw key bytes. The
// public key's x/y coordinates are taken from the supplied point rather than
// rederived, matching the JWK-style import of the key material.
func NewEnvSigner(publicKeyB64, privateKeyB64 string) (*EnvSigner, error) {
	pubBytes, err := slatepush.DecodeBase64URL(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding public key: %v", slatepush.ErrInvalidKeyMaterial, err)
	}
	privBytes, err := slatepush.DecodeBase64URL(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding private key: %v", slatepush.ErrInvalidKeyMaterial, err)
	}

	if err := slatepush.ValidatePublicKey(pubBytes); err != nil {
		return nil, err
	}
	if len(privBytes) != 32 {
		return nil, fmt.Errorf("%w: private key is %d bytes, want 32", slatepush.ErrInvalidKeyMaterial, len(privBytes))
	}

	privKey := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pubBytes[1:33]),
			Y:     new(big.Int).SetBytes(pubBytes[33:65]),
		},
		D: new(big.Int).SetBytes(privBytes),
	}
	if !privKey.Curve.IsOnCurve(privKey.X, privKey.Y) {
		return nil, fmt.Errorf("%w: public key is not on the P-256 curve", slatepush.ErrInvalidKeyMaterial)
	}

	return &EnvSigner{
		privateKey: privKey,
		publicKey:  pubBytes,
	}, nil
}

// Sign signs the given digest using ECDSA. The signature is DER encoded;
// consumers normalize it to raw r||s.
func (s *EnvSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, s.privateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *EnvSigner) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as a base64url string.
func (s *EnvSigner) PublicKeyBase64() string {
	return slatepush.EncodeBase64URL(s.publicKey)
}

// GenerateKeyPair generates a new P-256 key pair and returns both keys in
// the base64url form expected by the VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY
// environment variables.
func GenerateKeyPair() (privateKeyB64, publicKeyB64 string, err error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}

	// Private key as a 32-byte big-endian integer.
	paddedPrivKey := make([]byte, 32)
	privKey.D.FillBytes(paddedPrivKey)

	pubKeyBytes := elliptic.Marshal(privKey.Curve, privKey.X, privKey.Y)

	return slatepush.EncodeBase64URL(paddedPrivKey),
		slatepush.EncodeBase64URL(pubKeyBytes),
		nil
}
