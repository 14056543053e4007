package slatepush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	authInfo    = []byte("Content-Encoding: auth\x00")
	contentInfo = []byte("Content-Encoding: aesgcm\x00")
)

// derivedKeys holds the output of the Web Push key derivation chain.
// AuthKey is part of the standard derivation but is not consumed by the
// aesgcm record framing itself; it is retained because some push service
// validation paths depend on it having been derived.
type derivedKeys struct {
	ContentKey []byte // 16 bytes, AES-128-GCM
	AuthKey    []byte // 32 bytes
}

// deriveKeys expands an ECDH shared secret into the per-message keys of the
// aesgcm content encoding. authSecret is the subscriber's auth value, salt
// the fresh per-message salt.
func deriveKeys(sharedSecret, authSecret, salt []byte) (*derivedKeys, error) {
	authKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, authSecret, authInfo), authKey); err != nil {
		return nil, fmt.Errorf("deriving auth key: %w", err)
	}

	contentKey := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, contentInfo), contentKey); err != nil {
		return nil, fmt.Errorf("deriving content key: %w", err)
	}

	return &derivedKeys{ContentKey: contentKey, AuthKey: authKey}, nil
}

// EncryptionResult is the outcome of encrypting one notification payload.
// Salt and ServerPublicKey are repeated in the Encryption and Crypto-Key
// headers of the push request.
type EncryptionResult struct {
	// Record is the full wire format:
	// salt (16) || record size (4, big endian) || server public key (65) || ciphertext.
	Record          []byte
	Salt            []byte
	ServerPublicKey []byte
}

// Encrypt encrypts a notification payload for one subscriber per the aesgcm
// Web Push content encoding. clientPublicKey is the subscriber's p256dh
// value, authSecret its auth value, both already decoded from base64url.
//
// A fresh ephemeral ECDH key pair and a fresh salt are generated for every
// message; neither is ever reused across messages or subscribers.
func Encrypt(plaintext, clientPublicKey, authSecret []byte) (*EncryptionResult, error) {
	if len(clientPublicKey) == 0 {
		return nil, fmt.Errorf("missing client public key")
	}
	if len(authSecret) == 0 {
		return nil, fmt.Errorf("missing client auth secret")
	}

	clientPub, err := ecdh.P256().NewPublicKey(clientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing client public key: %w", err)
	}

	serverPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	serverPub := serverPriv.PublicKey().Bytes()

	sharedSecret, err := serverPriv.ECDH(clientPub)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	keys, err := deriveKeys(sharedSecret, authSecret, salt)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	block, err := aes.NewCipher(keys.ContentKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	// Record size covers the plaintext plus the 16-byte GCM tag.
	record := make([]byte, 0, 16+4+65+len(ciphertext))
	record = append(record, salt...)
	record = binary.BigEndian.AppendUint32(record, uint32(len(plaintext)+16))
	record = append(record, serverPub...)
	record = append(record, ciphertext...)

	return &EncryptionResult{
		Record:          record,
		Salt:            salt,
		ServerPublicKey: serverPub,
	}, nil
}
