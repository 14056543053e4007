// Package slatepush sends Web Push notifications for the Navy Slate habit
// tracker using VAPID authentication and the aesgcm content encoding.
package slatepush

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyInput is returned when decoding an empty base64url string.
var ErrEmptyInput = errors.New("empty base64url input")

// EncodeBase64URL encodes bytes as unpadded base64url, the text form used
// throughout VAPID and Web Push key material.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64URL decodes a base64url string into raw bytes. Input from
// browsers is not uniform: some clients emit the standard alphabet, some
// include padding (Chrome < 52 padded subscription keys). Both are accepted
// and normalized before decoding.
func DecodeBase64URL(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEmptyInput
	}

	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.TrimRight(s, "=")

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64url: %w", err)
	}
	return b, nil
}
