package slatepush

import (
	"errors"
	"fmt"
)

// ErrInvalidSignatureFormat is returned when an ECDSA signature is neither
// raw 64-byte r||s nor a well-formed DER SEQUENCE of two INTEGERs.
var ErrInvalidSignatureFormat = errors.New("invalid ECDSA signature format")

const (
	derTagSequence = 0x30
	derTagInteger  = 0x02
)

// NormalizeSignature converts an ECDSA P-256 signature to the raw 64-byte
// r||s form required by JWS. The input may already be raw, or it may be
// ASN.1 DER-encoded; which one a signing backend produces is not
// contractually guaranteed (Cloud KMS returns DER, crypto/ecdsa can produce
// either depending on the API used), so both are accepted.
func NormalizeSignature(sig []byte) ([]byte, error) {
	// A 64-byte signature that does not start with a SEQUENCE tag is
	// already in raw form.
	if len(sig) == 64 && sig[0] != derTagSequence {
		out := make([]byte, 64)
		copy(out, sig)
		return out, nil
	}

	r := derReader{buf: sig}

	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if tag != derTagSequence {
		return nil, fmt.Errorf("%w: expected SEQUENCE tag, got 0x%02x", ErrInvalidSignatureFormat, tag)
	}
	seqLen, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if seqLen != r.remaining() {
		return nil, fmt.Errorf("%w: SEQUENCE length %d does not match %d remaining bytes", ErrInvalidSignatureFormat, seqLen, r.remaining())
	}

	rInt, err := r.readInteger()
	if err != nil {
		return nil, err
	}
	sInt, err := r.readInteger()
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after s", ErrInvalidSignatureFormat, r.remaining())
	}

	out := make([]byte, 64)
	copy(out[32-len(rInt):32], rInt)
	copy(out[64-len(sInt):64], sInt)
	return out, nil
}

// derReader is a minimal tag-length-value reader with explicit bounds
// checks. It supports only what ECDSA signatures need: short-form lengths
// and long-form lengths of at most two octets.
type derReader struct {
	buf []byte
	off int
}

func (r *derReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *derReader) readByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("%w: truncated", ErrInvalidSignatureFormat)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *derReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: truncated", ErrInvalidSignatureFormat)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *derReader) readLength() (int, error) {
	first, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if first < 0x80 {
		return int(first), nil
	}

	numOctets := int(first & 0x7f)
	if numOctets == 0 || numOctets > 2 {
		return 0, fmt.Errorf("%w: unsupported length octet count %d", ErrInvalidSignatureFormat, numOctets)
	}
	length := 0
	for i := 0; i < numOctets; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		length = length<<8 | int(b)
	}
	return length, nil
}

// readInteger reads a DER INTEGER and normalizes it to exactly 32 bytes:
// a single 0x00 sign-padding byte is stripped, shorter values are returned
// as-is for the caller to left-pad, longer values are rejected.
func (r *derReader) readInteger() ([]byte, error) {
	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if tag != derTagInteger {
		return nil, fmt.Errorf("%w: expected INTEGER tag, got 0x%02x", ErrInvalidSignatureFormat, tag)
	}
	length, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length INTEGER", ErrInvalidSignatureFormat)
	}
	val, err := r.readBytes(length)
	if err != nil {
		return nil, err
	}
	if val[0] == 0x00 && len(val) > 1 {
		val = val[1:]
	}
	if len(val) > 32 {
		return nil, fmt.Errorf("%w: INTEGER is %d bytes, exceeds 32", ErrInvalidSignatureFormat, len(val))
	}
	return val, nil
}
