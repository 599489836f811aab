// Package webhooks accepts signed HTTP callbacks and publishes them as events.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 - some providers only sign with SHA1
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// Signature algorithms.
const (
	AlgorithmSHA256 = "hmac-sha256"
	AlgorithmSHA1   = "hmac-sha1"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrSignatureInvalid = errors.New("signature mismatch")
)

// Verify checks signature against the HMAC of body. Signatures are hex,
// optionally prefixed with the digest name as in "sha256=<hex>".
func Verify(algorithm, secret string, body []byte, signature string) error {
	var h hash.Hash
	switch algorithm {
	case AlgorithmSHA256, "":
		h = hmac.New(sha256.New, []byte(secret))
	case AlgorithmSHA1:
		h = hmac.New(sha1.New, []byte(secret))
	default:
		return fmt.Errorf("unsupported signature algorithm: %s", algorithm)
	}

	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	if _, hexPart, ok := strings.Cut(signature, "="); ok {
		signature = hexPart
	}
	actual, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature format: %w", err)
	}

	h.Write(body)
	if !hmac.Equal(h.Sum(nil), actual) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign returns the "sha256=<hex>" style signature of body.
func Sign(algorithm, secret string, body []byte) string {
	prefix := "sha256="
	fn := sha256.New
	if algorithm == AlgorithmSHA1 {
		prefix, fn = "sha1=", sha1.New
	}
	h := hmac.New(fn, []byte(secret))
	h.Write(body)
	return prefix + hex.EncodeToString(h.Sum(nil))
}
