package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

const signaturePrefix = "sha256="

var (
	// ErrMissingSignature is returned when the signature header is missing
	ErrMissingSignature = errors.New("missing " + SignatureHeader + " header")

	// ErrMalformedSignature is returned when the signature header format is invalid
	ErrMalformedSignature = errors.New("malformed signature header")

	// ErrInvalidSignature is returned when the signature doesn't match
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidateHMAC checks signature, formatted as "sha256=<hex>", against the
// HMAC-SHA256 of payload keyed with secret. The comparison is constant-time.
func ValidateHMAC(payload []byte, signature string, secret string) error {
	if signature == "" {
		return ErrMissingSignature
	}

	providedSig, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok || providedSig == "" {
		return ErrMalformedSignature
	}

	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "malformed signature header"), ErrMalformedSignature)
	}

	if !hmac.Equal(Sign(payload, secret), providedBytes) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureValue formats the header value for payload.
func SignatureValue(payload []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(Sign(payload, secret))
}
