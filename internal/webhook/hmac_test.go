package webhook

import (
	"encoding/hex"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHMAC(t *testing.T) {
	secret := "test-secret-key"
	payload := []byte(`{"reason":"job finished"}`)

	tests := []struct {
		name      string
		payload   []byte
		signature string
		secret    string
		wantErr   error
	}{
		{
			name:      "valid signature",
			payload:   payload,
			signature: SignatureValue(payload, secret),
			secret:    secret,
		},
		{
			name:      "invalid signature",
			payload:   payload,
			signature: "sha256=0000000000000000000000000000000000000000000000000000000000000000",
			secret:    secret,
			wantErr:   ErrInvalidSignature,
		},
		{
			name:    "missing signature header",
			payload: payload,
			secret:  secret,
			wantErr: ErrMissingSignature,
		},
		{
			name:      "no prefix",
			payload:   payload,
			signature: "abc123",
			secret:    secret,
			wantErr:   ErrMalformedSignature,
		},
		{
			name:      "empty after prefix",
			payload:   payload,
			signature: "sha256=",
			secret:    secret,
			wantErr:   ErrMalformedSignature,
		},
		{
			name:      "invalid hex",
			payload:   payload,
			signature: "sha256=notahexstring",
			secret:    secret,
			wantErr:   ErrMalformedSignature,
		},
		{
			name:      "wrong secret",
			payload:   payload,
			signature: SignatureValue(payload, secret),
			secret:    "wrong-secret",
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "payload tampering",
			payload:   []byte(`{"reason":"something else"}`),
			signature: SignatureValue(payload, secret),
			secret:    secret,
			wantErr:   ErrInvalidSignature,
		},
		{
			name:      "empty payload",
			payload:   []byte{},
			signature: SignatureValue([]byte{}, secret),
			secret:    secret,
		},
		{
			name:      "short signature",
			payload:   payload,
			signature: "sha256=ABCDEF1234567890",
			secret:    secret,
			wantErr:   ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHMAC(tt.payload, tt.signature, tt.secret)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

// A signature that differs in any single byte must be rejected the same way.
func TestValidateHMAC_AnyByteDiffers(t *testing.T) {
	secret := "test-secret-key"
	payload := []byte("test payload")
	sig := Sign(payload, secret)

	for _, pos := range []int{0, len(sig) / 2, len(sig) - 1} {
		tampered := append([]byte(nil), sig...)
		tampered[pos] ^= 0xFF

		err := ValidateHMAC(payload, "sha256="+hex.EncodeToString(tampered), secret)
		assert.True(t, errors.Is(err, ErrInvalidSignature), "byte %d: got %v", pos, err)
	}
}
