package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/codremit/codremit/internal/domain"
)

// HMACVerifier authenticates carrier webhooks with a per-carrier shared
// secret. The signature is the hex HMAC-SHA256 of the raw request body.
type HMACVerifier struct {
	secrets map[string]string
}

// NewHMACVerifier creates a verifier over the carrier secret map.
func NewHMACVerifier(secrets map[string]string) *HMACVerifier {
	if secrets == nil {
		secrets = make(map[string]string)
	}
	return &HMACVerifier{secrets: secrets}
}

// Verify checks the payload signature for one carrier. An unknown carrier
// or a bad signature both fail closed.
func (v *HMACVerifier) Verify(ctx context.Context, carrierID string, payload []byte, signature string) error {
	secret, ok := v.secrets[carrierID]
	if !ok {
		return fmt.Errorf("%w: unknown carrier %q", domain.ErrValidation, carrierID)
	}
	if signature == "" {
		return fmt.Errorf("%w: missing signature", domain.ErrValidation)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: signature mismatch for carrier %q", domain.ErrValidation, carrierID)
	}
	return nil
}
