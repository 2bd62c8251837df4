package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// webhookSignatureHeader carries the gateway's HMAC-SHA256 of the raw body.
const webhookSignatureHeader = "X-Webhook-Signature"

// isValidSignature checks header against the HMAC-SHA256 of body under secret.
// Gateways send the digest as hex or base64, optionally prefixed with "sha256=",
// and may send several comma-separated candidates during secret rotation.
func isValidSignature(secret, header string, body []byte) bool {
	if secret == "" {
		return false
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "sha256=")
		if candidate == "" {
			continue
		}
		if decoded, err := hex.DecodeString(candidate); err == nil && hmac.Equal(decoded, expected) {
			return true
		}
		if decoded, err := base64.StdEncoding.DecodeString(candidate); err == nil && hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

