package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the X-Webhook-Signature value for body: "sha256=" followed by the
// hex HMAC-SHA256 of the exact bytes sent.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body in constant time
func Verify(secret string, body []byte, header string) bool {
	if len(header) <= len(signaturePrefix) || !strings.EqualFold(header[:len(signaturePrefix)], signaturePrefix) {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(strings.ToLower(header[len(signaturePrefix):])), []byte(expected[len(signaturePrefix):]))
}

// GenerateSecret returns a random 256-bit signing secret, hex encoded
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
