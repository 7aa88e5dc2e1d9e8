package main

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"whatsgate/internal/config"
	"whatsgate/internal/constants"
)

// verifyWAHASignature reads the request body and checks WAHA's X-Webhook-Hmac
// header, a hex HMAC-SHA512 of the body. Without a configured secret the body
// is accepted as is, except in production.
func verifyWAHASignature(r *http.Request, secret string) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	if secret == "" {
		if config.IsProduction() {
			return nil, fmt.Errorf("webhook secret is required in production mode")
		}
		return body, nil
	}

	if alg := r.Header.Get(constants.HeaderWAHAHmacAlgorithm); alg != "" && !strings.EqualFold(alg, "sha512") {
		return nil, fmt.Errorf("unsupported signature algorithm: %s", alg)
	}

	signature := strings.TrimSpace(r.Header.Get(constants.HeaderWAHAHmac))
	if signature == "" {
		return nil, fmt.Errorf("missing signature header: %s", constants.HeaderWAHAHmac)
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return nil, fmt.Errorf("signature mismatch")
	}
	return body, nil
}
