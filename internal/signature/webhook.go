package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

var (
	sharedSecretHeaders = []string{"X-Signature-Secret", "X-Webhook-Secret"}
	hmacHeaders         = []string{
		"X-Signature-Hmac",
		"X-Signature-Hmac-Sha256",
		"X-Docusign-Signature-1",
		"X-Hub-Signature-256",
		"X-Signature",
	}
)

// ValidateWebhook authenticates an inbound callback with the configured secret.
func (c *Client) ValidateWebhook(headers http.Header, rawBody []byte) bool {
	return ValidateWebhook(c.cfg.WebhookSecret, headers, rawBody)
}

// ParseWebhookEvent decodes an authenticated webhook body.
func (c *Client) ParseWebhookEvent(rawBody []byte) (Envelope, error) {
	return ParseWebhookEvent(rawBody)
}

// ValidateWebhook accepts either a shared-secret header equal to secret or an
// HMAC-SHA256 hex digest of rawBody keyed by secret. An empty secret rejects
// everything.
func ValidateWebhook(secret string, headers http.Header, rawBody []byte) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}

	for _, name := range sharedSecretHeaders {
		for _, value := range headerValues(headers, name) {
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(value)), []byte(secret)) == 1 {
				return true
			}
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	expected := mac.Sum(nil)
	for _, name := range hmacHeaders {
		for _, value := range headerValues(headers, name) {
			provided, ok := decodeDigest(value)
			if ok && hmac.Equal(expected, provided) {
				return true
			}
		}
	}
	return false
}

// SignBody returns the hex digest a provider would send for body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEvent validates a webhook body against the envelope schema.
func ParseWebhookEvent(rawBody []byte) (Envelope, error) {
	envelope, err := decodeEnvelope(rawBody)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	return envelope, nil
}

func decodeDigest(value string) ([]byte, bool) {
	value = strings.TrimSpace(value)
	if len(value) > len("sha256=") && strings.EqualFold(value[:len("sha256=")], "sha256=") {
		value = value[len("sha256="):]
	}
	if value == "" {
		return nil, false
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, false
	}
	return decoded, true
}

// headerValues tolerates header maps that were not built with canonical keys.
func headerValues(headers http.Header, name string) []string {
	if values := headers.Values(name); len(values) > 0 {
		return values
	}
	for key, values := range headers {
		if strings.EqualFold(key, name) {
			return values
		}
	}
	return nil
}
