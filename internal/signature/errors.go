package signature

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned by every provider call when the base URL,
	// account id or API token is missing.
	ErrNotConfigured = errors.New("signature provider not configured")
	// ErrMalformedResponse means the provider answered 2xx without an envelope id.
	ErrMalformedResponse = errors.New("malformed signature provider response")
	// ErrMalformedWebhook means an authenticated webhook body failed schema validation.
	ErrMalformedWebhook = errors.New("malformed signature webhook payload")
	// ErrTransport wraps network failures talking to the provider.
	ErrTransport = errors.New("signature provider unreachable")
)

// ProviderError is a non-2xx answer from the provider API.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("signature provider request failed with status %d", e.StatusCode)
}

// Retryable reports whether repeating the same read could succeed.
func (e *ProviderError) Retryable() bool {
	return e != nil && (e.StatusCode >= 500 || e.StatusCode == 429)
}
