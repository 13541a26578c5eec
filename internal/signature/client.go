// Package signature is the boundary with the external e-signature provider:
// envelope creation and lookup over its HTTP API, vendor status normalization,
// and authentication plus parsing of inbound webhooks.
package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ligarius/ams-sub000/internal/tracing"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultRetryBackoff = 250 * time.Millisecond
	maxResponseBytes    = 1 << 20
)

// Config holds provider credentials. Missing API fields disable envelope calls,
// a missing WebhookSecret rejects every webhook.
type Config struct {
	BaseURL       string
	AccountID     string
	APIToken      string
	WebhookSecret string
	Timeout       time.Duration
	RetryBackoff  time.Duration
}

func (c Config) apiConfigured() bool {
	return strings.TrimSpace(c.BaseURL) != "" &&
		strings.TrimSpace(c.AccountID) != "" &&
		strings.TrimSpace(c.APIToken) != ""
}

// Signer is the person asked to sign.
type Signer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateEnvelopeRequest describes the envelope to open for an approval.
type CreateEnvelopeRequest struct {
	Title              string
	DocumentTemplateID string
	Signer             Signer
	CallbackURL        string
	RedirectURL        string
	ProjectID          string
}

type createEnvelopeBody struct {
	Title       string           `json:"title"`
	TemplateID  string           `json:"templateId"`
	Signer      Signer           `json:"signer"`
	CallbackURL string           `json:"callbackUrl"`
	RedirectURL string           `json:"redirectUrl,omitempty"`
	Metadata    envelopeMetadata `json:"metadata"`
}

type envelopeMetadata struct {
	ProjectID string `json:"projectId,omitempty"`
}

// Client talks to the provider API.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.With().Str("component", "signature").Logger(),
	}
}

// CreateEnvelope opens a signing envelope. It is never retried: a repeated POST
// would open a second envelope with the provider.
func (c *Client) CreateEnvelope(ctx context.Context, req CreateEnvelopeRequest) (envelope Envelope, err error) {
	if !c.cfg.apiConfigured() {
		return Envelope{}, ErrNotConfigured
	}
	ctx, span := tracing.StartSpan(ctx, "signature.create_envelope", trace.SpanKindClient, map[string]string{
		"signature.template_id": req.DocumentTemplateID,
	})
	defer func() { tracing.EndSpan(span, err) }()

	body := createEnvelopeBody{
		Title:       req.Title,
		TemplateID:  req.DocumentTemplateID,
		Signer:      req.Signer,
		CallbackURL: req.CallbackURL,
		RedirectURL: strings.TrimSpace(req.RedirectURL),
		Metadata:    envelopeMetadata{ProjectID: strings.TrimSpace(req.ProjectID)},
	}
	return c.call(ctx, span, http.MethodPost, c.envelopesPath(""), body, 1)
}

// GetEnvelopeStatus fetches the live state of an envelope. Transport errors and
// 5xx answers are retried once.
func (c *Client) GetEnvelopeStatus(ctx context.Context, envelopeID string) (envelope Envelope, err error) {
	if !c.cfg.apiConfigured() {
		return Envelope{}, ErrNotConfigured
	}
	envelopeID = strings.TrimSpace(envelopeID)
	if envelopeID == "" {
		return Envelope{}, errors.New("envelope id is required")
	}
	ctx, span := tracing.StartSpan(ctx, "signature.get_envelope", trace.SpanKindClient, map[string]string{
		"signature.envelope_id": envelopeID,
	})
	defer func() { tracing.EndSpan(span, err) }()

	return c.call(ctx, span, http.MethodGet, c.envelopesPath(envelopeID), nil, 2)
}

func (c *Client) envelopesPath(envelopeID string) string {
	path := c.cfg.BaseURL + "/accounts/" + url.PathEscape(c.cfg.AccountID) + "/envelopes"
	if envelopeID != "" {
		path += "/" + url.PathEscape(envelopeID)
	}
	return path
}

func (c *Client) call(ctx context.Context, span *tracing.Span, method, endpoint string, payload any, attempts int) (Envelope, error) {
	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return Envelope{}, fmt.Errorf("encode provider request: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		span.SetAttribute("signature.attempts", attempt)
		raw, err := c.send(ctx, method, endpoint, encoded)
		if err == nil {
			envelope, decodeErr := decodeEnvelope(raw)
			if decodeErr != nil {
				c.log.Error().Err(decodeErr).Str("method", method).Msg("provider response rejected")
				return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)
			}
			return envelope, nil
		}
		if attempt >= attempts || !retryable(err) || ctx.Err() != nil {
			return Envelope{}, err
		}
		c.log.Warn().Err(err).Str("method", method).Int("attempt", attempt).Msg("provider call failed, retrying")
		timer := time.NewTimer(c.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Envelope{}, err
		case <-timer.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: snippet}
	}
	return raw, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Retryable()
}
