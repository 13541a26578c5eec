package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ligarius/ams-sub000/internal/store"
	"github.com/ligarius/ams-sub000/internal/tracing"
)

type WebhookOutcome string

const (
	WebhookReconciled      WebhookOutcome = "reconciled"
	WebhookUnknownEnvelope WebhookOutcome = "unknown_envelope"
	WebhookDuplicate       WebhookOutcome = "duplicate"
)

type WebhookResult struct {
	Outcome    WebhookOutcome
	ApprovalID string
	EnvelopeID string
	Changed    bool
}

// ReceiveSignatureWebhook authenticates a provider callback and merges it into
// the approval owning the envelope. Nothing is looked up or logged about the
// payload before authentication succeeds.
func (s *Service) ReceiveSignatureWebhook(ctx context.Context, headers http.Header, rawBody []byte) (result WebhookResult, err error) {
	if !s.provider.ValidateWebhook(headers, rawBody) {
		return WebhookResult{}, domainError(KindAuthenticationFailed, "Webhook authentication failed", nil)
	}

	ctx, span := tracing.StartSpan(ctx, "signature.webhook.reconcile", trace.SpanKindServer, nil)
	defer func() { tracing.EndSpan(span, err) }()

	key := deliveryKey(rawBody)
	seen, err := s.deliveries.Seen(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Msg("webhook dedupe lookup failed")
	} else if seen {
		return WebhookResult{Outcome: WebhookDuplicate}, nil
	}

	envelope, err := s.provider.ParseWebhookEvent(rawBody)
	if err != nil {
		return WebhookResult{}, domainError(KindMalformedWebhookPayload, "Malformed webhook payload", nil).wrap(err)
	}

	target, err := s.store.FindApprovalByEnvelope(ctx, envelope.EnvelopeID)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Warn().Str("envelope_id", envelope.EnvelopeID).Msg("webhook for unknown envelope acknowledged")
		return WebhookResult{Outcome: WebhookUnknownEnvelope, EnvelopeID: envelope.EnvelopeID}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	updated, changed, err := s.applySignature(ctx, target.ID, envelope)
	if err != nil {
		return WebhookResult{}, err
	}
	if changed {
		s.recordAudit(ctx, updated, providerActorID, auditSignatureSynced, map[string]any{
			"source":          "webhook",
			"signatureStatus": string(updated.Signature.Status),
		})
		s.index(updated)
	}
	if err := s.deliveries.Remember(ctx, key, s.dedupeTTL); err != nil {
		s.log.Warn().Err(err).Msg("webhook dedupe remember failed")
	}

	s.log.Info().
		Str("approval_id", target.ID).
		Str("envelope_id", envelope.EnvelopeID).
		Str("signature_status", string(updated.Signature.Status)).
		Bool("changed", changed).
		Msg("webhook reconciled")
	return WebhookResult{Outcome: WebhookReconciled, ApprovalID: target.ID, EnvelopeID: envelope.EnvelopeID, Changed: changed}, nil
}

func deliveryKey(rawBody []byte) string {
	sum := sha256.Sum256(rawBody)
	return hex.EncodeToString(sum[:])
}
