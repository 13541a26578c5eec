package app

import (
	"context"
	"errors"
	"time"

	"github.com/ligarius/ams-sub000/internal/signature"
	"github.com/ligarius/ams-sub000/internal/store"
)

const (
	maxMergeAttempts = 3
	// liveFetchTimeout bounds a shared provider lookup once no caller owns it.
	liveFetchTimeout = 30 * time.Second
)

// seedSignature builds the mirror for a freshly created envelope.
func seedSignature(env signature.Envelope) store.SignatureState {
	return store.SignatureState{
		EnvelopeID:  env.EnvelopeID,
		DocumentID:  env.DocumentID,
		URL:         env.SigningURL,
		Status:      env.StatusOrPending(),
		SentAt:      env.SentAt,
		CompletedAt: env.CompletedAt,
		DeclinedAt:  env.DeclinedAt,
		EventAt:     env.EventTime(),
	}
}

// mergeSignature folds an envelope report into the stored mirror and reports
// whether anything changed.
//
// Only fields the report carries are considered. A report older than the
// stored event time, or one arriving after the signature reached a terminal
// status, may fill empty fields but never overwrites set ones or moves the
// status. Status never moves backwards in PENDING < SENT < SIGNED|REJECTED.
func mergeSignature(current store.SignatureState, env signature.Envelope) (store.SignatureState, bool) {
	next := current
	changed := false

	eventAt := env.EventTime()
	fillOnly := current.Status.Terminal() ||
		(eventAt != nil && current.EventAt != nil && eventAt.Before(*current.EventAt))

	mergeString := func(dst **string, src *string) {
		if src == nil {
			return
		}
		if *dst != nil && (fillOnly || **dst == *src) {
			return
		}
		value := *src
		*dst = &value
		changed = true
	}
	mergeTime := func(dst **time.Time, src *time.Time) {
		if src == nil {
			return
		}
		if *dst != nil && (fillOnly || (*dst).Equal(*src)) {
			return
		}
		value := *src
		*dst = &value
		changed = true
	}

	mergeString(&next.DocumentID, env.DocumentID)
	mergeString(&next.URL, env.SigningURL)
	mergeTime(&next.SentAt, env.SentAt)
	mergeTime(&next.CompletedAt, env.CompletedAt)
	mergeTime(&next.DeclinedAt, env.DeclinedAt)

	if env.Status != "" && env.Status != current.Status && !fillOnly && signature.CanAdvance(current.Status, env.Status) {
		next.Status = env.Status
		changed = true
	}
	if eventAt != nil && (current.EventAt == nil || eventAt.After(*current.EventAt)) {
		value := *eventAt
		next.EventAt = &value
		changed = true
	}
	return next, changed
}

// applySignature merges env into the approval with optimistic concurrency,
// re-reading and retrying when another writer got there first. Decided
// approvals are left untouched.
func (s *Service) applySignature(ctx context.Context, approvalID string, env signature.Envelope) (store.Approval, bool, error) {
	for attempt := 1; attempt <= maxMergeAttempts; attempt++ {
		current, err := s.store.GetApproval(ctx, approvalID)
		if err != nil {
			return store.Approval{}, false, err
		}
		if current.Status.Terminal() {
			return current, false, nil
		}
		merged, changed := mergeSignature(current.Signature, env)
		if !changed {
			return current, false, nil
		}
		updated, err := s.store.UpdateSignature(ctx, approvalID, current.Version, merged, s.now())
		if errors.Is(err, store.ErrConflict) {
			s.log.Debug().Str("approval_id", approvalID).Int("attempt", attempt).Msg("signature merge lost a race, retrying")
			continue
		}
		if err != nil {
			return store.Approval{}, false, err
		}
		return updated, true, nil
	}
	return store.Approval{}, false, domainError(KindApprovalBusy, "Approval is being updated, retry shortly", map[string]any{"approvalId": approvalID}).retryable()
}

// fetchEnvelope collapses concurrent live lookups of the same envelope. The
// shared call runs detached from any single caller, so one cancelled request
// cannot fail the others waiting on it; each caller still stops waiting when
// its own ctx is done.
func (s *Service) fetchEnvelope(ctx context.Context, envelopeID string) (signature.Envelope, error) {
	flight := s.refreshes.DoChan(envelopeID, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), liveFetchTimeout)
		defer cancel()
		return s.provider.GetEnvelopeStatus(shared, envelopeID)
	})
	select {
	case <-ctx.Done():
		return signature.Envelope{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return signature.Envelope{}, res.Err
		}
		return res.Val.(signature.Envelope), nil
	}
}

// createFailure translates adapter errors raised while creating an envelope.
func createFailure(err error) error {
	var providerErr *signature.ProviderError
	switch {
	case errors.Is(err, signature.ErrNotConfigured):
		return domainError(KindNotConfigured, "Signature provider is not configured", nil).wrap(err)
	case errors.As(err, &providerErr):
		return domainError(KindProviderRequestFailed, "Signature provider request failed", map[string]any{"statusCode": providerErr.StatusCode}).retryable().wrap(err)
	case errors.Is(err, signature.ErrMalformedResponse):
		return domainError(KindMalformedProviderResponse, "Signature provider returned an unusable response", nil).wrap(err)
	default:
		return domainError(KindProviderRequestFailed, "Signature provider unreachable", nil).retryable().wrap(err)
	}
}

// refreshFailure translates any adapter error raised during a live status
// check. A missing configuration cannot succeed on retry.
func refreshFailure(err error) error {
	details := map[string]any{"reason": string(createFailure(err).(*DomainError).Code)}
	var providerErr *signature.ProviderError
	if errors.As(err, &providerErr) {
		details["statusCode"] = providerErr.StatusCode
	}
	domainErr := domainError(KindUnableToRefresh, "Unable to refresh signature status", details).wrap(err)
	if !errors.Is(err, signature.ErrNotConfigured) {
		domainErr.retryable()
	}
	return domainErr
}
