package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/ligarius/ams-sub000/internal/rbac"
	"github.com/ligarius/ams-sub000/internal/search"
	"github.com/ligarius/ams-sub000/internal/signature"
	"github.com/ligarius/ams-sub000/internal/store"
	"github.com/ligarius/ams-sub000/internal/util"
)

const (
	auditApprovalCreated  = "approval.created"
	auditApprovalApproved = "approval.approved"
	auditApprovalRejected = "approval.rejected"
	auditSignatureSynced  = "approval.signature_synced"

	// providerActorID is recorded as the actor of webhook-driven changes.
	providerActorID = "signature-provider"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 4000
	maxDecisionAttempts  = 3
	defaultSearchLimit   = 20
	maxSearchLimit       = 100
)

type SignerInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type CreateApprovalInput struct {
	Title              string      `json:"title"`
	Description        *string     `json:"description"`
	DocumentTemplateID string      `json:"documentTemplateId"`
	Signer             SignerInput `json:"signer"`
	RedirectURL        *string     `json:"redirectUrl"`
}

type TransitionInput struct {
	Status  string  `json:"status"`
	Comment *string `json:"comment"`
}

func (in CreateApprovalInput) validate() error {
	problems := map[string]any{}
	title := strings.TrimSpace(in.Title)
	switch {
	case title == "":
		problems["title"] = "is required"
	case len([]rune(title)) > maxTitleLength:
		problems["title"] = fmt.Sprintf("must be at most %d characters", maxTitleLength)
	}
	if in.Description != nil && len([]rune(*in.Description)) > maxDescriptionLength {
		problems["description"] = fmt.Sprintf("must be at most %d characters", maxDescriptionLength)
	}
	if strings.TrimSpace(in.DocumentTemplateID) == "" {
		problems["documentTemplateId"] = "is required"
	}
	if strings.TrimSpace(in.Signer.Name) == "" {
		problems["signer.name"] = "is required"
	}
	if email := strings.TrimSpace(in.Signer.Email); email == "" {
		problems["signer.email"] = "is required"
	} else if _, err := mail.ParseAddress(email); err != nil {
		problems["signer.email"] = "must be a valid email address"
	}
	if len(problems) > 0 {
		return domainError(KindValidationFailed, "Invalid approval request", problems)
	}
	return nil
}

// CreateApproval creates the provider envelope first and persists the approval
// only once the provider accepted it, so a failed call leaves nothing behind.
func (s *Service) CreateApproval(ctx context.Context, projectID string, input CreateApprovalInput, actor Actor) (store.Approval, error) {
	if err := s.authorize(actor, rbac.ActionRequest); err != nil {
		return store.Approval{}, err
	}
	if err := input.validate(); err != nil {
		return store.Approval{}, err
	}

	title := strings.TrimSpace(input.Title)
	req := signature.CreateEnvelopeRequest{
		Title:              title,
		DocumentTemplateID: strings.TrimSpace(input.DocumentTemplateID),
		Signer: signature.Signer{
			Name:  strings.TrimSpace(input.Signer.Name),
			Email: strings.TrimSpace(input.Signer.Email),
		},
		CallbackURL: s.callbackURL,
		ProjectID:   projectID,
	}
	if input.RedirectURL != nil {
		req.RedirectURL = *input.RedirectURL
	}

	envelope, err := s.provider.CreateEnvelope(ctx, req)
	if err != nil {
		s.log.Warn().Err(err).Str("project_id", projectID).Msg("create envelope failed")
		return store.Approval{}, createFailure(err)
	}

	now := s.now()
	item := store.Approval{
		ID:          util.NewID("apr"),
		ProjectID:   projectID,
		Title:       title,
		Description: trimmedOrNil(input.Description),
		Status:      store.ApprovalPending,
		CreatedByID: actor.ID,
		Signature:   seedSignature(envelope),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertApproval(ctx, item); err != nil {
		// TODO: void the envelope with the provider once it exposes a void endpoint.
		s.log.Error().Err(err).Str("envelope_id", envelope.EnvelopeID).Str("project_id", projectID).Msg("persist approval failed, envelope left orphaned")
		return store.Approval{}, fmt.Errorf("persist approval: %w", err)
	}
	item.Version = 1

	s.recordAudit(ctx, item, actor.ID, auditApprovalCreated, map[string]any{
		"envelopeId":      item.Signature.EnvelopeID,
		"signatureStatus": string(item.Signature.Status),
		"templateId":      req.DocumentTemplateID,
	})
	s.index(item)
	s.log.Info().Str("approval_id", item.ID).Str("envelope_id", item.Signature.EnvelopeID).Msg("approval requested")
	return item, nil
}

// TransitionApproval decides a PENDING approval. Approving performs a live
// status check with the provider and only succeeds when it reports SIGNED.
func (s *Service) TransitionApproval(ctx context.Context, projectID, approvalID string, input TransitionInput, actor Actor) (store.Approval, error) {
	if err := s.authorize(actor, rbac.ActionDecide); err != nil {
		return store.Approval{}, err
	}
	rawTarget := strings.TrimSpace(input.Status)
	if rawTarget == "" {
		return store.Approval{}, domainError(KindValidationFailed, "status is required", map[string]any{"status": "is required"})
	}
	target := store.ApprovalStatus(strings.ToUpper(rawTarget))

	release, err := s.lockApproval(ctx, approvalID)
	if err != nil {
		return store.Approval{}, err
	}
	defer release()

	current, err := s.loadApproval(ctx, projectID, approvalID)
	if err != nil {
		return store.Approval{}, err
	}
	if current.Status != store.ApprovalPending || !target.Terminal() {
		return store.Approval{}, invalidTransition(current.Status, target)
	}

	decision := store.Decision{DecidedByID: actor.ID, DecidedAt: s.now()}
	if input.Comment != nil {
		decision.Comment = strings.TrimSpace(*input.Comment)
	}

	var live *signature.Envelope
	if target == store.ApprovalApproved {
		envelope, err := s.fetchEnvelope(ctx, current.Signature.EnvelopeID)
		if err != nil {
			s.log.Warn().Err(err).Str("approval_id", approvalID).Str("envelope_id", current.Signature.EnvelopeID).Msg("approve gate: status refresh failed")
			return store.Approval{}, refreshFailure(err)
		}
		live = &envelope
		if envelope.StatusOrPending() != signature.StatusSigned {
			if _, _, err := s.applySignature(ctx, approvalID, envelope); err != nil {
				s.log.Warn().Err(err).Str("approval_id", approvalID).Msg("approve gate: persist refreshed signature failed")
			}
			return store.Approval{}, domainError(KindSignatureNotCompleted, "Signature has not been completed", map[string]any{
				"signatureStatus": string(envelope.StatusOrPending()),
			})
		}
	}

	decided, err := s.decide(ctx, current, target, decision, live)
	if err != nil {
		return store.Approval{}, err
	}

	action := auditApprovalRejected
	if target == store.ApprovalApproved {
		action = auditApprovalApproved
	}
	details := map[string]any{"signatureStatus": string(decided.Signature.Status)}
	if decision.Comment != "" {
		details["comment"] = decision.Comment
	}
	s.recordAudit(ctx, decided, actor.ID, action, details)
	s.index(decided)
	s.log.Info().Str("approval_id", decided.ID).Str("status", string(decided.Status)).Msg("approval decided")
	return decided, nil
}

// decide writes the decision with compare-and-set. A concurrent signature
// merge forces a re-read; a concurrent decision means this one lost.
func (s *Service) decide(ctx context.Context, current store.Approval, target store.ApprovalStatus, decision store.Decision, live *signature.Envelope) (store.Approval, error) {
	for attempt := 1; attempt <= maxDecisionAttempts; attempt++ {
		sig := current.Signature
		if live != nil {
			sig, _ = mergeSignature(sig, *live)
			// The live answer is what the gate approved on.
			sig.Status = live.StatusOrPending()
		}
		decided, err := s.store.DecideApproval(ctx, current.ID, current.Version, target, decision, sig)
		if err == nil {
			return decided, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return store.Approval{}, err
		}
		current, err = s.store.GetApproval(ctx, current.ID)
		if err != nil {
			return store.Approval{}, err
		}
		if current.Status != store.ApprovalPending {
			return store.Approval{}, invalidTransition(current.Status, target)
		}
		if live != nil && current.Signature.Status == signature.StatusRejected {
			// A decline merged while we were deciding outranks the earlier live answer.
			return store.Approval{}, domainError(KindSignatureNotCompleted, "Signature has not been completed", map[string]any{
				"signatureStatus": string(current.Signature.Status),
			})
		}
	}
	return store.Approval{}, domainError(KindApprovalBusy, "Approval is being updated, retry shortly", map[string]any{"approvalId": current.ID}).retryable()
}

// RefreshSignature pulls the live envelope state and merges it into the approval.
func (s *Service) RefreshSignature(ctx context.Context, projectID, approvalID string, actor Actor) (store.Approval, error) {
	if err := s.authorize(actor, rbac.ActionRefresh); err != nil {
		return store.Approval{}, err
	}
	current, err := s.loadApproval(ctx, projectID, approvalID)
	if err != nil {
		return store.Approval{}, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	envelope, err := s.fetchEnvelope(ctx, current.Signature.EnvelopeID)
	if err != nil {
		s.log.Warn().Err(err).Str("approval_id", approvalID).Str("envelope_id", current.Signature.EnvelopeID).Msg("signature refresh failed")
		return store.Approval{}, refreshFailure(err)
	}
	updated, changed, err := s.applySignature(ctx, approvalID, envelope)
	if err != nil {
		return store.Approval{}, err
	}
	if changed {
		s.recordAudit(ctx, updated, actor.ID, auditSignatureSynced, map[string]any{
			"source":          "refresh",
			"signatureStatus": string(updated.Signature.Status),
		})
		s.index(updated)
	}
	return updated, nil
}

func (s *Service) GetApproval(ctx context.Context, projectID, approvalID string, actor Actor) (store.Approval, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return store.Approval{}, err
	}
	return s.loadApproval(ctx, projectID, approvalID)
}

func (s *Service) ListApprovals(ctx context.Context, projectID string, actor Actor) ([]store.Approval, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListApprovals(ctx, projectID)
}

func (s *Service) ListAuditEvents(ctx context.Context, projectID, approvalID string, actor Actor) ([]store.AuditEvent, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.loadApproval(ctx, projectID, approvalID); err != nil {
		return nil, err
	}
	return s.store.ListAuditEvents(ctx, approvalID)
}

func (s *Service) SearchApprovals(ctx context.Context, projectID, query string, limit int, actor Actor) (search.Response, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}, nil
	}
	return s.search.Search(ctx, search.Query{Text: query, ProjectID: projectID, Limit: limit}), nil
}

func invalidTransition(from, to store.ApprovalStatus) error {
	return domainError(KindInvalidStatusTransition, "Invalid status transition", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
