package app

import (
	"time"

	"github.com/ligarius/ams-sub000/internal/rbac"
	"github.com/ligarius/ams-sub000/internal/store"
)

type approvalView struct {
	ID                   string     `json:"id"`
	ProjectID            string     `json:"projectId"`
	Title                string     `json:"title"`
	Description          *string    `json:"description"`
	Status               string     `json:"status"`
	CreatedByID          string     `json:"createdById"`
	DecidedByID          *string    `json:"decidedById"`
	DecidedAt            *time.Time `json:"decidedAt"`
	DecisionComment      *string    `json:"decisionComment"`
	SignatureEnvelopeID  string     `json:"signatureEnvelopeId"`
	SignatureDocumentID  *string    `json:"signatureDocumentId"`
	SignatureURL         *string    `json:"signatureUrl"`
	SignatureStatus      string     `json:"signatureStatus"`
	SignatureSentAt      *time.Time `json:"signatureSentAt"`
	SignatureCompletedAt *time.Time `json:"signatureCompletedAt"`
	SignatureDeclinedAt  *time.Time `json:"signatureDeclinedAt"`
	Version              int64      `json:"version"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// newApprovalView renders an approval for viewer; signatureUrl is only shown to the signing party.
func newApprovalView(item store.Approval, viewer rbac.Role) approvalView {
	view := approvalView{
		ID:                   item.ID,
		ProjectID:            item.ProjectID,
		Title:                item.Title,
		Description:          item.Description,
		Status:               string(item.Status),
		CreatedByID:          item.CreatedByID,
		SignatureEnvelopeID:  item.Signature.EnvelopeID,
		SignatureDocumentID:  item.Signature.DocumentID,
		SignatureStatus:      string(item.Signature.Status),
		SignatureSentAt:      item.Signature.SentAt,
		SignatureCompletedAt: item.Signature.CompletedAt,
		SignatureDeclinedAt:  item.Signature.DeclinedAt,
		Version:              item.Version,
		CreatedAt:            item.CreatedAt,
		UpdatedAt:            item.UpdatedAt,
	}
	if rbac.CanViewSigningURL(viewer) {
		view.SignatureURL = item.Signature.URL
	}
	if item.Decision != nil {
		decidedBy := item.Decision.DecidedByID
		decidedAt := item.Decision.DecidedAt
		view.DecidedByID = &decidedBy
		view.DecidedAt = &decidedAt
		if item.Decision.Comment != "" {
			comment := item.Decision.Comment
			view.DecisionComment = &comment
		}
	}
	return view
}

func newApprovalViews(items []store.Approval, viewer rbac.Role) []approvalView {
	views := make([]approvalView, 0, len(items))
	for _, item := range items {
		views = append(views, newApprovalView(item, viewer))
	}
	return views
}

type auditEventView struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actorId"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"createdAt"`
}

func newAuditEventViews(events []store.AuditEvent) []auditEventView {
	views := make([]auditEventView, 0, len(events))
	for _, event := range events {
		details := event.Details
		if details == nil {
			details = map[string]any{}
		}
		views = append(views, auditEventView{
			ID:        event.ID,
			ActorID:   event.ActorID,
			Action:    event.Action,
			Details:   details,
			CreatedAt: event.CreatedAt,
		})
	}
	return views
}
