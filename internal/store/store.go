package store

import (
	"context"
	"time"
)

// Store is the persistence surface shared by the Postgres and in-memory backends.
type Store interface {
	Ping(ctx context.Context) error
	InsertApproval(ctx context.Context, item Approval) error
	GetApproval(ctx context.Context, approvalID string) (Approval, error)
	FindApprovalByEnvelope(ctx context.Context, envelopeID string) (Approval, error)
	ListApprovals(ctx context.Context, projectID string) ([]Approval, error)
	SearchApprovals(ctx context.Context, projectID, query string, limit int) ([]Approval, error)
	UpdateSignature(ctx context.Context, approvalID string, expectedVersion int64, sig SignatureState, at time.Time) (Approval, error)
	DecideApproval(ctx context.Context, approvalID string, expectedVersion int64, status ApprovalStatus, decision Decision, sig SignatureState) (Approval, error)
	InsertAuditEvent(ctx context.Context, event AuditEvent) error
	ListAuditEvents(ctx context.Context, approvalID string) ([]AuditEvent, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
