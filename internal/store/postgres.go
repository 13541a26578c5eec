package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ligarius/ams-sub000/internal/signature"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const approvalColumns = `
	id, project_id, title, description, status, created_by_id,
	decided_by_id, decided_at, decision_comment,
	signature_envelope_id, signature_document_id, signature_url, signature_status,
	signature_sent_at, signature_completed_at, signature_declined_at, signature_event_at,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (Approval, error) {
	var (
		item            Approval
		status          string
		signatureStatus string
		decidedByID     *string
		decidedAt       *time.Time
		decisionComment *string
	)
	err := row.Scan(
		&item.ID, &item.ProjectID, &item.Title, &item.Description, &status, &item.CreatedByID,
		&decidedByID, &decidedAt, &decisionComment,
		&item.Signature.EnvelopeID, &item.Signature.DocumentID, &item.Signature.URL, &signatureStatus,
		&item.Signature.SentAt, &item.Signature.CompletedAt, &item.Signature.DeclinedAt, &item.Signature.EventAt,
		&item.Version, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Approval{}, err
	}
	item.Status = ApprovalStatus(status)
	item.Signature.Status = signature.Status(signatureStatus)
	if decidedByID != nil && decidedAt != nil {
		item.Decision = &Decision{DecidedByID: *decidedByID, DecidedAt: *decidedAt}
		if decisionComment != nil {
			item.Decision.Comment = *decisionComment
		}
	}
	return item, nil
}

func (s *PostgresStore) InsertApproval(ctx context.Context, item Approval) error {
	if err := item.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (
			id, project_id, title, description, status, created_by_id,
			signature_envelope_id, signature_document_id, signature_url, signature_status,
			signature_sent_at, signature_completed_at, signature_declined_at, signature_event_at,
			version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $15)
	`,
		item.ID, item.ProjectID, item.Title, item.Description, string(item.Status), item.CreatedByID,
		item.Signature.EnvelopeID, item.Signature.DocumentID, item.Signature.URL, string(item.Signature.Status),
		item.Signature.SentAt, item.Signature.CompletedAt, item.Signature.DeclinedAt, item.Signature.EventAt,
		item.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert approval: %w", ErrConflict)
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	item, err := scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=$1`, approvalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	if err != nil {
		return Approval{}, fmt.Errorf("get approval: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) FindApprovalByEnvelope(ctx context.Context, envelopeID string) (Approval, error) {
	item, err := scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE signature_envelope_id=$1`, envelopeID))
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	if err != nil {
		return Approval{}, fmt.Errorf("find approval by envelope: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, projectID string) ([]Approval, error) {
	return s.queryApprovals(ctx, "list approvals", `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE project_id=$1
		ORDER BY created_at DESC
	`, projectID)
}

func (s *PostgresStore) SearchApprovals(ctx context.Context, projectID, query string, limit int) ([]Approval, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	return s.queryApprovals(ctx, "search approvals", `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE project_id=$1
			AND (title ILIKE $2 ESCAPE '\' OR COALESCE(description, '') ILIKE $2 ESCAPE '\')
		ORDER BY created_at DESC
		LIMIT $3
	`, projectID, pattern, limit)
}

func (s *PostgresStore) queryApprovals(ctx context.Context, op, query string, args ...any) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		item, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

// UpdateSignature writes the signature mirror if the row is still at expectedVersion.
// The envelope id column is never touched.
func (s *PostgresStore) UpdateSignature(ctx context.Context, approvalID string, expectedVersion int64, sig SignatureState, at time.Time) (Approval, error) {
	item, err := scanApproval(s.db.QueryRowContext(ctx, `
		UPDATE approvals
		SET signature_document_id=$3, signature_url=$4, signature_status=$5,
			signature_sent_at=$6, signature_completed_at=$7, signature_declined_at=$8, signature_event_at=$9,
			version=version+1, updated_at=$10
		WHERE id=$1 AND version=$2
		RETURNING `+approvalColumns,
		approvalID, expectedVersion,
		sig.DocumentID, sig.URL, string(sig.Status),
		sig.SentAt, sig.CompletedAt, sig.DeclinedAt, sig.EventAt, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, s.missingOrConflict(ctx, approvalID)
	}
	if err != nil {
		return Approval{}, fmt.Errorf("update approval signature: %w", err)
	}
	return item, nil
}

// DecideApproval moves a PENDING row at expectedVersion to a terminal status,
// writing the signature mirror in the same statement.
func (s *PostgresStore) DecideApproval(ctx context.Context, approvalID string, expectedVersion int64, status ApprovalStatus, decision Decision, sig SignatureState) (Approval, error) {
	if !status.Terminal() {
		return Approval{}, fmt.Errorf("decide approval: %q is not a decision", status)
	}
	item, err := scanApproval(s.db.QueryRowContext(ctx, `
		UPDATE approvals
		SET status=$3, decided_by_id=$4, decided_at=$5, decision_comment=NULLIF($6, ''),
			signature_document_id=$7, signature_url=$8, signature_status=$9,
			signature_sent_at=$10, signature_completed_at=$11, signature_declined_at=$12, signature_event_at=$13,
			version=version+1, updated_at=$5
		WHERE id=$1 AND version=$2 AND status='PENDING'
		RETURNING `+approvalColumns,
		approvalID, expectedVersion, string(status), decision.DecidedByID, decision.DecidedAt, decision.Comment,
		sig.DocumentID, sig.URL, string(sig.Status),
		sig.SentAt, sig.CompletedAt, sig.DeclinedAt, sig.EventAt,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, s.missingOrConflict(ctx, approvalID)
	}
	if err != nil {
		return Approval{}, fmt.Errorf("decide approval: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) missingOrConflict(ctx context.Context, approvalID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM approvals WHERE id=$1)`, approvalID).Scan(&exists); err != nil {
		return fmt.Errorf("check approval: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, project_id, approval_id, actor_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, event.ID, event.ProjectID, event.ApprovalID, event.ActorID, event.Action, string(encoded), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, approvalID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, approval_id, actor_id, action, details, created_at
		FROM audit_events
		WHERE approval_id=$1
		ORDER BY created_at ASC, id ASC
	`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var (
			item    AuditEvent
			details []byte
		)
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.ApprovalID, &item.ActorID, &item.Action, &details, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &item.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
