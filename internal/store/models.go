package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/ligarius/ams-sub000/internal/signature"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-set lost: the row changed since it was read,
	// or a unique key already exists.
	ErrConflict = errors.New("conflict")
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

func (s ApprovalStatus) Valid() bool {
	return s == ApprovalPending || s == ApprovalApproved || s == ApprovalRejected
}

func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// Decision is present exactly when the approval left PENDING.
type Decision struct {
	DecidedByID string
	DecidedAt   time.Time
	Comment     string
}

// SignatureState mirrors the provider envelope on the approval row.
// EnvelopeID never changes after insert; EventAt is the newest event time merged.
type SignatureState struct {
	EnvelopeID  string
	DocumentID  *string
	URL         *string
	Status      signature.Status
	SentAt      *time.Time
	CompletedAt *time.Time
	DeclinedAt  *time.Time
	EventAt     *time.Time
}

type Approval struct {
	ID          string
	ProjectID   string
	Title       string
	Description *string
	Status      ApprovalStatus
	CreatedByID string
	Decision    *Decision
	Signature   SignatureState
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the row-level invariants before a write.
func (a Approval) Validate() error {
	if !a.Status.Valid() {
		return fmt.Errorf("invalid approval status %q", a.Status)
	}
	if (a.Status == ApprovalPending) != (a.Decision == nil) {
		return fmt.Errorf("approval %s: decision must be set iff status is not PENDING", a.ID)
	}
	if a.Decision != nil && (a.Decision.DecidedByID == "" || a.Decision.DecidedAt.IsZero()) {
		return fmt.Errorf("approval %s: decision requires decider and time", a.ID)
	}
	if a.Signature.EnvelopeID == "" {
		return fmt.Errorf("approval %s: signature envelope id is required", a.ID)
	}
	if !a.Signature.Status.Valid() {
		return fmt.Errorf("approval %s: invalid signature status %q", a.ID, a.Signature.Status)
	}
	return nil
}

type AuditEvent struct {
	ID         string
	ProjectID  string
	ApprovalID string
	ActorID    string
	Action     string
	Details    map[string]any
	CreatedAt  time.Time
}
