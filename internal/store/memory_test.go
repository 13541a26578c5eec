package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ligarius/ams-sub000/internal/signature"
)

func seedApproval(t *testing.T, s *MemoryStore, id, envelopeID string) Approval {
	t.Helper()
	item := Approval{
		ID:          id,
		ProjectID:   "proj-1",
		Title:       "Scope change " + id,
		Status:      ApprovalPending,
		CreatedByID: "user-1",
		Signature:   SignatureState{EnvelopeID: envelopeID, Status: signature.StatusSent},
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.InsertApproval(context.Background(), item); err != nil {
		t.Fatalf("InsertApproval: %v", err)
	}
	stored, err := s.GetApproval(context.Background(), id)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	return stored
}

func TestMemoryStoreInsertRejectsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	seedApproval(t, s, "apr-1", "env-1")

	dup := Approval{ID: "apr-2", ProjectID: "proj-1", Status: ApprovalPending, Signature: SignatureState{EnvelopeID: "env-1", Status: signature.StatusPending}}
	if err := s.InsertApproval(context.Background(), dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate envelope, got %v", err)
	}
}

func TestMemoryStoreInsertValidatesInvariants(t *testing.T) {
	s := NewMemoryStore()
	bad := Approval{ID: "apr-1", Status: ApprovalApproved, Signature: SignatureState{EnvelopeID: "env-1", Status: signature.StatusSigned}}
	if err := s.InsertApproval(context.Background(), bad); err == nil {
		t.Fatal("expected approved approval without decision to be rejected")
	}
	noEnvelope := Approval{ID: "apr-2", Status: ApprovalPending, Signature: SignatureState{Status: signature.StatusPending}}
	if err := s.InsertApproval(context.Background(), noEnvelope); err == nil {
		t.Fatal("expected approval without envelope to be rejected")
	}
}

func TestMemoryStoreUpdateSignatureCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	stored := seedApproval(t, s, "apr-1", "env-1")

	sig := stored.Signature
	sig.Status = signature.StatusSigned
	sig.EnvelopeID = "env-other"
	updated, err := s.UpdateSignature(ctx, "apr-1", stored.Version, sig, time.Now())
	if err != nil {
		t.Fatalf("UpdateSignature: %v", err)
	}
	if updated.Signature.Status != signature.StatusSigned {
		t.Fatalf("expected SIGNED, got %s", updated.Signature.Status)
	}
	if updated.Signature.EnvelopeID != "env-1" {
		t.Fatalf("envelope id must not change, got %s", updated.Signature.EnvelopeID)
	}
	if updated.Version != stored.Version+1 {
		t.Fatalf("expected version bump, got %d", updated.Version)
	}

	if _, err := s.UpdateSignature(ctx, "apr-1", stored.Version, sig, time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}
	if _, err := s.UpdateSignature(ctx, "missing", 1, sig, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreDecideApprovalOnlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	stored := seedApproval(t, s, "apr-1", "env-1")
	decision := Decision{DecidedByID: "user-2", DecidedAt: time.Now().UTC()}

	decided, err := s.DecideApproval(ctx, "apr-1", stored.Version, ApprovalRejected, decision, stored.Signature)
	if err != nil {
		t.Fatalf("DecideApproval: %v", err)
	}
	if decided.Status != ApprovalRejected || decided.Decision == nil || decided.Decision.DecidedByID != "user-2" {
		t.Fatalf("unexpected decided approval: %+v", decided)
	}

	if _, err := s.DecideApproval(ctx, "apr-1", decided.Version, ApprovalApproved, decision, stored.Signature); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on terminal approval, got %v", err)
	}
	if _, err := s.DecideApproval(ctx, "apr-1", decided.Version, ApprovalPending, decision, stored.Signature); err == nil {
		t.Fatal("expected PENDING to be refused as a decision")
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	stored := seedApproval(t, s, "apr-1", "env-1")

	url := "https://sign/1"
	stored.Signature.URL = &url
	stored.Title = "mutated"

	again, err := s.GetApproval(ctx, "apr-1")
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if again.Signature.URL != nil || again.Title == "mutated" {
		t.Fatal("store must not share state with callers")
	}
}

func TestMemoryStoreAuditDetailsAreCopied(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	details := map[string]any{"source": "webhook"}
	event := AuditEvent{ID: "aud-1", ProjectID: "proj-1", ApprovalID: "apr-1", ActorID: "user-1", Action: "approval.signature_synced", Details: details}
	if err := s.InsertAuditEvent(ctx, event); err != nil {
		t.Fatalf("InsertAuditEvent: %v", err)
	}
	details["source"] = "mutated by caller"

	listed, err := s.ListAuditEvents(ctx, "apr-1")
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListAuditEvents: %v %v", listed, err)
	}
	if got := listed[0].Details["source"]; got != "webhook" {
		t.Fatalf("stored details changed through caller map: %v", got)
	}
	listed[0].Details["source"] = "mutated by reader"

	again, _ := s.ListAuditEvents(ctx, "apr-1")
	if got := again[0].Details["source"]; got != "webhook" {
		t.Fatalf("stored details changed through listed map: %v", got)
	}
}

func TestMemoryStoreSearchAndList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedApproval(t, s, "apr-1", "env-1")
	seedApproval(t, s, "apr-2", "env-2")
	other := Approval{ID: "apr-3", ProjectID: "proj-2", Title: "Scope change apr-3", Status: ApprovalPending, Signature: SignatureState{EnvelopeID: "env-3", Status: signature.StatusPending}}
	if err := s.InsertApproval(ctx, other); err != nil {
		t.Fatalf("InsertApproval: %v", err)
	}

	items, err := s.ListApprovals(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListApprovals: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 approvals, got %d", len(items))
	}

	found, err := s.SearchApprovals(ctx, "proj-1", "APR-2", 10)
	if err != nil {
		t.Fatalf("SearchApprovals: %v", err)
	}
	if len(found) != 1 || found[0].ID != "apr-2" {
		t.Fatalf("expected apr-2, got %+v", found)
	}

	byEnvelope, err := s.FindApprovalByEnvelope(ctx, "env-3")
	if err != nil || byEnvelope.ID != "apr-3" {
		t.Fatalf("FindApprovalByEnvelope = %+v, %v", byEnvelope, err)
	}
	if _, err := s.FindApprovalByEnvelope(ctx, "env-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
