package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps approvals in process. It offers the same compare-and-set
// semantics as PostgresStore and backs the `memory` driver and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	approvals  map[string]Approval
	byEnvelope map[string]string
	audit      []AuditEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals:  make(map[string]Approval),
		byEnvelope: make(map[string]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) InsertApproval(_ context.Context, item Approval) error {
	if err := item.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[item.ID]; ok {
		return fmt.Errorf("insert approval: %w", ErrConflict)
	}
	if _, ok := s.byEnvelope[item.Signature.EnvelopeID]; ok {
		return fmt.Errorf("insert approval: %w", ErrConflict)
	}
	item.Version = 1
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	s.approvals[item.ID] = cloneApproval(item)
	s.byEnvelope[item.Signature.EnvelopeID] = item.ID
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, approvalID string) (Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.approvals[approvalID]
	if !ok {
		return Approval{}, ErrNotFound
	}
	return cloneApproval(item), nil
}

func (s *MemoryStore) FindApprovalByEnvelope(_ context.Context, envelopeID string) (Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approvalID, ok := s.byEnvelope[envelopeID]
	if !ok {
		return Approval{}, ErrNotFound
	}
	return cloneApproval(s.approvals[approvalID]), nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, projectID string) ([]Approval, error) {
	return s.filter(projectID, func(Approval) bool { return true }, 0), nil
}

func (s *MemoryStore) SearchApprovals(_ context.Context, projectID, query string, limit int) ([]Approval, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	return s.filter(projectID, func(item Approval) bool {
		if strings.Contains(strings.ToLower(item.Title), needle) {
			return true
		}
		return item.Description != nil && strings.Contains(strings.ToLower(*item.Description), needle)
	}, limit), nil
}

func (s *MemoryStore) filter(projectID string, keep func(Approval) bool, limit int) []Approval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Approval, 0)
	for _, item := range s.approvals {
		if item.ProjectID == projectID && keep(item) {
			items = append(items, cloneApproval(item))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (s *MemoryStore) UpdateSignature(_ context.Context, approvalID string, expectedVersion int64, sig SignatureState, at time.Time) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.approvals[approvalID]
	if !ok {
		return Approval{}, ErrNotFound
	}
	if item.Version != expectedVersion {
		return Approval{}, ErrConflict
	}
	sig.EnvelopeID = item.Signature.EnvelopeID
	item.Signature = sig
	item.Version++
	item.UpdatedAt = at
	s.approvals[approvalID] = cloneApproval(item)
	return cloneApproval(item), nil
}

func (s *MemoryStore) DecideApproval(_ context.Context, approvalID string, expectedVersion int64, status ApprovalStatus, decision Decision, sig SignatureState) (Approval, error) {
	if !status.Terminal() {
		return Approval{}, fmt.Errorf("decide approval: %q is not a decision", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.approvals[approvalID]
	if !ok {
		return Approval{}, ErrNotFound
	}
	if item.Version != expectedVersion || item.Status != ApprovalPending {
		return Approval{}, ErrConflict
	}
	sig.EnvelopeID = item.Signature.EnvelopeID
	item.Status = status
	item.Decision = &decision
	item.Signature = sig
	item.Version++
	item.UpdatedAt = decision.DecidedAt
	if err := item.Validate(); err != nil {
		return Approval{}, err
	}
	s.approvals[approvalID] = cloneApproval(item)
	return cloneApproval(item), nil
}

func (s *MemoryStore) InsertAuditEvent(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Details = maps.Clone(event.Details)
	s.audit = append(s.audit, event)
	return nil
}

func (s *MemoryStore) ListAuditEvents(_ context.Context, approvalID string) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]AuditEvent, 0)
	for _, event := range s.audit {
		if event.ApprovalID == approvalID {
			event.Details = maps.Clone(event.Details)
			items = append(items, event)
		}
	}
	return items, nil
}

func cloneApproval(item Approval) Approval {
	item.Description = cloneString(item.Description)
	if item.Decision != nil {
		decision := *item.Decision
		item.Decision = &decision
	}
	item.Signature.DocumentID = cloneString(item.Signature.DocumentID)
	item.Signature.URL = cloneString(item.Signature.URL)
	item.Signature.SentAt = cloneTime(item.Signature.SentAt)
	item.Signature.CompletedAt = cloneTime(item.Signature.CompletedAt)
	item.Signature.DeclinedAt = cloneTime(item.Signature.DeclinedAt)
	item.Signature.EventAt = cloneTime(item.Signature.EventAt)
	return item
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
