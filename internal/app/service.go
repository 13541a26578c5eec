package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ligarius/ams-sub000/internal/auth"
	"github.com/ligarius/ams-sub000/internal/guard"
	"github.com/ligarius/ams-sub000/internal/rbac"
	"github.com/ligarius/ams-sub000/internal/search"
	"github.com/ligarius/ams-sub000/internal/signature"
	"github.com/ligarius/ams-sub000/internal/store"
	"github.com/ligarius/ams-sub000/internal/util"
)

type approvalStore interface {
	Ping(context.Context) error
	InsertApproval(context.Context, store.Approval) error
	GetApproval(context.Context, string) (store.Approval, error)
	FindApprovalByEnvelope(context.Context, string) (store.Approval, error)
	ListApprovals(context.Context, string) ([]store.Approval, error)
	UpdateSignature(context.Context, string, int64, store.SignatureState, time.Time) (store.Approval, error)
	DecideApproval(context.Context, string, int64, store.ApprovalStatus, store.Decision, store.SignatureState) (store.Approval, error)
	InsertAuditEvent(context.Context, store.AuditEvent) error
	ListAuditEvents(context.Context, string) ([]store.AuditEvent, error)
}

type signatureProvider interface {
	CreateEnvelope(context.Context, signature.CreateEnvelopeRequest) (signature.Envelope, error)
	GetEnvelopeStatus(context.Context, string) (signature.Envelope, error)
	ValidateWebhook(http.Header, []byte) bool
	ParseWebhookEvent([]byte) (signature.Envelope, error)
}

type approvalSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexApproval(search.ApprovalRecord)
}

// Dependencies wires the service. Locker and Deliveries default to the
// in-process guard; Search may be nil.
type Dependencies struct {
	Store       approvalStore
	Provider    signatureProvider
	Locker      guard.Locker
	Deliveries  guard.Deliveries
	Search      approvalSearch
	Logger      zerolog.Logger
	TokenSecret []byte
	CallbackURL string
	DedupeTTL   time.Duration
}

type Service struct {
	store       approvalStore
	provider    signatureProvider
	locks       guard.Locker
	deliveries  guard.Deliveries
	search      approvalSearch
	log         zerolog.Logger
	tokenSecret []byte
	callbackURL string
	dedupeTTL   time.Duration
	refreshes   singleflight.Group
	now         func() time.Time
}

// Actor is the authenticated caller of the approvals API.
type Actor struct {
	ID   string
	Name string
	Role rbac.Role
}

func New(deps Dependencies) *Service {
	s := &Service{
		store:       deps.Store,
		provider:    deps.Provider,
		locks:       deps.Locker,
		deliveries:  deps.Deliveries,
		search:      deps.Search,
		log:         deps.Logger,
		tokenSecret: deps.TokenSecret,
		callbackURL: deps.CallbackURL,
		dedupeTTL:   deps.DedupeTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.locks == nil {
		s.locks = guard.NewLocalLocker()
	}
	if s.deliveries == nil {
		s.deliveries = guard.NewLocalDeliveries()
	}
	if s.dedupeTTL <= 0 {
		s.dedupeTTL = 24 * time.Hour
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ActorFromToken verifies a bearer token and returns the actor it names.
func (s *Service) ActorFromToken(token string) (Actor, error) {
	if strings.TrimSpace(token) == "" {
		return Actor{}, domainError(KindUnauthorized, "Unauthorized", nil)
	}
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return Actor{}, domainError(KindUnauthorized, "Unauthorized", nil).wrap(err)
	}
	return Actor{ID: claims.Sub, Name: claims.Name, Role: rbac.Normalize(claims.Role)}, nil
}

func (s *Service) authorize(actor Actor, action rbac.Action) error {
	if !rbac.Can(actor.Role, action) {
		return domainError(KindForbidden, "Forbidden", map[string]any{"action": string(action), "role": string(actor.Role)})
	}
	return nil
}

// loadApproval treats a project mismatch the same as a missing row.
func (s *Service) loadApproval(ctx context.Context, projectID, approvalID string) (store.Approval, error) {
	item, err := s.store.GetApproval(ctx, approvalID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && item.ProjectID != projectID) {
		return store.Approval{}, domainError(KindApprovalNotFound, "Approval not found", map[string]any{"approvalId": approvalID})
	}
	if err != nil {
		return store.Approval{}, err
	}
	return item, nil
}

func (s *Service) lockApproval(ctx context.Context, approvalID string) (func(), error) {
	release, err := s.locks.Acquire(ctx, approvalID)
	if errors.Is(err, guard.ErrLockTimeout) {
		return nil, domainError(KindApprovalBusy, "Approval is being updated, retry shortly", map[string]any{"approvalId": approvalID}).retryable()
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (s *Service) recordAudit(ctx context.Context, item store.Approval, actorID, action string, details map[string]any) {
	event := store.AuditEvent{
		ID:         util.NewID("aud"),
		ProjectID:  item.ProjectID,
		ApprovalID: item.ID,
		ActorID:    actorID,
		Action:     action,
		Details:    details,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertAuditEvent(ctx, event); err != nil {
		s.log.Error().Err(err).Str("approval_id", item.ID).Str("action", action).Msg("record audit event failed")
	}
}

func (s *Service) index(item store.Approval) {
	if s.search == nil {
		return
	}
	s.search.IndexApproval(search.RecordFromApproval(item))
}
