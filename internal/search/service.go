package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service tries Meilisearch first and falls back to the approval store.
type Service struct {
	meili    *Meili
	fallback *StoreSearcher
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback *StoreSearcher, log zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log.With().Str("component", "search").Logger()}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to store search")
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Str("project_id", q.ProjectID).Msg("store search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexApproval pushes the record to Meilisearch without blocking the caller.
func (s *Service) IndexApproval(record ApprovalRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexApproval(record); err != nil {
			s.log.Warn().Err(err).Str("approval_id", record.ID).Msg("index approval failed")
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
