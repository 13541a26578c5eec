package search

import (
	"context"
	"strings"

	"github.com/ligarius/ams-sub000/internal/store"
)

type approvalFinder interface {
	SearchApprovals(ctx context.Context, projectID, query string, limit int) ([]store.Approval, error)
}

// StoreSearcher answers searches from the approval store when Meilisearch is absent or down.
type StoreSearcher struct {
	store approvalFinder
}

func NewStoreSearcher(finder approvalFinder) *StoreSearcher {
	return &StoreSearcher{store: finder}
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	items, err := s.store.SearchApprovals(ctx, q.ProjectID, q.Text, q.Limit)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, resultFromApproval(item))
	}
	return results, len(results), nil
}
