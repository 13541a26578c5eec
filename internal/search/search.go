package search

import (
	"time"

	"github.com/ligarius/ams-sub000/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID              string `json:"id"`
	ProjectID       string `json:"projectId"`
	Title           string `json:"title"`
	Snippet         string `json:"snippet"`
	Status          string `json:"status"`
	SignatureStatus string `json:"signatureStatus"`
}

// Query describes a search request. ProjectID is mandatory.
type Query struct {
	Text      string
	ProjectID string
	Limit     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ApprovalRecord is the data we index for an approval.
type ApprovalRecord struct {
	ID              string `json:"id"`
	ProjectID       string `json:"projectId"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Status          string `json:"status"`
	SignatureStatus string `json:"signatureStatus"`
	CreatedAt       string `json:"createdAt"`
}

func RecordFromApproval(item store.Approval) ApprovalRecord {
	record := ApprovalRecord{
		ID:              item.ID,
		ProjectID:       item.ProjectID,
		Title:           item.Title,
		Status:          string(item.Status),
		SignatureStatus: string(item.Signature.Status),
		CreatedAt:       item.CreatedAt.UTC().Format(time.RFC3339),
	}
	if item.Description != nil {
		record.Description = *item.Description
	}
	return record
}

func resultFromApproval(item store.Approval) Result {
	result := Result{
		ID:              item.ID,
		ProjectID:       item.ProjectID,
		Title:           item.Title,
		Status:          string(item.Status),
		SignatureStatus: string(item.Signature.Status),
	}
	if item.Description != nil {
		result.Snippet = snippet(*item.Description, 160)
	}
	return result
}

func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
