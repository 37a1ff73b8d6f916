// Package archive indexes submission archive records for operator lookup.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"rebuttal/api/internal/events"
)

type Query struct {
	OrgID  string
	Text   string
	Status string
	Limit  int
	Offset int
}

type Result struct {
	events.ArchiveRecord
	Snippet string `json:"snippet,omitempty"`
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

type Indexer interface {
	Index(ctx context.Context, records ...events.ArchiveRecord) error
}

type primary interface {
	Searcher
	Indexer
}

// Service searches Meilisearch when it is healthy and falls back to Postgres.
type Service struct {
	index    primary
	fallback Searcher
	logger   *slog.Logger
}

// NewService builds the facade. index may be nil when Meilisearch is not configured.
func NewService(index primary, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, fallback: fallback, logger: logger}
}

func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if strings.TrimSpace(q.OrgID) == "" {
		return Response{}, fmt.Errorf("archive search requires an org")
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "index"}, nil
		}
		s.logger.Warn("archive index search failed, falling back to postgres", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Source: "none"}, nil
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "postgres"}, nil
}

// HandleRecord indexes one archive.record outbox payload. It is a no-op without an index.
func (s *Service) HandleRecord(ctx context.Context, payload json.RawMessage) error {
	if s.index == nil {
		return nil
	}
	var rec events.ArchiveRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		s.logger.Warn("dropping malformed archive record", "error", err)
		return nil
	}
	if !s.index.Healthy() {
		return fmt.Errorf("archive index unavailable")
	}
	return s.index.Index(ctx, rec)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
