// Package search is the query-time facade over the embedding provider and
// the vector index.
package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/khurshedz/lexrag/internal/embed"
	"github.com/khurshedz/lexrag/internal/index"
)

// DefaultTimeout bounds one search round trip (embedding call plus index
// query). Expiry degrades to an empty result, never a partial index write.
const DefaultTimeout = 15 * time.Second

// DefaultLimit is the result count when the caller does not specify one.
const DefaultLimit = 5

// Fragment is one ranked retrieval hit with source attribution.
type Fragment struct {
	Content  string         `json:"content"`
	Metadata index.Metadata `json:"metadata"`
	Distance float64        `json:"distance"`
}

// Response is the shaped search result. Sources lists distinct document
// titles in rank order for citation display; Results keeps every fragment
// for context assembly.
type Response struct {
	Results []Fragment `json:"results"`
	Sources []string   `json:"sources"`
	Query   string     `json:"query"`
	Total   int        `json:"total"`
}

// Service answers retrieval queries.
type Service struct {
	embedder embed.Provider
	index    index.Index
	timeout  time.Duration
	logger   *slog.Logger
}

// NewService creates a Service. A non-positive timeout selects the default.
func NewService(embedder embed.Provider, idx index.Index, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{embedder: embedder, index: idx, timeout: timeout, logger: logger}
}

// Search embeds the query and returns the k nearest fragments, optionally
// restricted to the given document categories. An empty query or a degraded
// index yields an empty result, not an error; the chat flow upstream must
// never see an exception from here.
func (s *Service) Search(ctx context.Context, query string, k int, documentTypes []string) (*Response, error) {
	resp := &Response{Results: []Fragment{}, Sources: []string{}, Query: query}
	if query == "" {
		return resp, nil
	}
	if k <= 0 {
		k = DefaultLimit
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		s.logger.Warn("Query embedding failed", "error", err)
		return resp, nil
	}

	var filter *index.Filter
	if len(documentTypes) > 0 {
		filter = &index.Filter{DocumentTypes: documentTypes}
	}

	hits, err := s.index.Query(ctx, vectors[0], k, filter)
	if err != nil {
		s.logger.Warn("Index query failed", "error", err)
		return resp, nil
	}

	seen := make(map[string]struct{})
	for _, hit := range hits {
		resp.Results = append(resp.Results, Fragment{
			Content:  hit.Text,
			Metadata: hit.Meta,
			Distance: hit.Distance,
		})
		if title := hit.Meta.DocumentTitle; title != "" {
			if _, dup := seen[title]; !dup {
				seen[title] = struct{}{}
				resp.Sources = append(resp.Sources, title)
			}
		}
	}
	resp.Total = len(resp.Results)
	return resp, nil
}
