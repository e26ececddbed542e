// Package index owns nearest-neighbor search over chunk embeddings.
//
// Two backends implement the same contract: a Qdrant collection and a local
// flat file. Duplicate-id upserts replace the existing record in both, so a
// partially failed ingestion can always be repaired by reprocessing.
package index

import (
	"context"
	"errors"
)

var (
	ErrUnavailable       = errors.New("vector index unavailable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Metadata travels with every record for result shaping and filtering.
type Metadata struct {
	DocumentID    int64  `json:"document_id"`
	DocumentTitle string `json:"document_title"`
	DocumentType  string `json:"document_type"`
	ChunkIndex    int    `json:"chunk_index"`
}

// Record is one indexed chunk. Text is duplicated from the relational store
// so retrieval needs no join.
type Record struct {
	ID     string
	Text   string
	Vector []float32
	Meta   Metadata
}

// Result is a query hit. Distance is cosine distance: lower is closer.
type Result struct {
	ID       string
	Text     string
	Meta     Metadata
	Distance float64
}

// Filter narrows the candidate set before ranking.
type Filter struct {
	DocumentTypes []string
}

func (f *Filter) matches(meta Metadata) bool {
	if f == nil || len(f.DocumentTypes) == 0 {
		return true
	}
	for _, t := range f.DocumentTypes {
		if meta.DocumentType == t {
			return true
		}
	}
	return false
}

// Stats describes the index contents.
type Stats struct {
	TotalRecords   int    `json:"total_chunks"`
	TotalDocuments int    `json:"total_documents"`
	Backend        string `json:"backend"`
	Degraded       bool   `json:"degraded"`
}

// Index is the similarity-search contract both backends satisfy.
type Index interface {
	// Upsert adds records, replacing any with the same id.
	Upsert(ctx context.Context, records []Record) error
	// Query returns at most k results ordered by ascending distance.
	Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Result, error)
	// Delete removes records by id. Missing ids are a no-op.
	Delete(ctx context.Context, ids []string) error
	// Persist writes the index to durable storage, all-or-nothing.
	Persist(ctx context.Context) error
	// Load restores the last persisted state.
	Load(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Disabled is the relational-only degraded mode, used when the configured
// backend fails to initialize. Ingestion proceeds (chunk rows are still
// written), search returns nothing, and Stats exposes the degradation.
type Disabled struct{}

// NewDisabled returns the degraded no-vector index.
func NewDisabled() Disabled { return Disabled{} }

func (Disabled) Upsert(context.Context, []Record) error { return nil }

func (Disabled) Query(context.Context, []float32, int, *Filter) ([]Result, error) {
	return nil, nil
}

func (Disabled) Delete(context.Context, []string) error { return nil }
func (Disabled) Persist(context.Context) error          { return nil }
func (Disabled) Load(context.Context) error             { return nil }

func (Disabled) Stats(context.Context) (Stats, error) {
	return Stats{Backend: "disabled", Degraded: true}, nil
}

func (Disabled) Close() error { return nil }
