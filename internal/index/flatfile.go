package index

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FlatFile is a brute-force in-process index persisted as a single gob file.
// It serves single-node deployments where running a vector database is not
// worth the operational cost; queries scan every record.
type FlatFile struct {
	mu        sync.RWMutex
	path      string
	dimension int
	records   map[string]Record
}

// NewFlatFile creates the index and loads the existing file at path if one
// is present. A missing file is a fresh index; an unreadable one is an error
// so the caller can decide to run degraded instead.
func NewFlatFile(path string, dimension int) (*FlatFile, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: invalid dimension %d", ErrUnavailable, dimension)
	}
	f := &FlatFile{
		path:      path,
		dimension: dimension,
		records:   make(map[string]Record),
	}
	if err := f.Load(context.Background()); err != nil {
		return nil, err
	}
	return f, nil
}

// Upsert implements Index. Existing ids are replaced.
func (f *FlatFile) Upsert(_ context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rec := range records {
		if len(rec.Vector) != f.dimension {
			return fmt.Errorf("%w: record %s has %d dimensions, expected %d",
				ErrDimensionMismatch, rec.ID, len(rec.Vector), f.dimension)
		}
	}
	for _, rec := range records {
		f.records[rec.ID] = rec
	}
	return nil
}

// Query implements Index: full scan, cosine distance, ascending order.
func (f *FlatFile) Query(_ context.Context, vector []float32, k int, filter *Filter) ([]Result, error) {
	if len(vector) != f.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), f.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	results := make([]Result, 0, len(f.records))
	for _, rec := range f.records {
		if !filter.matches(rec.Meta) {
			continue
		}
		results = append(results, Result{
			ID:       rec.ID,
			Text:     rec.Text,
			Meta:     rec.Meta,
			Distance: cosineDistance(vector, rec.Vector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete implements Index. Unknown ids are ignored.
func (f *FlatFile) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		delete(f.records, id)
	}
	return nil
}

// Persist implements Index. The snapshot is written to a temp file in the
// same directory and renamed over the target, so a crash mid-write leaves
// the previous file intact.
func (f *FlatFile) Persist(_ context.Context) error {
	f.mu.RLock()
	snapshot := make(map[string]Record, len(f.records))
	for id, rec := range f.records {
		snapshot[id] = rec
	}
	f.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".index-*")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(snapshot); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp index file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing index file: %w", err)
	}
	return nil
}

// Load implements Index. A missing file yields an empty index.
func (f *FlatFile) Load(_ context.Context) error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.mu.Lock()
		f.records = make(map[string]Record)
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: opening index file: %v", ErrUnavailable, err)
	}
	defer file.Close()

	records := make(map[string]Record)
	if err := gob.NewDecoder(file).Decode(&records); err != nil {
		return fmt.Errorf("%w: decoding index file: %v", ErrUnavailable, err)
	}

	f.mu.Lock()
	f.records = records
	f.mu.Unlock()
	return nil
}

// Stats implements Index.
func (f *FlatFile) Stats(context.Context) (Stats, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	docs := make(map[int64]struct{})
	for _, rec := range f.records {
		docs[rec.Meta.DocumentID] = struct{}{}
	}
	return Stats{
		TotalRecords:   len(f.records),
		TotalDocuments: len(docs),
		Backend:        "flatfile",
	}, nil
}

// Close implements Index. The file is only written on Persist.
func (f *FlatFile) Close() error { return nil }

// cosineDistance is 1 - cosine similarity, clamped to [0, 2].
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
