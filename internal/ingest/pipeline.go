// Package ingest orchestrates document processing: extract, chunk, embed,
// index. The document row's status is the single tracking mechanism for
// in-flight work; there are no untracked background threads to lose.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khurshedz/lexrag/internal/chunk"
	"github.com/khurshedz/lexrag/internal/embed"
	"github.com/khurshedz/lexrag/internal/extract"
	"github.com/khurshedz/lexrag/internal/index"
	"github.com/khurshedz/lexrag/internal/store"
)

// ErrIngestInProgress rejects a second ingestion request for a document that
// already has one in flight. Callers surface it to the user; the request is
// neither queued nor retried silently.
var ErrIngestInProgress = errors.New("ingestion already in progress for this document")

// Pipeline drives a document through pending -> processing -> ready|error.
type Pipeline struct {
	store     *store.Store
	extractor extract.Extractor
	chunker   *chunk.Chunker
	embedder  embed.Provider
	index     index.Index
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// NewPipeline wires the ingestion components together.
func NewPipeline(
	st *store.Store,
	extractor extract.Extractor,
	chunker *chunk.Chunker,
	embedder embed.Provider,
	idx index.Index,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     st,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     idx,
		logger:    logger,
		inflight:  make(map[int64]struct{}),
	}
}

// Process ingests a document from its stored file. At most one ingestion per
// document id runs at a time; concurrent callers get ErrIngestInProgress.
// Different documents may be processed concurrently.
func (p *Pipeline) Process(ctx context.Context, documentID int64) error {
	if !p.acquire(documentID) {
		return ErrIngestInProgress
	}
	defer p.release(documentID)

	return p.process(ctx, documentID)
}

// ProcessAsync reserves the per-document slot, then runs ingestion on a
// background goroutine. The caller learns about a conflict immediately;
// completion is tracked through the document's status, not the goroutine.
func (p *Pipeline) ProcessAsync(documentID int64) error {
	if !p.acquire(documentID) {
		return ErrIngestInProgress
	}
	go func() {
		defer p.release(documentID)
		if err := p.process(context.Background(), documentID); err != nil {
			p.logger.Warn("Background ingestion failed", "document_id", documentID, "error", err)
		}
	}()
	return nil
}

// ReprocessAsync is ProcessAsync preceded by a purge of existing chunks and
// vector records.
func (p *Pipeline) ReprocessAsync(documentID int64) error {
	if !p.acquire(documentID) {
		return ErrIngestInProgress
	}
	go func() {
		defer p.release(documentID)
		ctx := context.Background()
		if err := p.purge(ctx, documentID); err != nil {
			p.logger.Warn("Background purge failed", "document_id", documentID, "error", err)
			return
		}
		if err := p.process(ctx, documentID); err != nil {
			p.logger.Warn("Background reprocess failed", "document_id", documentID, "error", err)
		}
	}()
	return nil
}

// Reprocess clears a document's chunks and vector records, then ingests it
// again from the original file.
func (p *Pipeline) Reprocess(ctx context.Context, documentID int64) error {
	if !p.acquire(documentID) {
		return ErrIngestInProgress
	}
	defer p.release(documentID)

	if err := p.purge(ctx, documentID); err != nil {
		return err
	}
	return p.process(ctx, documentID)
}

// Delete removes a document, its chunks and its vector records. A failing
// vector purge is logged as a warning and does not block the relational
// delete; a later index rebuild reconciles the leftovers.
func (p *Pipeline) Delete(ctx context.Context, documentID int64) error {
	if !p.acquire(documentID) {
		return ErrIngestInProgress
	}
	defer p.release(documentID)

	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	ids, err := p.store.VectorIDs(ctx, documentID)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := p.index.Delete(ctx, ids); err != nil {
			p.logger.Warn("Failed to purge vector records, continuing with delete",
				"document_id", documentID, "records", len(ids), "error", err)
		} else if err := p.index.Persist(ctx); err != nil {
			p.logger.Warn("Failed to persist index after purge",
				"document_id", documentID, "error", err)
		}
	}

	if err := p.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	if doc.FilePath != "" {
		if err := os.Remove(doc.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("Failed to remove document file", "path", doc.FilePath, "error", err)
		}
	}

	p.logger.Info("Deleted document", "document_id", documentID, "title", doc.Title)
	return nil
}

// ProcessBacklog ingests every pending or failed document in upload order.
// Returns the number processed successfully.
func (p *Pipeline) ProcessBacklog(ctx context.Context) (int, error) {
	docs, err := p.store.ListByStatus(ctx, store.StatusPending, store.StatusError)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, doc := range docs {
		if err := p.Process(ctx, doc.ID); err != nil {
			if errors.Is(err, ErrIngestInProgress) {
				continue
			}
			p.logger.Warn("Backlog document failed", "document_id", doc.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// process runs the ingestion steps. The caller holds the per-document lock.
func (p *Pipeline) process(ctx context.Context, documentID int64) error {
	start := time.Now()

	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := p.store.SetProcessing(ctx, documentID); err != nil {
		return err
	}

	text, err := p.extractText(doc)
	if err != nil {
		return p.fail(ctx, documentID, fmt.Errorf("extracting text: %w", err))
	}

	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		return p.fail(ctx, documentID, errors.New("document produced no usable chunks"))
	}

	// The provider substitutes fallback vectors on batch errors; an error
	// here means the context was cancelled.
	vectors, err := p.embedder.Embed(ctx, pieces)
	if err != nil {
		return p.fail(ctx, documentID, fmt.Errorf("embedding chunks: %w", err))
	}

	chunks := make([]*store.Chunk, len(pieces))
	records := make([]index.Record, len(pieces))
	for i, content := range pieces {
		vectorID := uuid.New().String()
		chunks[i] = &store.Chunk{
			DocumentID: documentID,
			ChunkIndex: i,
			Content:    content,
			VectorID:   vectorID,
		}
		records[i] = index.Record{
			ID:     vectorID,
			Text:   content,
			Vector: vectors[i],
			Meta: index.Metadata{
				DocumentID:    doc.ID,
				DocumentTitle: doc.Title,
				DocumentType:  doc.DocumentType,
				ChunkIndex:    i,
			},
		}
	}

	if err := p.store.InsertChunks(ctx, chunks); err != nil {
		return p.fail(ctx, documentID, fmt.Errorf("storing chunks: %w", err))
	}

	// Chunk rows above are deliberately not rolled back on index failure:
	// the partial state is recoverable via reprocess.
	if err := p.index.Upsert(ctx, records); err != nil {
		return p.fail(ctx, documentID, fmt.Errorf("indexing chunks: %w", err))
	}
	if err := p.index.Persist(ctx); err != nil {
		return p.fail(ctx, documentID, fmt.Errorf("persisting index: %w", err))
	}

	if err := p.store.SetReady(ctx, documentID, len(chunks)); err != nil {
		return err
	}

	p.logger.Info("Ingested document",
		"document_id", documentID,
		"title", doc.Title,
		"chunks", len(chunks),
		"degraded_embeddings", p.embedder.Degraded(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// purge removes the document's existing chunks and vector records before a
// reprocess. The caller holds the per-document lock.
func (p *Pipeline) purge(ctx context.Context, documentID int64) error {
	ids, err := p.store.VectorIDs(ctx, documentID)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := p.index.Delete(ctx, ids); err != nil {
			return fmt.Errorf("purging vector records: %w", err)
		}
		// Persist before the chunk rows (and with them the vector ids) go
		// away: if re-ingestion fails, a restart must not resurrect records
		// nothing can purge anymore.
		if err := p.index.Persist(ctx); err != nil {
			return fmt.Errorf("persisting index after purge: %w", err)
		}
	}
	return p.store.DeleteChunks(ctx, documentID)
}

func (p *Pipeline) extractText(doc *store.Document) (string, error) {
	data, err := os.ReadFile(doc.FilePath)
	if err != nil {
		return "", fmt.Errorf("reading document file: %w", err)
	}
	text, err := p.extractor.Extract(data)
	if err != nil {
		return "", err
	}
	return text, nil
}

// fail records the terminal error state, keeping the message inspectable by
// the document's owner.
func (p *Pipeline) fail(ctx context.Context, documentID int64, cause error) error {
	p.logger.Warn("Ingestion failed", "document_id", documentID, "error", cause)
	if err := p.store.SetError(ctx, documentID, cause.Error()); err != nil {
		p.logger.Error("Failed to record error status", "document_id", documentID, "error", err)
	}
	return cause
}

func (p *Pipeline) acquire(documentID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[documentID]; busy {
		return false
	}
	p.inflight[documentID] = struct{}{}
	return true
}

func (p *Pipeline) release(documentID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, documentID)
}
