package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khurshedz/lexrag/internal/chunk"
	"github.com/khurshedz/lexrag/internal/extract"
	"github.com/khurshedz/lexrag/internal/index"
	"github.com/khurshedz/lexrag/internal/store"
)

const testDim = 4

// stubEmbedder produces deterministic small vectors without network calls.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, testDim)
		for j := range v {
			v[j] = float32((len(text)+i+j)%7) + 1
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (stubEmbedder) Dimension() int  { return testDim }
func (stubEmbedder) Degraded() int64 { return 0 }

// stubExtractor returns canned text or a canned error.
type stubExtractor struct {
	text string
	err  error
}

func (e stubExtractor) Extract([]byte) (string, error) { return e.text, e.err }

// flakyExtractor can be switched to failing between ingestion attempts.
type flakyExtractor struct {
	text string
	err  error
}

func (e *flakyExtractor) Extract([]byte) (string, error) { return e.text, e.err }

// blockingExtractor parks inside Extract until released, to hold a document
// in the processing state.
type blockingExtractor struct {
	started chan struct{}
	release chan struct{}
	text    string
}

func (e *blockingExtractor) Extract([]byte) (string, error) {
	close(e.started)
	<-e.release
	return e.text, nil
}

func articleText() string {
	body := strings.Repeat("Работник имеет право на отдых и справедливые условия труда. ", 12)
	return "Статья 1. Общие положения\n" + body + "\nСтатья 2. Трудовые отношения\n" + body
}

type testEnv struct {
	pipeline *Pipeline
	store    *store.Store
	index    *index.FlatFile
	dir      string
}

func newTestEnv(t *testing.T, extractor extract.Extractor) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	idx, err := index.NewFlatFile(filepath.Join(dir, "index.gob"), testDim)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPipeline(st, extractor, chunk.New(0, 0), stubEmbedder{}, idx, logger)
	return &testEnv{pipeline: p, store: st, index: idx, dir: dir}
}

func (env *testEnv) createDocument(t *testing.T, title string) *store.Document {
	t.Helper()
	path := filepath.Join(env.dir, title+".pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-stub"), 0o644))

	doc := &store.Document{
		Title:        title,
		DocumentType: store.TypeLaborCode,
		FilePath:     path,
		UploadedBy:   "admin",
	}
	require.NoError(t, env.store.CreateDocument(context.Background(), doc))
	return doc
}

func TestProcess_Success(t *testing.T) {
	env := newTestEnv(t, stubExtractor{text: articleText()})
	ctx := context.Background()

	doc := env.createDocument(t, "Трудовой кодекс")
	require.NoError(t, env.pipeline.Process(ctx, doc.ID))

	got, err := env.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
	assert.Equal(t, 2, got.TotalChunks)
	assert.NotNil(t, got.ProcessedAt)

	chunks, err := env.store.ChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 1, chunks[1].ChunkIndex)
	assert.True(t, strings.HasPrefix(chunks[0].Content, "Статья 1"))
	assert.NotEqual(t, chunks[0].VectorID, chunks[1].VectorID)

	stats, err := env.index.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 1, stats.TotalDocuments)
}

func TestProcess_ExtractionFailure(t *testing.T) {
	env := newTestEnv(t, stubExtractor{err: errors.New("поврежденный файл")})
	ctx := context.Background()

	doc := env.createDocument(t, "Битый документ")
	err := env.pipeline.Process(ctx, doc.ID)
	require.Error(t, err)

	got, err := env.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "поврежденный файл")
}

func TestProcess_NoUsableChunks(t *testing.T) {
	env := newTestEnv(t, stubExtractor{text: "Коротко."})
	ctx := context.Background()

	doc := env.createDocument(t, "Пустой документ")
	err := env.pipeline.Process(ctx, doc.ID)
	require.Error(t, err)

	got, err := env.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "no usable chunks")
}

func TestProcess_ConcurrentConflict(t *testing.T) {
	extractor := &blockingExtractor{
		started: make(chan struct{}),
		release: make(chan struct{}),
		text:    articleText(),
	}
	env := newTestEnv(t, extractor)
	ctx := context.Background()

	doc := env.createDocument(t, "Трудовой кодекс")

	done := make(chan error, 1)
	go func() { done <- env.pipeline.Process(ctx, doc.ID) }()

	select {
	case <-extractor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first ingestion never started")
	}

	// Second attempt while the first is mid-flight is rejected outright.
	assert.ErrorIs(t, env.pipeline.Process(ctx, doc.ID), ErrIngestInProgress)
	assert.ErrorIs(t, env.pipeline.Reprocess(ctx, doc.ID), ErrIngestInProgress)
	assert.ErrorIs(t, env.pipeline.Delete(ctx, doc.ID), ErrIngestInProgress)

	close(extractor.release)
	require.NoError(t, <-done)

	got, err := env.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
	assert.Equal(t, 2, got.TotalChunks)
}

func TestReprocess_ReplacesChunks(t *testing.T) {
	env := newTestEnv(t, stubExtractor{text: articleText()})
	ctx := context.Background()

	doc := env.createDocument(t, "Трудовой кодекс")
	require.NoError(t, env.pipeline.Process(ctx, doc.ID))

	before, err := env.store.VectorIDs(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)

	require.NoError(t, env.pipeline.Reprocess(ctx, doc.ID))

	after, err := env.store.VectorIDs(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.NotEqual(t, before, after, "reprocessing must mint fresh vector ids")

	// Old records are purged, not orphaned.
	stats, err := env.index.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRecords)

	got, err := env.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
}

// TestReprocess_FailureLeavesNoOrphans checks that a reprocess whose
// re-ingestion fails does not leave the purged records durable on disk. The
// chunk rows (and with them the vector ids) are already gone at that point,
// so records resurrected by a restart could never be purged again.
func TestReprocess_FailureLeavesNoOrphans(t *testing.T) {
	extractor := &flakyExtractor{text: articleText()}
	env := newTestEnv(t, extractor)
	ctx := context.Background()

	doc := env.createDocument(t, "Трудовой кодекс")
	require.NoError(t, env.pipeline.Process(ctx, doc.ID))

	extractor.err = errors.New("поврежденный файл")
	require.Error(t, env.pipeline.Reprocess(ctx, doc.ID))

	rows, err := env.store.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, rows)

	// A fresh load of the persisted file must not bring the old records back.
	reloaded, err := index.NewFlatFile(filepath.Join(env.dir, "index.gob"), testDim)
	require.NoError(t, err)
	stats, err := reloaded.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords, "purged records must not survive on disk")
}

func TestDelete_PurgesEverything(t *testing.T) {
	env := newTestEnv(t, stubExtractor{text: articleText()})
	ctx := context.Background()

	doc := env.createDocument(t, "Трудовой кодекс")
	require.NoError(t, env.pipeline.Process(ctx, doc.ID))
	require.NoError(t, env.pipeline.Delete(ctx, doc.ID))

	_, err := env.store.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)

	n, err := env.store.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := env.index.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)

	_, err = os.Stat(doc.FilePath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "uploaded file must be removed")
}

func TestProcessBacklog(t *testing.T) {
	env := newTestEnv(t, stubExtractor{text: articleText()})
	ctx := context.Background()

	pending := env.createDocument(t, "Ожидающий")
	failed := env.createDocument(t, "Провалившийся")
	done := env.createDocument(t, "Готовый")
	require.NoError(t, env.store.SetError(ctx, failed.ID, "прошлая ошибка"))
	require.NoError(t, env.pipeline.Process(ctx, done.ID))

	processed, err := env.pipeline.ProcessBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	for _, id := range []int64{pending.ID, failed.ID, done.ID} {
		doc, err := env.store.GetDocument(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusReady, doc.Status)
	}
}

func TestProcessAsync_TracksStatus(t *testing.T) {
	env := newTestEnv(t, stubExtractor{text: articleText()})
	ctx := context.Background()

	doc := env.createDocument(t, "Фоновый документ")
	require.NoError(t, env.pipeline.ProcessAsync(doc.ID))

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := env.store.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		if got.Status == store.StatusReady {
			assert.Equal(t, 2, got.TotalChunks)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("document never became ready, status %s", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
