package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khurshedz/lexrag/internal/chunk"
	"github.com/khurshedz/lexrag/internal/index"
	"github.com/khurshedz/lexrag/internal/ingest"
	"github.com/khurshedz/lexrag/internal/search"
	"github.com/khurshedz/lexrag/internal/store"
)

const testDim = 4

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

type stubExtractor struct{}

func (stubExtractor) Extract([]byte) (string, error) {
	body := strings.Repeat("Работник имеет право на отдых и справедливые условия труда. ", 12)
	return "Статья 1. Общие положения\n" + body + "\nСтатья 2. Трудовые отношения\n" + body, nil
}

type apiEnv struct {
	server *httptest.Server
	store  *store.Store
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	idx, err := index.NewFlatFile(filepath.Join(dir, "index.gob"), testDim)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	embedder := stubEmbedder{}
	pipeline := ingest.NewPipeline(st, stubExtractor{}, chunk.New(0, 0), embedder, idx, logger)
	searcher := search.NewService(embedder, idx, time.Second, logger)

	srv := NewServer(st, pipeline, searcher, idx, embedder, filepath.Join(dir, "uploads"), ":0", logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiEnv{server: ts, store: st}
}

func multipartUpload(t *testing.T, fields map[string]string, filename string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-stub"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func (env *apiEnv) upload(t *testing.T, fields map[string]string, filename string) *http.Response {
	t.Helper()
	body, contentType := multipartUpload(t, fields, filename)
	resp, err := http.Post(env.server.URL+"/api/documents", contentType, body)
	require.NoError(t, err)
	return resp
}

func (env *apiEnv) waitReady(t *testing.T, id int64) *store.Document {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		doc, err := env.store.GetDocument(context.Background(), id)
		require.NoError(t, err)
		switch doc.Status {
		case store.StatusReady, store.StatusError:
			return doc
		}
		if time.Now().After(deadline) {
			t.Fatalf("document %d stuck in status %s", id, doc.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestUpload_Accepted(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.upload(t, map[string]string{
		"title":         "Трудовой кодекс",
		"document_type": "labor_code",
		"uploaded_by":   "admin",
	}, "labor.pdf")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	payload := decodeJSON(t, resp)
	assert.Equal(t, "Трудовой кодекс", payload["title"])
	assert.Equal(t, "labor_code", payload["document_type"])
	assert.Equal(t, store.StatusPending, payload["status"])

	doc := env.waitReady(t, int64(payload["id"].(float64)))
	assert.Equal(t, store.StatusReady, doc.Status)
	assert.Equal(t, 2, doc.TotalChunks)
}

func TestUpload_TitleDefaultsToFilename(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.upload(t, nil, "гражданский_кодекс.pdf")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	payload := decodeJSON(t, resp)
	assert.Equal(t, "гражданский_кодекс", payload["title"])
	assert.Equal(t, "other", payload["document_type"])
}

// A malformed multipart body is the client's mistake, not an oversize upload.
func TestUpload_RejectsMalformedBody(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Post(env.server.URL+"/api/documents",
		"multipart/form-data; boundary=xyz", strings.NewReader("not multipart at all"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "некорректный запрос загрузки", decodeJSON(t, resp)["error"])
}

func TestUpload_RejectsNonPDF(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.upload(t, nil, "document.docx")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "поддерживаются только PDF файлы", decodeJSON(t, resp)["error"])
}

func TestUpload_RejectsUnknownType(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.upload(t, map[string]string{"document_type": "statute"}, "doc.pdf")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeJSON(t, resp)["error"], "неизвестный тип документа")
}

func TestUpload_DuplicateTitle(t *testing.T) {
	env := newAPIEnv(t)

	fields := map[string]string{"title": "Конституция", "uploaded_by": "admin"}
	resp := env.upload(t, fields, "a.pdf")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.waitReady(t, int64(decodeJSON(t, resp)["id"].(float64)))

	resp = env.upload(t, fields, "b.pdf")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, decodeJSON(t, resp)["error"], "уже существует")
}

func TestDocumentDetailAndList(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.upload(t, map[string]string{"title": "Трудовой кодекс"}, "labor.pdf")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := int64(decodeJSON(t, resp)["id"].(float64))
	env.waitReady(t, id)

	resp, err := http.Get(fmt.Sprintf("%s/api/documents/%d", env.server.URL, id))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeJSON(t, resp)
	assert.Equal(t, store.StatusReady, detail["status"])
	assert.Contains(t, detail["preview"], "Статья 1")

	resp, err = http.Get(env.server.URL + "/api/documents")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeJSON(t, resp)
	assert.EqualValues(t, 1, list["total"])
}

func TestDocumentDetail_NotFound(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.server.URL + "/api/documents/404")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "документ не найден", decodeJSON(t, resp)["error"])
}

func TestDeleteDocument(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.upload(t, map[string]string{"title": "Удаляемый"}, "doc.pdf")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := int64(decodeJSON(t, resp)["id"].(float64))
	env.waitReady(t, id)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/documents/%d", env.server.URL, id), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, err = env.store.GetDocument(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)
}

func TestSearchEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.upload(t, map[string]string{"title": "Трудовой кодекс", "document_type": "labor_code"}, "labor.pdf")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.waitReady(t, int64(decodeJSON(t, resp)["id"].(float64)))

	resp, err := http.Get(env.server.URL + "/api/search?q=" + "права+работника")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeJSON(t, resp)
	assert.Equal(t, "права работника", payload["query"])
	assert.EqualValues(t, 2, payload["total"])
	results := payload["results"].([]any)
	require.Len(t, results, 2)
	assert.Contains(t, payload["sources"], "Трудовой кодекс")
}

func TestSearchEndpoint_Validation(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.server.URL + "/api/search?q=test&limit=abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(env.server.URL + "/api/search?q=test&types=statute")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// An empty query is not an error, just an empty result.
	resp, err = http.Get(env.server.URL + "/api/search")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeJSON(t, resp)
	assert.EqualValues(t, 0, payload["total"])
}

func TestStatsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.upload(t, map[string]string{"title": "Трудовой кодекс"}, "labor.pdf")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.waitReady(t, int64(decodeJSON(t, resp)["id"].(float64)))

	resp, err := http.Get(env.server.URL + "/api/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeJSON(t, resp)
	assert.EqualValues(t, 2, payload["total_chunks"])
	assert.EqualValues(t, 1, payload["total_documents"])
	assert.EqualValues(t, 2, payload["relational_chunks"])
	assert.Equal(t, "flatfile", payload["backend"])
	assert.Equal(t, false, payload["degraded"])
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.server.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSON(t, resp)["status"])
}
