// Package api exposes the retrieval core over HTTP with JSON responses.
// This is the surface a chat or session layer calls into; the core knows
// nothing about the language-model call on the other side.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khurshedz/lexrag/internal/embed"
	"github.com/khurshedz/lexrag/internal/index"
	"github.com/khurshedz/lexrag/internal/ingest"
	"github.com/khurshedz/lexrag/internal/search"
	"github.com/khurshedz/lexrag/internal/store"
)

// MaxUploadSize caps document uploads at 50MB.
const MaxUploadSize = 50 << 20

// Server is the HTTP server for the document and search API.
type Server struct {
	store      *store.Store
	pipeline   *ingest.Pipeline
	searcher   *search.Service
	index      index.Index
	embedder   embed.Provider
	uploadsDir string
	addr       string
	logger     *slog.Logger
}

// NewServer creates the API server. Uploaded files are stored under
// uploadsDir.
func NewServer(
	st *store.Store,
	pipeline *ingest.Pipeline,
	searcher *search.Service,
	idx index.Index,
	embedder embed.Provider,
	uploadsDir string,
	addr string,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      st,
		pipeline:   pipeline,
		searcher:   searcher,
		index:      idx,
		embedder:   embedder,
		uploadsDir: uploadsDir,
		addr:       addr,
		logger:     logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/documents", s.handleUpload)
	mux.HandleFunc("GET /api/documents", s.handleList)
	mux.HandleFunc("GET /api/documents/{id}", s.handleDetail)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/documents/{id}/reprocess", s.handleReprocess)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	return s.logging(mux)
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("API server starting", "addr", s.addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleUpload accepts a multipart PDF upload, creates the pending document
// row and starts ingestion in the background. The 202 response carries the
// row whose status the caller polls for completion.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "файл не должен превышать 50MB")
			return
		}
		writeError(w, http.StatusBadRequest, "некорректный запрос загрузки")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "файл не выбран")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		writeError(w, http.StatusBadRequest, "поддерживаются только PDF файлы")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}
	docType := r.FormValue("document_type")
	if docType == "" {
		docType = store.TypeOther
	}
	if !store.ValidType(docType) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("неизвестный тип документа: %s", docType))
		return
	}

	path, err := s.saveUpload(file)
	if err != nil {
		s.logger.Error("Failed to store upload", "error", err)
		writeError(w, http.StatusInternalServerError, "не удалось сохранить файл")
		return
	}

	doc := &store.Document{
		Title:        title,
		DocumentType: docType,
		Description:  strings.TrimSpace(r.FormValue("description")),
		FilePath:     path,
		UploadedBy:   r.FormValue("uploaded_by"),
		Status:       store.StatusPending,
	}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		os.Remove(path)
		if errors.Is(err, store.ErrDuplicateTitle) {
			writeError(w, http.StatusConflict, fmt.Sprintf("документ с названием %q уже существует", title))
			return
		}
		s.logger.Error("Failed to create document", "error", err)
		writeError(w, http.StatusInternalServerError, "не удалось создать документ")
		return
	}

	if err := s.pipeline.ProcessAsync(doc.ID); err != nil {
		// Freshly created id cannot be in flight, but surface it anyway.
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, documentJSON(doc))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		s.logger.Error("Failed to list documents", "error", err)
		writeError(w, http.StatusInternalServerError, "не удалось получить список документов")
		return
	}

	payload := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		payload = append(payload, documentJSON(doc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": payload, "total": len(payload)})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}

	payload := documentJSON(doc)
	if first, err := s.store.FirstChunk(r.Context(), id); err == nil && first != nil {
		payload["preview"] = preview(first.Content, 500)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	switch err := s.pipeline.Delete(r.Context(), id); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	case errors.Is(err, ingest.ErrIngestInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.notFoundOr500(w, err)
	}
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetDocument(r.Context(), id); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	switch err := s.pipeline.ReprocessAsync(id); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"document_id": id, "status": store.StatusProcessing})
	case errors.Is(err, ingest.ErrIngestInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.notFoundOr500(w, err)
	}
}

// handleSearch answers GET /api/search?q=...&limit=...&types=a,b with the
// ranked fragments a chat layer prepends as context.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))

	limit := search.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit должен быть положительным числом")
			return
		}
		limit = min(parsed, 20)
	}

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if !store.ValidType(t) {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("неизвестный тип документа: %s", t))
				return
			}
			types = append(types, t)
		}
	}

	resp, err := s.searcher.Search(r.Context(), query, limit, types)
	if err != nil {
		s.logger.Error("Search failed", "query", query, "error", err)
		writeError(w, http.StatusInternalServerError, "ошибка при поиске")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.index.Stats(r.Context())
	if err != nil {
		s.logger.Warn("Index stats unavailable", "error", err)
		stats = index.Stats{Degraded: true}
	}

	readyDocs, err := s.store.CountDocumentsByStatus(r.Context(), store.StatusReady)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось получить статистику")
		return
	}
	chunkRows, err := s.store.CountChunks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось получить статистику")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_chunks":        stats.TotalRecords,
		"total_documents":     readyDocs,
		"indexed_documents":   stats.TotalDocuments,
		"relational_chunks":   chunkRows,
		"backend":             stats.Backend,
		"degraded":            stats.Degraded,
		"embedding_fallbacks": s.embedder.Degraded(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) saveUpload(file io.Reader) (string, error) {
	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating uploads directory: %w", err)
	}
	path := filepath.Join(s.uploadsDir, uuid.New().String()+".pdf")
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing upload file: %w", err)
	}
	return path, nil
}

func (s *Server) documentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор документа")
		return 0, false
	}
	return id, true
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrDocumentNotFound) {
		writeError(w, http.StatusNotFound, "документ не найден")
		return
	}
	s.logger.Error("Request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("Request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).Round(time.Millisecond))
	})
}

func documentJSON(doc *store.Document) map[string]any {
	payload := map[string]any{
		"id":            doc.ID,
		"title":         doc.Title,
		"document_type": doc.DocumentType,
		"description":   doc.Description,
		"status":        doc.Status,
		"total_chunks":  doc.TotalChunks,
		"created_at":    doc.CreatedAt.Format(time.RFC3339),
		"updated_at":    doc.UpdatedAt.Format(time.RFC3339),
	}
	if doc.ErrorMessage != "" {
		payload["error_message"] = doc.ErrorMessage
	}
	if doc.ProcessedAt != nil {
		payload["processed_at"] = doc.ProcessedAt.Format(time.RFC3339)
	}
	return payload
}

func preview(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
