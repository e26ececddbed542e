// Package store is the relational record of documents and chunks, backed by
// SQLite. The vector index is derived data; rows here survive even when the
// index is unavailable (degraded relational-only mode).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	title         TEXT NOT NULL,
	document_type TEXT NOT NULL DEFAULT 'other',
	description   TEXT NOT NULL DEFAULT '',
	file_path     TEXT NOT NULL,
	uploaded_by   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT NOT NULL DEFAULT '',
	total_chunks  INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	processed_at  DATETIME,
	UNIQUE (uploaded_by, title)
);

CREATE TABLE IF NOT EXISTS chunks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	page_number INTEGER,
	vector_id   TEXT NOT NULL UNIQUE,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
`

// Store provides access to the documents and chunks tables.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the SQLite database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "lexrag.db")

	// WAL mode for concurrent readers during ingestion writes.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// CreateDocument inserts a new document row in pending state.
// Returns ErrDuplicateTitle when the owner already has a document with the
// same title.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) error {
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	if doc.DocumentType == "" {
		doc.DocumentType = TypeOther
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM documents WHERE uploaded_by = ? AND title = ?",
		doc.UploadedBy, doc.Title,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking title: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateTitle
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (title, document_type, description, file_path, uploaded_by, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.Title, doc.DocumentType, doc.Description, doc.FilePath, doc.UploadedBy, doc.Status, now, now,
	)
	if err != nil {
		// The COUNT above is check-then-insert; a concurrent upload with the
		// same title can slip past it and land on the UNIQUE constraint.
		if isUniqueViolation(err) {
			return ErrDuplicateTitle
		}
		return fmt.Errorf("inserting document: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading insert id: %w", err)
	}
	doc.ID = id
	doc.CreatedAt = now
	doc.UpdatedAt = now
	return nil
}

// GetDocument fetches a document by id. Returns ErrDocumentNotFound if absent.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, document_type, description, file_path, uploaded_by,
		       status, error_message, total_chunks, created_at, updated_at, processed_at
		FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// ListDocuments returns documents newest-first. An empty owner lists all.
func (s *Store) ListDocuments(ctx context.Context, uploadedBy string) ([]*Document, error) {
	query := `
		SELECT id, title, document_type, description, file_path, uploaded_by,
		       status, error_message, total_chunks, created_at, updated_at, processed_at
		FROM documents`
	args := []any{}
	if uploadedBy != "" {
		query += " WHERE uploaded_by = ?"
		args = append(args, uploadedBy)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListByStatus returns documents in any of the given statuses, oldest first,
// so batch reprocessing works through the backlog in upload order.
func (s *Store) ListByStatus(ctx context.Context, statuses ...string) ([]*Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, title, document_type, description, file_path, uploaded_by,
		       status, error_message, total_chunks, created_at, updated_at, processed_at
		FROM documents WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `) ORDER BY created_at ASC, id ASC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents by status: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetProcessing marks a document as processing and clears any previous error.
func (s *Store) SetProcessing(ctx context.Context, id int64) error {
	return s.update(ctx, id,
		"UPDATE documents SET status = ?, error_message = '', updated_at = ? WHERE id = ?",
		StatusProcessing, time.Now().UTC(), id)
}

// SetError marks a document as failed, retaining the message for the owner.
func (s *Store) SetError(ctx context.Context, id int64, msg string) error {
	return s.update(ctx, id,
		"UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?",
		StatusError, msg, time.Now().UTC(), id)
}

// SetReady marks a document as ready, recording the chunk count and
// processing timestamp.
func (s *Store) SetReady(ctx context.Context, id int64, totalChunks int) error {
	now := time.Now().UTC()
	return s.update(ctx, id,
		"UPDATE documents SET status = ?, error_message = '', total_chunks = ?, processed_at = ?, updated_at = ? WHERE id = ?",
		StatusReady, totalChunks, now, now, id)
}

func (s *Store) update(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating document %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// InsertChunks writes chunk rows in one transaction.
func (s *Store) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (document_id, chunk_index, content, page_number, vector_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		var page any
		if c.PageNumber != nil {
			page = *c.PageNumber
		}
		res, err := stmt.ExecContext(ctx, c.DocumentID, c.ChunkIndex, c.Content, page, c.VectorID, now)
		if err != nil {
			return fmt.Errorf("inserting chunk %d of document %d: %w", c.ChunkIndex, c.DocumentID, err)
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		c.CreatedAt = now
	}

	return tx.Commit()
}

// ChunksByDocument returns the document's chunks in ordinal order.
func (s *Store) ChunksByDocument(ctx context.Context, documentID int64) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, page_number, vector_id, created_at
		FROM chunks WHERE document_id = ? ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var page sql.NullInt64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &page, &c.VectorID, &c.CreatedAt); err != nil {
			return nil, err
		}
		if page.Valid {
			p := int(page.Int64)
			c.PageNumber = &p
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// FirstChunk returns the chunk with ordinal 0, used for document previews.
// Returns nil without error when the document has no chunks.
func (s *Store) FirstChunk(ctx context.Context, documentID int64) (*Chunk, error) {
	chunks, err := s.ChunksByDocument(ctx, documentID)
	if err != nil || len(chunks) == 0 {
		return nil, err
	}
	return chunks[0], nil
}

// VectorIDs returns the external vector-index identifiers of a document's
// chunks, for index purges on delete and reprocess.
func (s *Store) VectorIDs(ctx context.Context, documentID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT vector_id FROM chunks WHERE document_id = ? ORDER BY chunk_index ASC", documentID)
	if err != nil {
		return nil, fmt.Errorf("listing vector ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteChunks removes all chunk rows of a document.
func (s *Store) DeleteChunks(ctx context.Context, documentID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID)
	if err != nil {
		return fmt.Errorf("deleting chunks of document %d: %w", documentID, err)
	}
	return nil
}

// DeleteDocument removes a document; its chunks go with it via the cascade.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting document %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// CountChunks returns the total number of chunk rows.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}

// CountDocumentsByStatus returns how many documents are in the given status.
func (s *Store) CountDocumentsByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE status = ?", status).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		serr.Code() == sqlite3.SQLITE_CONSTRAINT
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var doc Document
	var processedAt sql.NullTime
	err := row.Scan(&doc.ID, &doc.Title, &doc.DocumentType, &doc.Description, &doc.FilePath,
		&doc.UploadedBy, &doc.Status, &doc.ErrorMessage, &doc.TotalChunks,
		&doc.CreatedAt, &doc.UpdatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		doc.ProcessedAt = &t
	}
	return &doc, nil
}
