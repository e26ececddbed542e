package store

import "time"

// Document statuses. Transitions are monotonic within one ingestion attempt:
// pending -> processing -> ready|error. Reprocessing restarts at processing
// after the previous chunks have been cleared.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Document categories. Closed enumeration, mirrored by the document_type
// payload field in the vector index.
const (
	TypeConstitution = "constitution"
	TypeCivilCode    = "civil_code"
	TypeLaborCode    = "labor_code"
	TypeOther        = "other"
)

// DocumentTypes lists every valid document category.
var DocumentTypes = []string{TypeConstitution, TypeCivilCode, TypeLaborCode, TypeOther}

// ValidType reports whether t is a known document category.
func ValidType(t string) bool {
	for _, known := range DocumentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Document is a legal text in the knowledge base. The row is the source of
// truth for the ingestion lifecycle; vector records are derived from it.
type Document struct {
	ID           int64
	Title        string
	DocumentType string
	Description  string
	FilePath     string
	UploadedBy   string
	Status       string
	ErrorMessage string
	TotalChunks  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProcessedAt  *time.Time
}

// Chunk is one retrievable fragment of a document. ChunkIndex values are
// contiguous from 0 in document order. VectorID is the external identifier
// of the matching record in the vector index and is unique system-wide.
type Chunk struct {
	ID         int64
	DocumentID int64
	ChunkIndex int
	Content    string
	PageNumber *int
	VectorID   string
	CreatedAt  time.Time
}
