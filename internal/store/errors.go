package store

import "errors"

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDuplicateTitle   = errors.New("document title already exists for this owner")
)
