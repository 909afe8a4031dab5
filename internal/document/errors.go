package document

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks files rejected before any processing starts.
	ErrValidation = errors.New("document validation failed")
	// ErrExtraction marks files whose content could not be read by any
	// strategy for their format.
	ErrExtraction = errors.New("text extraction failed")
	// ErrNotFound marks lookups for unknown document ids.
	ErrNotFound = errors.New("document not found")
)

// DuplicateError reports that an identical file was already indexed. It
// carries the existing document so callers can point the user at it.
type DuplicateError struct {
	ExistingID string
	Filename   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate content of document %s (%s)", e.ExistingID, e.Filename)
}
