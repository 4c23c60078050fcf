// Package document stores uploaded financial documents and extracts their text.
package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var (
	// ErrNotReadable means no text could be extracted from the document.
	ErrNotReadable = errors.New("document not readable")
	// ErrTooLarge means an upload exceeded the configured size limit.
	ErrTooLarge = errors.New("document exceeds size limit")
)

// Source reads the text of a stored document and releases it afterwards.
type Source interface {
	ExtractText(ctx context.Context, path string) (string, error)
	Remove(path string) error
}

// Store keeps uploads as PDF files in a local directory.
type Store struct {
	dir     string
	extract func(ctx context.Context, path string) (string, error)
}

// NewStore creates the upload directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory %s: %w", dir, err)
	}
	return &Store{dir: dir, extract: ExtractPDFText}, nil
}

// Dir returns the upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes r to a new file named financial_document_<uuid>.pdf and returns
// its path. Uploads larger than maxBytes are discarded with ErrTooLarge.
func (s *Store) Save(r io.Reader, maxBytes int64) (string, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("financial_document_%s.pdf", uuid.New()))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	n, copyErr := io.Copy(f, io.LimitReader(r, maxBytes+1))
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write upload: %w", copyErr)
	case n > maxBytes:
		_ = os.Remove(path)
		return "", ErrTooLarge
	case closeErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write upload: %w", closeErr)
	}

	return path, nil
}

// ExtractText returns the plain text of the PDF at path.
func (s *Store) ExtractText(ctx context.Context, path string) (string, error) {
	return s.extract(ctx, path)
}

// Remove deletes the document. A document that is already gone is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove document %s: %w", path, err)
	}
	return nil
}
