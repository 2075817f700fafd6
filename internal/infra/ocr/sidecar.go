package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Karkibinod/CorpSpend/internal/domain"
)

// Sidecar reads pre-extracted receipt fields from "<ref>.json" files under a
// directory. It stands in for the OCR service in local setups.
type Sidecar struct {
	dir string
}

// NewSidecar creates a new Sidecar rooted at dir.
func NewSidecar(dir string) *Sidecar {
	return &Sidecar{dir: dir}
}

// Extract loads the sidecar file for fileRef.
func (s *Sidecar) Extract(ctx context.Context, fileRef string) (*domain.ExtractedReceipt, error) {
	_, span := tracer.Start(ctx, "ocr.Sidecar.Extract")
	defer span.End()

	path, err := s.resolve(fileRef)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &domain.ErrNotFound{Resource: "receipt", ID: fileRef}
		}
		return nil, fmt.Errorf("read receipt sidecar: %w", err)
	}

	var payload receiptPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &domain.ErrValidation{Field: "file_reference", Message: "receipt sidecar is not valid JSON"}
	}
	return payload.toDomain()
}

// resolve maps a reference to a path inside dir, rejecting escapes.
func (s *Sidecar) resolve(fileRef string) (string, error) {
	ref := filepath.Clean("/" + strings.TrimSpace(fileRef))
	if ref == "/" {
		return "", &domain.ErrValidation{Field: "file_reference", Message: "is required"}
	}
	if ext := filepath.Ext(ref); ext != ".json" {
		ref = strings.TrimSuffix(ref, ext) + ".json"
	}
	return filepath.Join(s.dir, ref), nil
}
