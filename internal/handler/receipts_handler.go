package handler

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Receipts
// ============================================================

// allowedReceiptExt lists the upload types accepted by POST /v1/receipts.
var allowedReceiptExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".pdf": true,
}

// UploadConfig controls multipart receipt uploads. An empty Dir disables them.
type UploadConfig struct {
	Dir      string
	MaxBytes int64
}

type receiptAccepted struct {
	TaskID        string           `json:"task_id"`
	Status        domain.TaskState `json:"status"`
	FileReference string           `json:"file_reference"`
	TransactionID string           `json:"transaction_id,omitempty"`
	StatusURL     string           `json:"status_url"`
}

// submitReceiptHandler accepts either a JSON body naming an already stored
// receipt or a multipart upload with a "file" part.
func submitReceiptHandler(receipts *service.ReceiptService, uploads UploadConfig, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/receipts")
		defer span.End()

		var (
			sub domain.ReceiptSubmission
			err error
		)
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "multipart/form-data" {
			sub, err = saveUpload(w, r, uploads)
		} else {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
			err = decodeJSON(r, &sub)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		st, err := receipts.Submit(ctx, &sub)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("task.id", st.TaskID))

		statusURL := "/v1/receipts/status/" + st.TaskID
		w.Header().Set("Location", statusURL)
		writeJSON(w, http.StatusAccepted, receiptAccepted{
			TaskID:        st.TaskID,
			Status:        st.State,
			FileReference: strings.TrimSpace(sub.FileReference),
			TransactionID: sub.TransactionID,
			StatusURL:     statusURL,
		})
	}
}

func receiptStatusHandler(receipts *service.ReceiptService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/receipts/status/{taskId}")
		defer span.End()

		st, err := receipts.Status(ctx, chi.URLParam(r, "taskId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// saveUpload stores the "file" part under uploads.Dir with a timestamp prefix
// and returns a submission referencing the stored name.
func saveUpload(w http.ResponseWriter, r *http.Request, uploads UploadConfig) (domain.ReceiptSubmission, error) {
	if uploads.Dir == "" {
		return domain.ReceiptSubmission{}, &domain.ErrValidation{Field: "file", Message: "uploads are disabled; send a file_reference"}
	}
	maxBytes := uploads.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return domain.ReceiptSubmission{}, &domain.ErrValidation{Field: "file", Message: "invalid multipart body"}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return domain.ReceiptSubmission{}, &domain.ErrValidation{Field: "file", Message: "no file provided"}
	}
	defer file.Close()

	name := sanitizeFilename(header.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	if name == "" || !allowedReceiptExt[ext] {
		return domain.ReceiptSubmission{}, &domain.ErrValidation{Field: "file", Message: "file type not allowed (png, jpg, jpeg, gif, pdf)"}
	}

	stored := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102_150405.000000000"), name)
	if err := os.MkdirAll(uploads.Dir, 0o755); err != nil {
		return domain.ReceiptSubmission{}, fmt.Errorf("failed to create upload dir: %w", err)
	}
	dst, err := os.OpenFile(filepath.Join(uploads.Dir, stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return domain.ReceiptSubmission{}, fmt.Errorf("failed to store receipt: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		return domain.ReceiptSubmission{}, fmt.Errorf("failed to store receipt: %w", err)
	}

	return domain.ReceiptSubmission{
		FileReference: stored,
		TransactionID: r.FormValue("transaction_id"),
	}, nil
}

// sanitizeFilename keeps the base name and replaces anything outside
// [A-Za-z0-9._-] with an underscore.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.TrimLeft(name, "."))
}
