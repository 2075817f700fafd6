package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"
	"github.com/Karkibinod/CorpSpend/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
)

// Client calls an OCR extraction service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	bulkhead   *resilience.Bulkhead
	cfg        resilience.Config
	metrics    *observability.Metrics
}

// NewClient creates a new Client.
func NewClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, metrics *observability.Metrics) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrency),
		cfg:        cfg,
		metrics:    metrics,
	}
}

// Extract asks the service for the merchant, amount and date of a stored receipt.
func (c *Client) Extract(ctx context.Context, fileRef string) (*domain.ExtractedReceipt, error) {
	ctx, span := tracer.Start(ctx, "ocr.Client.Extract")
	defer span.End()
	span.SetAttributes(attribute.String("receipt.ref", fileRef))

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.bulkhead.Release()

	var payload receiptPayload

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			body, err := json.Marshal(map[string]string{"file_reference": fileRef})
			if err != nil {
				return resilience.Permanent(err)
			}

			url := fmt.Sprintf("%s/v1/extract", c.baseURL)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return resilience.Permanent(&domain.ErrNotFound{Resource: "receipt", ID: fileRef})
			case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
				return resilience.Permanent(&domain.ErrValidation{Field: "file_reference", Message: "receipt could not be read"})
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("ocr API returned status %d", resp.StatusCode)
			}

			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return resilience.Permanent(fmt.Errorf("decode ocr response: %w", err))
			}
			return nil
		})
	})

	if err != nil {
		var notFound *domain.ErrNotFound
		var validation *domain.ErrValidation
		switch {
		case errors.As(err, &notFound), errors.As(err, &validation):
			return nil, err
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			c.metrics.IncrExternalError("ocr")
			return nil, &domain.ErrCircuitOpen{Service: "ocr"}
		}
		c.metrics.IncrExternalError("ocr")
		return nil, &domain.ErrExternalService{Service: "ocr", Err: err}
	}

	return payload.toDomain()
}
