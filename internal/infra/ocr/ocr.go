// Package ocr adapts receipt extraction services to port.ReceiptExtractor.
package ocr

import (
	"fmt"
	"strings"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("infra/ocr")

// receiptPayload is the wire shape shared by the OCR API and sidecar files.
type receiptPayload struct {
	Merchant     string          `json:"merchant"`
	MerchantName string          `json:"merchant_name"`
	Amount       decimal.Decimal `json:"amount"`
	Date         string          `json:"date"`
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "01/02/2006"}

func (p *receiptPayload) toDomain() (*domain.ExtractedReceipt, error) {
	merchant := p.Merchant
	if merchant == "" {
		merchant = p.MerchantName
	}
	out := &domain.ExtractedReceipt{
		Merchant: strings.TrimSpace(merchant),
		Amount:   p.Amount,
	}
	if p.Date != "" {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, p.Date); err == nil {
				out.Date = &t
				break
			}
		}
		if out.Date == nil {
			return nil, &domain.ErrValidation{Field: "date", Message: fmt.Sprintf("unrecognised receipt date %q", p.Date)}
		}
	}
	if !out.Amount.IsPositive() {
		return nil, &domain.ErrValidation{Field: "amount", Message: "receipt amount must be positive"}
	}
	return out, nil
}
