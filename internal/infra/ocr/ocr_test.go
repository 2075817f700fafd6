package ocr_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"
	"github.com/Karkibinod/CorpSpend/internal/infra/ocr"
	"github.com/Karkibinod/CorpSpend/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(url string) *ocr.Client {
	cfg := resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxConcurrency: 2}
	return ocr.NewClient(&http.Client{Timeout: time.Second}, url, resilience.NewCircuitBreaker("ocr-test"), cfg, observability.NewMetrics())
}

func TestClient_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/extract", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"merchant_name":"Office Depot","amount":"45.99","date":"2026-03-14"}`))
	}))
	defer srv.Close()

	got, err := newClient(srv.URL).Extract(context.Background(), "receipt-1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "Office Depot", got.Merchant)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("45.99")))
	require.NotNil(t, got.Date)
	assert.Equal(t, 14, got.Date.Day())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"merchant":"ACME","amount":12}`))
	}))
	defer srv.Close()

	got, err := newClient(srv.URL).Extract(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, "ACME", got.Merchant)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Extract(context.Background(), "missing")
	var notFound *domain.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_ExternalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Extract(context.Background(), "r")
	var ext *domain.ErrExternalService
	assert.True(t, errors.As(err, &ext))
}

func TestSidecar_Extract(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r1.json"),
		[]byte(`{"merchant":"Staples","amount":"20.01","date":"2026-01-05T10:00:00Z"}`), 0o600))

	got, err := ocr.NewSidecar(dir).Extract(context.Background(), "r1.png")
	require.NoError(t, err)
	assert.Equal(t, "Staples", got.Merchant)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("20.01")))
}

func TestSidecar_Errors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"merchant":"X","amount":"0"}`), 0o600))
	s := ocr.NewSidecar(dir)

	_, err := s.Extract(context.Background(), "nope")
	var notFound *domain.ErrNotFound
	assert.True(t, errors.As(err, &notFound))

	_, err = s.Extract(context.Background(), "bad")
	var validation *domain.ErrValidation
	assert.True(t, errors.As(err, &validation))

	// Traversal stays inside the directory.
	_, err = s.Extract(context.Background(), "../../etc/passwd")
	assert.True(t, errors.As(err, &notFound))
}
