package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Karkibinod/CorpSpend/internal/config"
	"github.com/Karkibinod/CorpSpend/internal/domain"
	"github.com/Karkibinod/CorpSpend/internal/handler"
	"github.com/Karkibinod/CorpSpend/internal/infra/cache"
	"github.com/Karkibinod/CorpSpend/internal/infra/memstore"
	"github.com/Karkibinod/CorpSpend/internal/infra/observability"
	"github.com/Karkibinod/CorpSpend/internal/infra/resilience"
	"github.com/Karkibinod/CorpSpend/internal/infra/velocity"
	"github.com/Karkibinod/CorpSpend/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type nopQueue struct{ tasks []domain.ReceiptTask }

func (q *nopQueue) Enqueue(_ context.Context, t domain.ReceiptTask) error {
	q.tasks = append(q.tasks, t)
	return nil
}

type nopExtractor struct{}

func (nopExtractor) Extract(context.Context, string) (*domain.ExtractedReceipt, error) {
	return nil, errors.New("not used")
}

func newTestRouter(t *testing.T, uploadDir string) (http.Handler, *nopQueue) {
	t.Helper()
	store := memstore.New()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()

	fraud := service.NewFraudEngine(service.FraudConfig{
		MaxAmount:      decimal.NewFromInt(5000),
		FlagThreshold:  decimal.RequireFromString("0.70"),
		VelocityLimit:  10,
		VelocityWeight: decimal.RequireFromString("0.30"),
		Blacklist:      config.DefaultBlacklist,
	}, velocity.NewWindow(time.Minute), metrics, logger)
	ledger := service.NewLedgerService(store, fraud, time.Second, metrics, logger)
	reconciler := service.NewReconciler(store, ledger, service.ReconcilerConfig{
		AutoVerifyThreshold: decimal.RequireFromString("0.80"),
		MinMatchConfidence:  decimal.RequireFromString("0.70"),
		SearchWindow:        time.Hour,
		CandidateLimit:      100,
	}, logger)

	statuses := cache.New[domain.TaskStatus](time.Hour)
	t.Cleanup(statuses.Close)
	q := &nopQueue{}
	receipts := service.NewReceiptService(nopExtractor{}, reconciler, ledger, q, statuses,
		resilience.Config{MaxRetries: 0}, metrics, logger)

	return handler.NewRouter(handler.Services{
		Ledger:   ledger,
		Receipts: receipts,
		Reports:  service.NewReportService(store, logger),
		Store:    store,
		Uploads:  handler.UploadConfig{Dir: uploadDir, MaxBytes: 1 << 20},
	}, metrics, logger), q
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return out
}

func createCard(t *testing.T, h http.Handler, limit string) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/cards", `{"cardholder_name":"Ada Lovelace","spending_limit":"`+limit+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create card: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode(t, rec)["id"].(string)
}

// --- Operational endpoints ---

func TestHealthz(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, observability.NewMetrics(), zap.NewNop())

	rec := do(t, router, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz_StoreDown(t *testing.T) {
	router := handler.NewRouter(handler.Services{Store: failingPinger{}}, observability.NewMetrics(), zap.NewNop())

	rec := do(t, router, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if got := decode(t, rec)["status"]; got != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", got)
	}
}

func TestReadyz(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, observability.NewMetrics(), zap.NewNop())

	rec := do(t, router, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	router, _ := newTestRouter(t, "")
	createCard(t, router, "100.00")
	do(t, router, http.MethodGet, "/v1/cards", "")

	rec := do(t, router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/v1/metrics/ledger", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestUnconfiguredServices(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, observability.NewMetrics(), zap.NewNop())

	for _, path := range []string{"/v1/cards", "/v1/reports/summary", "/v1/receipts/status/x"} {
		if rec := do(t, router, http.MethodGet, path, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, rec.Code)
		}
	}
}

// --- Cards & transactions ---

func TestTransactionLifecycle(t *testing.T) {
	router, _ := newTestRouter(t, "")
	cardID := createCard(t, router, "1000.00")

	rec := do(t, router, http.MethodPost, "/v1/transactions",
		`{"card_id":"`+cardID+`","amount":"250.10","merchant_name":"Delta Air Lines","category":"travel"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	tx := decode(t, rec)
	if tx["status"] != "approved" {
		t.Errorf("expected approved, got %v", tx["status"])
	}
	if tx["amount"] != "250.1" {
		t.Errorf("expected amount 250.1, got %v", tx["amount"])
	}
	txID := tx["id"].(string)

	rec = do(t, router, http.MethodGet, "/v1/cards/"+cardID+"/balance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode(t, rec)["available_balance"]; got != "749.9" {
		t.Errorf("expected available 749.9, got %v", got)
	}

	rec = do(t, router, http.MethodPost, "/v1/transactions/"+txID+"/verify", `{"verified":true,"confidence":"0.95"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["status"]; got != "verified" {
		t.Errorf("expected verified, got %v", got)
	}

	rec = do(t, router, http.MethodPost, "/v1/transactions/"+txID+"/verify", `{"verified":false}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("unverify: expected 409, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/v1/cards/"+cardID+"/transactions?page_size=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	list := decode(t, rec)
	if list["total"] != float64(1) || list["has_more"] != false {
		t.Errorf("unexpected page: %v", list)
	}
}

func TestTransactionErrors(t *testing.T) {
	router, _ := newTestRouter(t, "")
	cardID := createCard(t, router, "100.00")

	cases := []struct {
		name string
		body string
		code int
		err  string
	}{
		{"fraud amount", `{"card_id":"` + cardID + `","amount":"6000","merchant_name":"ACME"}`, http.StatusForbidden, "FRAUD_DETECTED"},
		{"blacklist", `{"card_id":"` + cardID + `","amount":"1","merchant_name":"fraud_corp"}`, http.StatusForbidden, "FRAUD_DETECTED"},
		{"insufficient", `{"card_id":"` + cardID + `","amount":"100.01","merchant_name":"ACME"}`, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
		{"unknown card", `{"card_id":"nope","amount":"1","merchant_name":"ACME"}`, http.StatusNotFound, "CARD_NOT_FOUND"},
		{"bad amount", `{"card_id":"` + cardID + `","amount":"1.001","merchant_name":"ACME"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", `{"card_id":"` + cardID + `","amount":"1","merchant_name":"ACME","tip":"2"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/v1/transactions", c.body)
			if rec.Code != c.code {
				t.Fatalf("expected %d, got %d: %s", c.code, rec.Code, rec.Body.String())
			}
			if got := decode(t, rec)["code"]; got != c.err {
				t.Errorf("expected code %s, got %v", c.err, got)
			}
		})
	}

	rec := do(t, router, http.MethodGet, "/v1/transactions?status=declined", "")
	if got := decode(t, rec)["total"]; got != float64(3) {
		t.Errorf("expected 3 declined audit rows, got %v", got)
	}
}

func TestListTransactions_BadDate(t *testing.T) {
	router, _ := newTestRouter(t, "")

	rec := do(t, router, http.MethodGet, "/v1/transactions?start_date=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// --- Receipts & reports ---

func TestSubmitReceipt_JSON(t *testing.T) {
	router, q := newTestRouter(t, "")

	rec := do(t, router, http.MethodPost, "/v1/receipts", `{"file_reference":"r-1.jpg"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["status"] != "PENDING" {
		t.Errorf("expected PENDING, got %v", body["status"])
	}
	if len(q.tasks) != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", len(q.tasks))
	}

	rec = do(t, router, http.MethodGet, body["status_url"].(string), "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/v1/receipts/status/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitReceipt_Multipart(t *testing.T) {
	dir := t.TempDir()
	router, q := newTestRouter(t, dir)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "../../lunch receipt.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("fake image"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/receipts", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(q.tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(q.tasks))
	}
	ref := q.tasks[0].FileReference
	if !strings.HasSuffix(ref, "_lunch_receipt.png") || strings.Contains(ref, "/") {
		t.Errorf("unexpected stored reference %q", ref)
	}
	if _, err := os.Stat(filepath.Join(dir, ref)); err != nil {
		t.Errorf("uploaded file not stored: %v", err)
	}
}

func TestSubmitReceipt_RejectsFileType(t *testing.T) {
	router, _ := newTestRouter(t, t.TempDir())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "payload.exe")
	part.Write([]byte("MZ"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/receipts", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestReports(t *testing.T) {
	router, _ := newTestRouter(t, "")
	cardID := createCard(t, router, "1000.00")
	for _, body := range []string{
		`{"card_id":"` + cardID + `","amount":"10.00","merchant_name":"STAPLES"}`,
		`{"card_id":"` + cardID + `","amount":"30.00","merchant_name":"DELTA"}`,
	} {
		if rec := do(t, router, http.MethodPost, "/v1/transactions", body); rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
	}

	day := time.Now().UTC().Format("2006-01-02")
	rec := do(t, router, http.MethodGet, "/v1/reports/by_merchant?start_date="+day+"&end_date="+day+"&card_id="+cardID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	report := decode(t, rec)
	if report["total"] != "40" {
		t.Errorf("expected total 40, got %v", report["total"])
	}
	merchants := report["by_merchant"].([]any)
	if len(merchants) != 2 || merchants[0].(map[string]any)["merchant"] != "DELTA" {
		t.Errorf("unexpected by_merchant: %v", merchants)
	}

	rec = do(t, router, http.MethodGet, "/v1/reports/weekly?start_date="+day+"&end_date="+day, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
