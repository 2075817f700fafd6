package domain

// ============================================================
// Health API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// ============================================================
// Generic API Response wrappers
// ============================================================

// ListResponse wraps paginated list results.
type ListResponse[T any] struct {
	Data     []T  `json:"data"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}

// LedgerMetrics is returned by GET /v1/metrics/ledger.
type LedgerMetrics struct {
	Approved             int64   `json:"approved"`
	Flagged              int64   `json:"flagged"`
	Declined             int64   `json:"declined"`
	LockTimeouts         int64   `json:"lockTimeouts"`
	ApprovalRate         float64 `json:"approvalRate"`
	ReceiptsVerified     int64   `json:"receiptsVerified"`
	ReceiptsUnverified   int64   `json:"receiptsUnverified"`
	ReconciliationFailed int64   `json:"reconciliationFailed"`
	Period               string  `json:"period"`
}
