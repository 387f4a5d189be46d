package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/garyjia/invoice-approval/internal/application/service"
	"github.com/garyjia/invoice-approval/internal/infrastructure/export"
	"github.com/garyjia/invoice-approval/internal/infrastructure/persistence/memory"
)

type mockLogger struct{}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type approvalBody struct {
	ID             string `json:"id"`
	InvoiceID      string `json:"invoice_id"`
	Level          int    `json:"level"`
	LevelName      string `json:"level_name"`
	Status         string `json:"status"`
	FraudRisk      string `json:"fraud_risk"`
	TotalAmount    string `json:"total_amount"`
	DecidedBy      string `json:"decided_by"`
	DecisionDetail string `json:"decision_detail"`
}

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	clock  time.Time
}

func newTestAPI(t *testing.T) *testAPI {
	gin.SetMode(gin.TestMode)
	api := &testAPI{t: t, clock: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	svc := service.NewApprovalService(memory.New(), &mockLogger{},
		service.WithClock(func() time.Time { return api.clock }))
	api.router = NewServer(DefaultServerConfig(), svc, nil, &mockLogger{}).Router()
	return api
}

func (a *testAPI) do(method, path, body string) (*httptest.ResponseRecorder, envelope) {
	a.t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func (a *testAPI) create(invoiceID, amount string, score string) approvalBody {
	a.t.Helper()
	body := `{"invoice_id":"` + invoiceID + `","vendor_name":"Acme","country":"DE","total_amount":` + amount
	if score != "" {
		body += `,"fraud_score":` + score
	}
	body += "}"

	w, env := a.do(http.MethodPost, "/api/v1/approvals", body)
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	var rec approvalBody
	require.NoError(a.t, json.Unmarshal(env.Data, &rec))
	return rec
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)
	w, env := api.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
}

func TestHealthCheck_ReportsComponents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := service.NewApprovalService(memory.New(), &mockLogger{})

	for _, healthy := range []bool{true, false} {
		server := NewServer(DefaultServerConfig(), svc, nil, &mockLogger{})
		server.SetHealthCheck(func(ctx context.Context) (bool, interface{}) {
			return healthy, map[string]bool{"store": healthy}
		})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		server.Router().ServeHTTP(w, req)

		var body struct {
			Success bool `json:"success"`
			Data    struct {
				Status     string          `json:"status"`
				Components map[string]bool `json:"components"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, healthy, body.Success)
		assert.Equal(t, healthy, body.Data.Components["store"])
		if healthy {
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "healthy", body.Data.Status)
		} else {
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			assert.Equal(t, "unhealthy", body.Data.Status)
		}
	}
}

func TestCreateApproval(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name      string
		amount    string
		score     string
		level     int
		levelName string
		risk      string
	}{
		{"small unscored", "1000", "", 1, "Manager", "UNKNOWN"},
		{"finance band", `"75000.50"`, "20", 2, "Finance", "LOW"},
		{"compliance by amount", "150000", "45", 3, "Compliance", "MEDIUM"},
		{"compliance by risk", "10", "70", 3, "Compliance", "HIGH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.create("INV-"+tt.name, tt.amount, tt.score)
			assert.NotEmpty(t, rec.ID)
			assert.Equal(t, tt.level, rec.Level)
			assert.Equal(t, tt.levelName, rec.LevelName)
			assert.Equal(t, "pending", rec.Status)
			assert.Equal(t, tt.risk, rec.FraudRisk)
		})
	}
}

func TestCreateApproval_BadRequests(t *testing.T) {
	api := newTestAPI(t)

	bodies := map[string]string{
		"malformed json":   `{"invoice_id":`,
		"missing amount":   `{"invoice_id":"INV-1"}`,
		"bad amount":       `{"invoice_id":"INV-1","total_amount":"lots"}`,
		"negative amount":  `{"invoice_id":"INV-1","total_amount":-5}`,
		"score too high":   `{"invoice_id":"INV-1","total_amount":5,"fraud_score":101}`,
		"sub-cent amount":  `{"invoice_id":"INV-1","total_amount":"100000.004"}`,
		"empty invoice id": `{"invoice_id":"  ","total_amount":5}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			w, env := api.do(http.MethodPost, "/api/v1/approvals", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestApproveAndReject(t *testing.T) {
	api := newTestAPI(t)
	rec := api.create("INV-1", "120000", "")

	w, env := api.do(http.MethodPost, "/api/v1/approvals/"+rec.ID+"/reject",
		`{"rejector_name":"Dana","reason":"duplicate"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rejected approvalBody
	require.NoError(t, json.Unmarshal(env.Data, &rejected))
	assert.Equal(t, "rejected", rejected.Status)
	assert.Equal(t, "Dana", rejected.DecidedBy)
	assert.Equal(t, "duplicate", rejected.DecisionDetail)

	w, env = api.do(http.MethodPost, "/api/v1/approvals/"+rec.ID+"/approve", `{"approver_name":"Sam"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, env.Success)

	w, _ = api.do(http.MethodGet, "/api/v1/approvals/"+rec.ID+"/history", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDecisionErrors(t *testing.T) {
	api := newTestAPI(t)
	rec := api.create("INV-1", "10", "")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"approve without name", "/api/v1/approvals/" + rec.ID + "/approve", `{"approver_name":"  "}`, http.StatusBadRequest},
		{"approve without body", "/api/v1/approvals/" + rec.ID + "/approve", "", http.StatusBadRequest},
		{"reject without reason", "/api/v1/approvals/" + rec.ID + "/reject", `{"rejector_name":"Dana"}`, http.StatusBadRequest},
		{"approve unknown", "/api/v1/approvals/missing/approve", `{"approver_name":"Sam"}`, http.StatusNotFound},
		{"malformed body", "/api/v1/approvals/" + rec.ID + "/approve", `{"approver_name":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := api.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.False(t, env.Success)
		})
	}

	// Record is still pending after the failed attempts
	w, env := api.do(http.MethodGet, "/api/v1/approvals/"+rec.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got approvalBody
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "pending", got.Status)
}

func TestGetApproval_NotFound(t *testing.T) {
	api := newTestAPI(t)
	w, env := api.do(http.MethodGet, "/api/v1/approvals/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, env.Success)

	w, _ = api.do(http.MethodGet, "/api/v1/invoices/nope/approval", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetApprovalByInvoice(t *testing.T) {
	api := newTestAPI(t)
	rec := api.create("INV-42", "10", "")

	w, env := api.do(http.MethodGet, "/api/v1/invoices/INV-42/approval", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got approvalBody
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, rec.ID, got.ID)
}

func TestListPending(t *testing.T) {
	api := newTestAPI(t)
	first := api.create("INV-1", "10", "")
	api.clock = api.clock.Add(time.Hour)
	second := api.create("INV-2", "60000", "")

	w, env := api.do(http.MethodGet, "/api/v1/approvals/pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []approvalBody
	require.NoError(t, json.Unmarshal(env.Data, &all))
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	w, env = api.do(http.MethodGet, "/api/v1/approvals/pending?level=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var finance []approvalBody
	require.NoError(t, json.Unmarshal(env.Data, &finance))
	require.Len(t, finance, 1)
	assert.Equal(t, second.ID, finance[0].ID)

	w, _ = api.do(http.MethodGet, "/api/v1/approvals/pending?level=7", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = api.do(http.MethodGet, "/api/v1/approvals/pending?level=high", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOverdue(t *testing.T) {
	api := newTestAPI(t)
	old := api.create("INV-old", "10", "")
	api.clock = api.clock.Add(2 * 24 * time.Hour)
	api.create("INV-new", "10", "")
	api.clock = api.clock.Add(2 * 24 * time.Hour) // old waits 4 days, new waits 2

	w, env := api.do(http.MethodGet, "/api/v1/approvals/overdue", "")
	require.Equal(t, http.StatusOK, w.Code)
	var items []struct {
		Approval    approvalBody `json:"approval"`
		WaitingDays int          `json:"waiting_days"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, old.ID, items[0].Approval.ID)
	assert.Equal(t, 4, items[0].WaitingDays)

	w, env = api.do(http.MethodGet, "/api/v1/approvals/overdue?threshold_days=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &items))
	assert.Len(t, items, 2)

	w, _ = api.do(http.MethodGet, "/api/v1/approvals/overdue?threshold_days=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSummaryAndDashboard(t *testing.T) {
	api := newTestAPI(t)
	a := api.create("INV-1", "10", "")
	api.create("INV-2", "60000", "")
	api.create("INV-3", "150000", "")

	w, _ := api.do(http.MethodPost, "/api/v1/approvals/"+a.ID+"/approve", `{"approver_name":"Sam"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, env := api.do(http.MethodGet, "/api/v1/approvals/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	var summary struct {
		TotalPending   int            `json:"total_pending"`
		TotalApproved  int            `json:"total_approved"`
		TotalRejected  int            `json:"total_rejected"`
		OverdueCount   int            `json:"overdue_count"`
		PendingByLevel map[string]int `json:"pending_by_level"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 2, summary.TotalPending)
	assert.Equal(t, 1, summary.TotalApproved)
	assert.Equal(t, 0, summary.TotalRejected)
	assert.Equal(t, map[string]int{"Finance": 1, "Compliance": 1}, summary.PendingByLevel)

	w, env = api.do(http.MethodGet, "/api/v1/approvals/dashboard", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		PendingApprovals []approvalBody    `json:"pending_approvals"`
		OverdueApprovals []json.RawMessage `json:"overdue_approvals"`
		ApprovalLevels   []json.RawMessage `json:"approval_levels"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Len(t, view.PendingApprovals, 2)
	assert.NotNil(t, view.OverdueApprovals)
	assert.Empty(t, view.OverdueApprovals)
	assert.Len(t, view.ApprovalLevels, 3)
}

func TestExport(t *testing.T) {
	api := newTestAPI(t)
	api.create("INV-1", "10", "")
	api.create("INV-2", "20", "")

	w, _ := api.do(http.MethodGet, "/api/v1/approvals/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(export.SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestStreamRouteOnlyWithHandler(t *testing.T) {
	api := newTestAPI(t)
	w, _ := api.do(http.MethodGet, "/api/v1/approvals/stream", "")
	// Without a stream handler the path falls through to GetApproval
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
