package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/garyjia/invoice-approval/internal/application/service"
	"github.com/garyjia/invoice-approval/internal/domain/dashboard"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/escalation"
	"github.com/garyjia/invoice-approval/internal/domain/risk"
	"github.com/garyjia/invoice-approval/internal/domain/routing"
	"github.com/garyjia/invoice-approval/internal/domain/workflow"
	"github.com/garyjia/invoice-approval/internal/infrastructure/export"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	approvalService service.ApprovalService
	health          HealthFunc
	logger          Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(approvalService service.ApprovalService, logger Logger) *Handlers {
	return &Handlers{
		approvalService: approvalService,
		logger:          logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string      `json:"status"`
	Timestamp  string      `json:"timestamp"`
	Version    string      `json:"version"`
	Components interface{} `json:"components,omitempty"`
}

// CreateApprovalRequest is the body of POST /api/v1/approvals
type CreateApprovalRequest struct {
	InvoiceID   string           `json:"invoice_id"`
	VendorName  string           `json:"vendor_name"`
	Country     string           `json:"country"`
	TotalAmount *decimal.Decimal `json:"total_amount"`
	FraudScore  *float64         `json:"fraud_score"`
}

// ApproveRequest is the body of POST /api/v1/approvals/:id/approve
type ApproveRequest struct {
	ApproverName string `json:"approver_name"`
	Comments     string `json:"comments"`
}

// RejectRequest is the body of POST /api/v1/approvals/:id/reject
type RejectRequest struct {
	RejectorName string `json:"rejector_name"`
	Reason       string `json:"reason"`
}

// ApprovalResponse is a record plus its derived risk label
type ApprovalResponse struct {
	*entity.ApprovalRecord
	FraudRisk risk.Level `json:"fraud_risk"`
}

// OverdueResponse is an overdue record with its waiting time
type OverdueResponse struct {
	Approval    ApprovalResponse `json:"approval"`
	WaitingDays int              `json:"waiting_days"`
}

// DashboardResponse is the combined dashboard read model
type DashboardResponse struct {
	Summary          dashboard.Summary   `json:"summary"`
	PendingApprovals []ApprovalResponse  `json:"pending_approvals"`
	OverdueApprovals []OverdueResponse   `json:"overdue_approvals"`
	ApprovalLevels   []routing.LevelInfo `json:"approval_levels"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
	}
	code := http.StatusOK
	if h.health != nil {
		healthy, components := h.health(c.Request.Context())
		resp.Components = components
		if !healthy {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, Response{Success: code == http.StatusOK, Data: resp})
}

// CreateApproval handles POST /api/v1/approvals
func (h *Handlers) CreateApproval(c *gin.Context) {
	var req CreateApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.TotalAmount == nil {
		h.badRequest(c, "total_amount is required")
		return
	}

	rec, err := h.approvalService.CreateApproval(c.Request.Context(), service.CreateApprovalInput{
		InvoiceID:   req.InvoiceID,
		VendorName:  req.VendorName,
		Country:     req.Country,
		TotalAmount: *req.TotalAmount,
		FraudScore:  req.FraudScore,
	})
	if err != nil {
		h.fail(c, "create approval", err)
		return
	}

	c.JSON(http.StatusCreated, Response{Success: true, Data: toApprovalResponse(rec)})
}

// GetApproval handles GET /api/v1/approvals/:id
func (h *Handlers) GetApproval(c *gin.Context) {
	rec, err := h.approvalService.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get approval", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toApprovalResponse(rec)})
}

// GetApprovalByInvoice handles GET /api/v1/invoices/:invoice_id/approval
func (h *Handlers) GetApprovalByInvoice(c *gin.Context) {
	rec, err := h.approvalService.GetApprovalByInvoice(c.Request.Context(), c.Param("invoice_id"))
	if err != nil {
		h.fail(c, "get approval by invoice", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toApprovalResponse(rec)})
}

// History handles GET /api/v1/approvals/:id/history
func (h *Handlers) History(c *gin.Context) {
	entries, err := h.approvalService.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get approval history", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: entries})
}

// ListPending handles GET /api/v1/approvals/pending?level=
func (h *Handlers) ListPending(c *gin.Context) {
	var level *entity.Level
	if raw := c.Query("level"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.badRequest(c, fmt.Sprintf("level must be an integer, got %q", raw))
			return
		}
		l := entity.Level(n)
		level = &l
	}

	records, err := h.approvalService.ListPending(c.Request.Context(), level)
	if err != nil {
		h.fail(c, "list pending approvals", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toApprovalResponses(records)})
}

// ListOverdue handles GET /api/v1/approvals/overdue?threshold_days=
func (h *Handlers) ListOverdue(c *gin.Context) {
	var threshold *int
	if raw := c.Query("threshold_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.badRequest(c, fmt.Sprintf("threshold_days must be an integer, got %q", raw))
			return
		}
		threshold = &n
	}

	items, err := h.approvalService.ListOverdue(c.Request.Context(), threshold)
	if err != nil {
		h.fail(c, "list overdue approvals", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toOverdueResponses(items)})
}

// Approve handles POST /api/v1/approvals/:id/approve
func (h *Handlers) Approve(c *gin.Context) {
	var req ApproveRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	rec, err := h.approvalService.Approve(c.Request.Context(), c.Param("id"), req.ApproverName, req.Comments)
	if err != nil {
		h.fail(c, "approve", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toApprovalResponse(rec)})
}

// Reject handles POST /api/v1/approvals/:id/reject
func (h *Handlers) Reject(c *gin.Context) {
	var req RejectRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	rec, err := h.approvalService.Reject(c.Request.Context(), c.Param("id"), req.RejectorName, req.Reason)
	if err != nil {
		h.fail(c, "reject", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toApprovalResponse(rec)})
}

// Summary handles GET /api/v1/approvals/summary
func (h *Handlers) Summary(c *gin.Context) {
	summary, err := h.approvalService.Summarize(c.Request.Context())
	if err != nil {
		h.fail(c, "summarize approvals", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: summary})
}

// Dashboard handles GET /api/v1/approvals/dashboard
func (h *Handlers) Dashboard(c *gin.Context) {
	view, err := h.approvalService.Dashboard(c.Request.Context())
	if err != nil {
		h.fail(c, "build dashboard", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: DashboardResponse{
		Summary:          view.Summary,
		PendingApprovals: toApprovalResponses(view.PendingApprovals),
		OverdueApprovals: toOverdueResponses(view.OverdueApprovals),
		ApprovalLevels:   view.ApprovalLevels,
	}})
}

// Export handles GET /api/v1/approvals/export
func (h *Handlers) Export(c *gin.Context) {
	records, err := h.approvalService.ListAll(c.Request.Context())
	if err != nil {
		h.fail(c, "export approvals", err)
		return
	}

	filename := fmt.Sprintf("approvals-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Status(http.StatusOK)

	if err := export.WriteApprovals(c.Writer, records); err != nil {
		// Headers are already sent; the client sees a truncated body
		h.logger.Error("Failed to write export", "error", err)
	}
}

// bindOptionalJSON decodes the body into dst when one is present. Missing
// fields are left for the service to validate.
func (h *Handlers) bindOptionalJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handlers) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Success: false, Error: msg})
}

// fail maps a service error onto an HTTP status
func (h *Handlers) fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "operation", op, "error", err)
		msg = "failed to " + op
	}
	c.JSON(status, Response{Success: false, Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrInvalidInput), errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func toApprovalResponse(rec *entity.ApprovalRecord) ApprovalResponse {
	return ApprovalResponse{
		ApprovalRecord: rec,
		FraudRisk:      risk.Classify(rec.FraudScore),
	}
}

func toApprovalResponses(records []*entity.ApprovalRecord) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toApprovalResponse(rec))
	}
	return out
}

func toOverdueResponses(items []escalation.OverdueItem) []OverdueResponse {
	out := make([]OverdueResponse, 0, len(items))
	for _, item := range items {
		out = append(out, OverdueResponse{
			Approval:    toApprovalResponse(item.Record),
			WaitingDays: item.WaitingDays,
		})
	}
	return out
}
