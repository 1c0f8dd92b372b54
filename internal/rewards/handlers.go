package rewards

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wctlabs/wikirewards/internal/ledger"
	"github.com/wctlabs/wikirewards/internal/logging"
	"github.com/wctlabs/wikirewards/internal/validation"
)

const maxPageSize = 200

// Handler provides HTTP endpoints for reward calculation and distribution.
type Handler struct {
	service *Service
}

// NewHandler creates a new rewards handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/rewards/calculate", h.Calculate)
	r.GET("/rewards/distributions", h.ListRuns)
	r.GET("/rewards/distributions/:id", h.GetRun)
	r.GET("/rewards/distributions/:id/payouts", h.RunPayouts)
	r.GET("/contributors/:id/payouts", h.ContributorPayouts)
}

// RegisterProtectedRoutes sets up admin routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/rewards/create-distribution", h.CreateRun)
	r.POST("/rewards/distributions/:id/execute", h.Execute)
	r.POST("/rewards/distributions/:id/retry", h.Retry)
	r.POST("/rewards/confirm", h.Confirm)
	r.POST("/rewards/distribution-complete", h.Complete)
}

// Calculate handles GET /v1/rewards/calculate
func (h *Handler) Calculate(c *gin.Context) {
	start, end, err := validation.ParseWindow(c.Query("startDate"), c.Query("endDate"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	var pool int64
	if v := c.Query("totalTokens"); v != "" {
		pool, err = strconv.ParseInt(v, 10, 64)
		if err != nil || pool <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "totalTokens must be a positive integer"})
			return
		}
	}
	var minPayout *int64
	if v := c.Query("minPayout"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "minPayout must be an integer"})
			return
		}
		minPayout = &n
	}

	calc, err := h.service.Calculate(c.Request.Context(), start, end, pool, minPayout)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, calc)
}

// CreateRun handles POST /v1/rewards/create-distribution
func (h *Handler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	start, end, err := validation.ParseWindow(req.StartDate, req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	run, err := h.service.CreateRun(c.Request.Context(), start, end, req.TotalTokens, req.MinPayout)
	if err != nil {
		respondError(c, err)
		return
	}

	logging.L(c.Request.Context()).Info("distribution run created via api", "runId", run.ID)
	c.JSON(http.StatusCreated, gin.H{"distribution": run})
}

// Execute handles POST /v1/rewards/distributions/:id/execute
func (h *Handler) Execute(c *gin.Context) {
	run, err := h.service.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondRunError(c, run, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"distribution": run})
}

// Retry handles POST /v1/rewards/distributions/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	run, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondRunError(c, run, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"distribution": run})
}

// Confirm handles POST /v1/rewards/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	rec, inserted, err := h.service.Confirm(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": rec, "recorded": inserted})
}

// Complete handles POST /v1/rewards/distribution-complete
func (h *Handler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	run, err := h.service.Complete(c.Request.Context(), req.RunID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"distribution": run})
}

// ListRuns handles GET /v1/rewards/distributions
func (h *Handler) ListRuns(c *gin.Context) {
	limit := DefaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxPageSize)
	}

	runs, next, err := h.service.ListRuns(c.Request.Context(), limit, c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	resp := gin.H{"distributions": runs, "count": len(runs)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetRun handles GET /v1/rewards/distributions/:id
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"distribution": run})
}

// RunPayouts handles GET /v1/rewards/distributions/:id/payouts
func (h *Handler) RunPayouts(c *gin.Context) {
	payouts, err := h.service.RunPayouts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, payouts)
}

// ContributorPayouts handles GET /v1/contributors/:id/payouts
func (h *Handler) ContributorPayouts(c *gin.Context) {
	records, err := h.service.ContributorPayouts(c.Request.Context(), c.Param("id"), maxPageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payouts": records, "count": len(records)})
}

// respondRunError includes the run's current state when the failure left
// it somewhere worth reporting.
func respondRunError(c *gin.Context, run *Run, err error) {
	if run == nil || !errors.Is(err, ErrInsufficientTreasury) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"error":        "insufficient_treasury",
		"message":      err.Error(),
		"distribution": run,
	})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "Internal error"
	switch {
	case errors.Is(err, ErrRunNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrRunExists), errors.Is(err, ErrOverlappingRun),
		errors.Is(err, ErrRunInProgress), errors.Is(err, ErrRunTerminal),
		errors.Is(err, ErrRunNotFinished), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrTxRefUsed):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInsufficientTreasury):
		status = http.StatusUnprocessableEntity
		code = "insufficient_treasury"
	case errors.Is(err, ErrNothingToDistribute):
		status = http.StatusUnprocessableEntity
		code = "nothing_to_distribute"
	case errors.Is(err, ErrUnconfirmed):
		status = http.StatusUnprocessableEntity
		code = "unconfirmed"
	case errors.Is(err, ErrTransferMismatch):
		status = http.StatusUnprocessableEntity
		code = "transfer_mismatch"
	case errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrInvalidPool), errors.Is(err, ErrNotPlanned):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ledger.ErrUnavailable):
		status = http.StatusServiceUnavailable
		code = "ledger_unavailable"
	}
	if status != http.StatusInternalServerError {
		message = err.Error()
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
