package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wctlabs/wikirewards/internal/ledger"
)

// Handler provides HTTP endpoints for reconciliation.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up admin routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.Run)
	r.GET("/reconciliation/last", h.LastReport)
}

// Run handles POST /v1/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.service.RunAll(c.Request.Context())
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
}

// LastReport handles GET /v1/reconciliation/last
func (h *Handler) LastReport(c *gin.Context) {
	report := h.service.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
}
