package demand

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wctlabs/wikirewards/internal/contributions"
)

// Handler provides admin endpoints that trigger demand recomputation.
type Handler struct {
	updater *Updater
}

// NewHandler creates a new demand handler.
func NewHandler(updater *Updater) *Handler {
	return &Handler{updater: updater}
}

// RegisterProtectedRoutes sets up admin routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/demand/refresh", h.RefreshAll)
	r.POST("/demand/refresh/:id", h.Refresh)
}

// RefreshAll handles POST /v1/demand/refresh
func (h *Handler) RefreshAll(c *gin.Context) {
	summary, err := h.updater.UpdateAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// Refresh handles POST /v1/demand/refresh/:id
func (h *Handler) Refresh(c *gin.Context) {
	res, err := h.updater.Update(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, contributions.ErrTopicNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Topic not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"demand": res})
}
