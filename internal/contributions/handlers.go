package contributions

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for contributors, topics and contributions.
type Handler struct {
	service *Service
}

// NewHandler creates a new contributions handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/contributors/:id", h.GetContributor)
	r.GET("/topics", h.ListTopics)
}

// RegisterProtectedRoutes sets up admin routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/contributors", h.RegisterContributor)
	r.PUT("/contributors/:id/wallet", h.UpdateWallet)
	r.POST("/topics", h.CreateTopic)
	r.PUT("/content/:id/topics", h.TagContent)
	r.POST("/contributions", h.Record)
}

// RegisterContributor handles POST /v1/contributors
func (h *Handler) RegisterContributor(c *gin.Context) {
	var req RegisterContributorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	contributor, err := h.service.RegisterContributor(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contributor": contributor})
}

// GetContributor handles GET /v1/contributors/:id
func (h *Handler) GetContributor(c *gin.Context) {
	contributor, err := h.service.GetContributor(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contributor": contributor})
}

// UpdateWallet handles PUT /v1/contributors/:id/wallet
func (h *Handler) UpdateWallet(c *gin.Context) {
	var req UpdateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	contributor, err := h.service.UpdateWallet(c.Request.Context(), c.Param("id"), req.WalletAddress)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contributor": contributor})
}

// CreateTopic handles POST /v1/topics
func (h *Handler) CreateTopic(c *gin.Context) {
	var req CreateTopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	topic, err := h.service.CreateTopic(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"topic": topic})
}

// ListTopics handles GET /v1/topics
func (h *Handler) ListTopics(c *gin.Context) {
	topics, err := h.service.ListTopics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"topics": topics, "count": len(topics)})
}

// TagContent handles PUT /v1/content/:id/topics
func (h *Handler) TagContent(c *gin.Context) {
	var req TagContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	topics, err := h.service.TagContent(c.Request.Context(), c.Param("id"), req.TopicIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contentId": c.Param("id"), "topics": topics})
}

// Record handles POST /v1/contributions
func (h *Handler) Record(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	ev, err := h.service.Record(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contribution": ev})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrContributorNotFound), errors.Is(err, ErrTopicNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrContributorExists), errors.Is(err, ErrTopicExists):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidWallet):
		status = http.StatusBadRequest
		code = "invalid_wallet"
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
