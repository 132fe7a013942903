package contract

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gigpact/escrow/internal/validation"
	"github.com/gigpact/escrow/internal/wallet"
)

// Handler provides HTTP endpoints for contract and milestone operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new contract handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up contract routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.GET("/contracts", h.ListContracts)
	r.GET("/contracts/:id", h.GetContract)
	r.POST("/contracts/:id/cancel", h.CancelContract)
	r.POST("/contracts/:id/milestones/:mid/fund", h.FundMilestone)
	r.POST("/contracts/:id/milestones/:mid/submit", h.SubmitWork)
	r.POST("/contracts/:id/milestones/:mid/revision", h.RequestRevision)
	r.POST("/contracts/:id/milestones/:mid/release", h.ReleaseEscrow)
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	checks := []func() *validation.ValidationError{
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.ValidID("client_id", req.ClientID),
		validation.ValidID("freelancer_id", req.FreelancerID),
		validation.ValidAmount("total_budget", req.TotalBudget),
	}
	for i, m := range req.Milestones {
		checks = append(checks, validation.ValidAmount("milestones["+strconv.Itoa(i)+"].amount", m.Amount))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	contract, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ListContracts handles GET /v1/contracts?clientId=&freelancerId=
func (h *Handler) ListContracts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	contracts, err := h.service.ListByParty(c.Request.Context(), c.Query("clientId"), c.Query("freelancerId"), limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contracts": contracts,
		"count":     len(contracts),
	})
}

// FundMilestone handles POST /v1/contracts/:id/milestones/:mid/fund
func (h *Handler) FundMilestone(c *gin.Context) {
	var req struct {
		CallerID string `json:"callerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "callerId is required",
		})
		return
	}

	m, err := h.service.FundMilestone(c.Request.Context(), c.Param("id"), c.Param("mid"), req.CallerID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// SubmitWork handles POST /v1/contracts/:id/milestones/:mid/submit
func (h *Handler) SubmitWork(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "callerId and deliveryRef are required",
		})
		return
	}
	req.Note = validation.SanitizeString(req.Note, validation.MaxStringLength)

	m, err := h.service.SubmitWork(c.Request.Context(), c.Param("id"), c.Param("mid"), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// RequestRevision handles POST /v1/contracts/:id/milestones/:mid/revision
func (h *Handler) RequestRevision(c *gin.Context) {
	var req RevisionRequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "callerId and feedback are required",
		})
		return
	}
	req.Feedback = validation.SanitizeString(req.Feedback, validation.MaxStringLength)

	m, err := h.service.RequestRevision(c.Request.Context(), c.Param("id"), c.Param("mid"), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ReleaseEscrow handles POST /v1/contracts/:id/milestones/:mid/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req struct {
		CallerID string `json:"callerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "callerId is required",
		})
		return
	}

	m, settlement, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("id"), c.Param("mid"), req.CallerID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"milestone": m,
		"net":       settlement.Net,
		"fee":       settlement.Fee,
	})
}

// CancelContract handles POST /v1/contracts/:id/cancel
func (h *Handler) CancelContract(c *gin.Context) {
	var req struct {
		CallerID string `json:"callerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "callerId is required",
		})
		return
	}

	contract, refunded, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contract": contract,
		"refunded": refunded,
	})
}

func respondServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrContractNotFound), errors.Is(err, ErrMilestoneNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotAuthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrBudgetExceeded):
		status = http.StatusBadRequest
		code = "budget_exceeded"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	case errors.Is(err, ErrContractClosed):
		status = http.StatusConflict
		code = "contract_closed"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_transition"
	case errors.Is(err, ErrConcurrencyConflict):
		status = http.StatusConflict
		code = "version_conflict"
	}
	c.JSON(status, gin.H{"error": code, "message": code + ": " + err.Error()})
}
