package wallet

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gigpact/escrow/internal/pagination"
	"github.com/gigpact/escrow/internal/validation"
)

// DepositPublisher receives notifications about completed deposits.
type DepositPublisher interface {
	PublishDeposit(ownerID, amount string)
}

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	ledger *Ledger
	events DepositPublisher
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// WithEvents attaches a deposit event publisher.
func (h *Handler) WithEvents(pub DepositPublisher) *Handler {
	h.events = pub
	return h
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/deposits", h.Deposit)
	r.GET("/wallet/:role/:owner/balance", h.GetBalance)
	r.GET("/wallet/:role/:owner/history", h.GetHistory)
}

// DepositRequest is the body for POST /v1/wallet/deposits.
type DepositRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// Deposit handles POST /v1/wallet/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ownerId and amount are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("owner_id", req.OwnerID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()
	if err := h.ledger.Deposit(ctx, req.OwnerID, req.Amount); err != nil {
		respondWalletError(c, err)
		return
	}

	acct, err := h.ledger.GetBalance(ctx, AccountID(RoleClient, req.OwnerID))
	if err != nil {
		respondWalletError(c, err)
		return
	}

	if h.events != nil {
		h.events.PublishDeposit(req.OwnerID, req.Amount)
	}

	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// GetBalance handles GET /v1/wallet/:role/:owner/balance
func (h *Handler) GetBalance(c *gin.Context) {
	role, ok := parseRole(c.Param("role"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role must be client, freelancer or platform",
		})
		return
	}

	acct, err := h.ledger.GetBalance(c.Request.Context(), AccountID(role, c.Param("owner")))
	if err != nil {
		respondWalletError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetHistory handles GET /v1/wallet/:role/:owner/history
func (h *Handler) GetHistory(c *gin.Context) {
	role, ok := parseRole(c.Param("role"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role must be client, freelancer or platform",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	// Fetch one extra row to detect whether another page exists
	entries, err := h.ledger.GetHistory(c.Request.Context(),
		AccountID(role, c.Param("owner")), limit+1, WithCursor(c.Query("cursor")))
	if err != nil {
		respondWalletError(c, err)
		return
	}

	entries, nextCursor, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	resp := gin.H{
		"entries": entries,
		"count":   len(entries),
		"hasMore": hasMore,
	}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

func parseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleClient, RoleFreelancer, RolePlatform:
		return Role(s), true
	default:
		return "", false
	}
}

func respondWalletError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrAccountNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
