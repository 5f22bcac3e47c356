package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	loandomain "github.com/gikenye/minilend-sub000/internal/domain/loan"
	"github.com/gikenye/minilend-sub000/internal/domain/pool"
	"github.com/gikenye/minilend-sub000/internal/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type LoanService interface {
	Apply(ctx context.Context, in loandomain.ApplicationInput) (*loandomain.Entity, error)
	Repay(ctx context.Context, in loandomain.RepaymentInput) (*loandomain.Entity, *loandomain.Repayment, error)
	GetLoan(ctx context.Context, loanID string) (*loandomain.Entity, error)
	ListByBorrower(ctx context.Context, address string, status loandomain.Status) ([]loandomain.Entity, error)
}

type LoanHandler struct {
	loanService LoanService
}

func NewLoanHandler(loanService LoanService) *LoanHandler {
	return &LoanHandler{loanService: loanService}
}

func (h *LoanHandler) Apply(c *gin.Context) {
	var req struct {
		Amount              decimal.Decimal `json:"amount"`
		TermDays            int             `json:"term_days"`
		LocalCurrencyAmount decimal.Decimal `json:"local_currency_amount"`
		LocalCurrencyCode   string          `json:"local_currency_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.loanService.Apply(c.Request.Context(), loandomain.ApplicationInput{
		BorrowerAddress:     middleware.CallerAddress(c),
		Amount:              req.Amount,
		TermDays:            req.TermDays,
		LocalCurrencyAmount: req.LocalCurrencyAmount,
		LocalCurrencyCode:   req.LocalCurrencyCode,
	})
	if err != nil {
		h.writeLoanError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *LoanHandler) Repay(c *gin.Context) {
	loanID := strings.TrimSpace(c.Param("loanId"))
	if loanID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ln, rep, err := h.loanService.Repay(c.Request.Context(), loandomain.RepaymentInput{
		LoanID:        loanID,
		CallerAddress: middleware.CallerAddress(c),
		Amount:        req.Amount,
	})
	if err != nil {
		h.writeLoanError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan": ln, "repayment": rep})
}

func (h *LoanHandler) GetLoan(c *gin.Context) {
	loanID := strings.TrimSpace(c.Param("loanId"))
	if loanID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_loan_id"})
		return
	}
	ln, err := h.loanService.GetLoan(c.Request.Context(), loanID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "loan_not_found"})
		return
	}
	if ln.BorrowerAddress != middleware.CallerAddress(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, ln)
}

func (h *LoanHandler) ListLoans(c *gin.Context) {
	items, err := h.loanService.ListByBorrower(
		c.Request.Context(),
		middleware.CallerAddress(c),
		loandomain.Status(strings.TrimSpace(c.Query("status"))),
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_loans_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *LoanHandler) writeLoanError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, loandomain.ErrExceedsLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "exceeds_limit"})
	case errors.Is(err, pool.ErrNoSuitablePool):
		c.JSON(http.StatusConflict, gin.H{"error": "no_suitable_pool"})
	case errors.Is(err, loandomain.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, loandomain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "loan_not_found"})
	case errors.Is(err, loandomain.ErrOverpayment),
		errors.Is(err, loandomain.ErrNotRepayable),
		errors.Is(err, loandomain.ErrInvalidInput),
		errors.Is(err, pool.ErrAmountOutOfBounds),
		errors.Is(err, pool.ErrTermOutOfBounds),
		errors.Is(err, pool.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		// Exhausted RPC retries and other upstream failures come through here.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
	}
}
