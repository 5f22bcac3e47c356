package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/gikenye/minilend-sub000/internal/domain/score"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

type ScoreService interface {
	CreditScore(ctx context.Context, address string) score.Result
	LoanLimit(ctx context.Context, address string) (decimal.Decimal, score.Result)
}

type ScoreHandler struct {
	scores ScoreService
}

func NewScoreHandler(scores ScoreService) *ScoreHandler {
	return &ScoreHandler{scores: scores}
}

func (h *ScoreHandler) GetCreditScore(c *gin.Context) {
	address := strings.TrimSpace(c.Param("address"))
	if !addressPattern.MatchString(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	res := h.scores.CreditScore(c.Request.Context(), address)
	c.JSON(http.StatusOK, gin.H{
		"address":   strings.ToLower(address),
		"score":     res.Score,
		"breakdown": res.Breakdown,
	})
}

func (h *ScoreHandler) GetLoanLimit(c *gin.Context) {
	address := strings.TrimSpace(c.Param("address"))
	if !addressPattern.MatchString(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	limit, res := h.scores.LoanLimit(c.Request.Context(), address)
	c.JSON(http.StatusOK, gin.H{
		"address": strings.ToLower(address),
		"limit":   limit,
		"factors": res.Breakdown,
		"score":   res.Score,
	})
}
