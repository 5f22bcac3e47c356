package handlers

import (
	"net/http"

	"github.com/gikenye/minilend-sub000/internal/domain/pool"
	"github.com/gin-gonic/gin"
)

type PoolStatusSource interface {
	Status() []pool.StatusSummary
}

type PoolHandler struct {
	pools PoolStatusSource
}

func NewPoolHandler(pools PoolStatusSource) *PoolHandler {
	return &PoolHandler{pools: pools}
}

func (h *PoolHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": h.pools.Status()})
}
