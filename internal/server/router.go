package server

import (
	"log/slog"
	"net/http"

	"github.com/gikenye/minilend-sub000/internal/auth"
	"github.com/gikenye/minilend-sub000/internal/config"
	"github.com/gikenye/minilend-sub000/internal/http/handlers"
	"github.com/gikenye/minilend-sub000/internal/http/middleware"
	"github.com/gin-gonic/gin"
)

type Dependencies struct {
	Pinger       handlers.Pinger
	ScoreHandler *handlers.ScoreHandler
	LoanHandler  *handlers.LoanHandler
	PoolHandler  *handlers.PoolHandler
	JWTManager   *auth.JWTManager
}

func NewRouter(cfg config.Config, logger *slog.Logger, deps Dependencies) *gin.Engine {
	if cfg.Env == "prod" || cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestBodyLimit(cfg.MaxRequestBodyBytes))
	r.Use(func(c *gin.Context) {
		logger.Info("request", "method", c.Request.Method, "path", c.Request.URL.Path)
		c.Next()
	})

	health := handlers.NewHealthHandler(deps.Pinger)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	if deps.PoolHandler != nil {
		r.GET("/v1/pools/status", deps.PoolHandler.GetStatus)
	}

	if deps.JWTManager != nil {
		protected := r.Group("/v1")
		protected.Use(middleware.RequireAuth(deps.JWTManager))

		if deps.ScoreHandler != nil {
			protected.GET("/credit-score/:address", deps.ScoreHandler.GetCreditScore)
			protected.GET("/loan-limit/:address", deps.ScoreHandler.GetLoanLimit)
		}
		if deps.LoanHandler != nil {
			protected.POST("/loans", deps.LoanHandler.Apply)
			protected.GET("/loans", deps.LoanHandler.ListLoans)
			protected.GET("/loans/:loanId", deps.LoanHandler.GetLoan)
			protected.POST("/loans/:loanId/repay", deps.LoanHandler.Repay)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}
