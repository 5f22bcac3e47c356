package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gikenye/minilend-sub000/internal/auth"
	"github.com/gikenye/minilend-sub000/internal/blockchain"
	"github.com/gikenye/minilend-sub000/internal/config"
	"github.com/gikenye/minilend-sub000/internal/db"
	loandomain "github.com/gikenye/minilend-sub000/internal/domain/loan"
	pooldomain "github.com/gikenye/minilend-sub000/internal/domain/pool"
	"github.com/gikenye/minilend-sub000/internal/domain/score"
	"github.com/gikenye/minilend-sub000/internal/http/handlers"
	"github.com/gikenye/minilend-sub000/internal/observability"
	postgresrepo "github.com/gikenye/minilend-sub000/internal/repository/postgres"
	"github.com/gikenye/minilend-sub000/internal/server"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pgPool, err := db.NewPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "err", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	rpcClient, err := blockchain.NewFailoverClient(cfg.RPCEndpoints, cfg.RPCMaxRetries)
	if err != nil {
		logger.Error("failed to build rpc client", "err", err)
		os.Exit(1)
	}

	poolLedger := pooldomain.NewLedger(postgresrepo.NewPoolRepository(pgPool))
	if err := poolLedger.Load(ctx); err != nil {
		logger.Error("failed to load lending pools", "err", err)
		os.Exit(1)
	}

	eventReader := blockchain.NewEventReader(rpcClient, cfg.PoolContractAddr, cfg.ChainTokenDecimals)
	scoreEngine := score.NewEngine(eventReader, logger)

	// Without a configured contract the service runs read-only against the
	// chain: scoring and pool status work, on-chain writes are disabled.
	var chainWriter loandomain.ChainWriter
	if cfg.PoolContractAddr != "" && cfg.ChainFromAddress != "" {
		contract, err := blockchain.NewPoolContract(rpcClient, cfg.PoolContractAddr, cfg.ChainFromAddress, cfg.ChainTxGasLimit, cfg.ChainTokenDecimals)
		if err != nil {
			logger.Error("failed to build pool contract client", "err", err)
			os.Exit(1)
		}
		chainWriter = contract
	} else {
		logger.Warn("chain writes disabled: contract or from-address not configured")
	}

	loanService := loandomain.NewService(
		scoreEngine,
		postgresrepo.NewLoanRepository(pgPool),
		postgresrepo.NewUserRepository(pgPool),
		poolLedger,
		postgresrepo.NewLedgerRepository(pgPool),
		chainWriter,
		rpcClient,
		logger,
	)

	jwtManager := auth.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSigningKey)

	r := server.NewRouter(cfg, logger, server.Dependencies{
		Pinger:       pgPool,
		ScoreHandler: handlers.NewScoreHandler(loanService),
		LoanHandler:  handlers.NewLoanHandler(loanService),
		PoolHandler:  handlers.NewPoolHandler(poolLedger),
		JWTManager:   jwtManager,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api server starting", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api server stopped")
}
