package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gikenye/minilend-sub000/internal/blockchain"
	"github.com/gikenye/minilend-sub000/internal/config"
	"github.com/gikenye/minilend-sub000/internal/db"
	loandomain "github.com/gikenye/minilend-sub000/internal/domain/loan"
	pooldomain "github.com/gikenye/minilend-sub000/internal/domain/pool"
	"github.com/gikenye/minilend-sub000/internal/domain/score"
	"github.com/gikenye/minilend-sub000/internal/jobs"
	"github.com/gikenye/minilend-sub000/internal/observability"
	"github.com/gikenye/minilend-sub000/internal/reconcile"
	postgresrepo "github.com/gikenye/minilend-sub000/internal/repository/postgres"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.Env)

	if cfg.PoolContractAddr == "" {
		logger.Error("LENDING_POOL_CONTRACT is required")
		os.Exit(1)
	}

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
	ledgerRepo := postgresrepo.NewLedgerRepository(pgPool)

	// The reconciler never submits chain writes; the loan service runs with
	// writes disabled and only mutates off-chain state.
	loanService := loandomain.NewService(
		score.NewEngine(eventReader, logger),
		postgresrepo.NewLoanRepository(pgPool),
		postgresrepo.NewUserRepository(pgPool),
		poolLedger,
		ledgerRepo,
		nil,
		nil,
		logger,
	)

	svc := reconcile.NewService(
		eventReader,
		ledgerRepo,
		ledgerRepo,
		poolLedger,
		loanService,
		logger,
		cfg.ChainStartBlock,
		cfg.ReconcileBlockBatch,
		cfg.ChainConfirmations,
	)

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.Every(cfg.ReconcileInterval, "reconcile", 30*time.Second, svc.RunOnce); err != nil {
		logger.Error("failed to schedule reconciliation", "err", err)
		os.Exit(1)
	}

	scheduler.Start()
	logger.Info("reconciler started", "interval", cfg.ReconcileInterval.String(), "block_batch", cfg.ReconcileBlockBatch)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	scheduler.Stop()
	logger.Info("reconciler stopped")
}
