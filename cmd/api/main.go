package main

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/osirix/backend/internal/auth"
	"github.com/osirix/backend/internal/config"
	"github.com/osirix/backend/internal/execution"
	"github.com/osirix/backend/internal/jobs"
	"github.com/osirix/backend/internal/ledger"
	"github.com/osirix/backend/internal/middleware"
	"github.com/osirix/backend/internal/router"
	"github.com/osirix/backend/internal/store"
	"github.com/osirix/backend/internal/wallet"
	"github.com/osirix/backend/pkg/logging"
)

func main() {
	cfgPath := os.Getenv("OSIRIX_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logging.New("text", "info").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Format, cfg.Log.Level)

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Error("apply migrations", "error", err)
		os.Exit(1)
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(db.Pool), nil)
	if err != nil {
		logger.Error("create river migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		logger.Error("river migrate up", "error", err)
		os.Exit(1)
	}

	ledgerRepo := ledger.NewRepository(db.Pool)
	ledgerSvc := ledger.NewService(ledgerRepo, db)
	ledgerHandler := ledger.NewHandler(ledgerSvc, logger)

	// The enqueue func is set after the river client exists (breaks the
	// init cycle between jobs service and worker).
	var enqueueMu sync.Mutex
	var enqueueFn jobs.EnqueueFunc
	enqueue := func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) error {
		enqueueMu.Lock()
		fn := enqueueFn
		enqueueMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	jobsRepo := jobs.NewRepository(db.Pool)
	jobsSvc := jobs.NewService(jobsRepo, ledgerSvc, db, enqueue, logger)
	jobsHandler := jobs.NewHandler(jobsSvc, cfg.Worker.CallbackToken, logger)

	workers := river.NewWorkers()
	generator := execution.NewHTTPGenerator(cfg.Worker.BackendURL)
	river.AddWorker(workers, execution.NewGenerateWorker(jobsSvc, generator, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(db.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Worker.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		logger.Error("create river client", "error", err)
		os.Exit(1)
	}

	enqueueMu.Lock()
	enqueueFn = func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	enqueueMu.Unlock()

	walletRepo := wallet.NewRepository(db.Pool)
	walletSvc := wallet.NewService(walletRepo, ledgerSvc, db, cfg.Withdrawal.MinimumAmount, logger)
	walletHandler := wallet.NewHandler(walletSvc, logger)

	authRepo := auth.NewRepository(db.Pool)
	authSvc := auth.NewService(authRepo, ledgerSvc, cfg.JWT.Secret, cfg.JWT.TokenTTL, cfg.Credits.SignupBonus, logger)
	authHandler := auth.NewHandler(authSvc, logger)

	mux := router.New(authHandler, ledgerHandler, jobsHandler, walletHandler, authSvc)

	handler := middleware.Metrics(middleware.RequestLogger(logger)(mux))
	handler = cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Worker-Token"},
		AllowCredentials: true,
	}).Handler(handler)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			logger.Error("river client stopped", "error", err)
		}
	}()

	logger.Info("starting HTTP server", "addr", cfg.Server.Addr)
	if err := http.ListenAndServe(cfg.Server.Addr, handler); err != nil {
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
