package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/auth"
	"github.com/surveyhelp/backend/internal/awards"
	"github.com/surveyhelp/backend/internal/config"
	"github.com/surveyhelp/backend/internal/database"
	"github.com/surveyhelp/backend/internal/handlers"
	"github.com/surveyhelp/backend/internal/identity"
	"github.com/surveyhelp/backend/internal/ledger"
	"github.com/surveyhelp/backend/internal/logger"
	"github.com/surveyhelp/backend/internal/router"
	"github.com/surveyhelp/backend/internal/settlement"
	"github.com/surveyhelp/backend/internal/withdrawal"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_DIR"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	pool, err := database.Open(ctx, cfg.DB.URL, cfg.DB.MaxConns, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.DB.AutoMigrate {
		if err := database.Migrate(ctx, pool, cfg.DB.URL, log); err != nil {
			return err
		}
	}

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	store := ledger.NewStore(pool, ledgerRepo, log.Named("ledger"))

	// Settlement gateway. Manual mode still dials the chain when configured
	// so earlier gateway withdrawals keep reconciling.
	var gateway settlement.Gateway
	if cfg.Chain.Simulate {
		log.Warn("using simulated settlement gateway")
		gateway = settlement.NewSimulated()
	} else if cfg.Chain.RPCURL != "" {
		evm, err := settlement.DialEVM(ctx, settlement.EVMConfig{
			RPCURL:         cfg.Chain.RPCURL,
			ChainID:        cfg.Chain.ChainID,
			TokenAddress:   cfg.Chain.TokenAddress,
			TreasuryKey:    cfg.Chain.TreasuryKey,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		}, log.Named("settlement"))
		if err != nil {
			return err
		}
		log.Info("settlement gateway ready", zap.String("treasury", evm.Treasury().Hex()))
		gateway = evm
	}

	// Reconcile jobs are enqueued inside the reservation transaction; the
	// insert func is set once the River client exists.
	var insertMu sync.Mutex
	var insertFn withdrawal.InsertTxFunc
	insert := func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args, opts)
	}

	orchestrator := withdrawal.NewOrchestrator(store, gateway, insert, withdrawal.Config{
		Mode:           cfg.Withdrawal.Mode,
		Deadline:       cfg.Withdrawal.Deadline,
		ReconcileDelay: cfg.Withdrawal.ReconcileDelay,
		StaleAfter:     cfg.Withdrawal.StaleAfter,
		RetryIn:        cfg.Withdrawal.RetryIn,
		SettleTimeout:  cfg.Withdrawal.SettleTimeout,
	}, log.Named("withdrawal"))

	workers := river.NewWorkers()
	withdrawal.AddWorkers(workers, orchestrator)
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.DB.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: withdrawal.PeriodicJobs(cfg.Withdrawal.SweepInterval),
	})
	if err != nil {
		return err
	}
	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
		_, err := riverClient.InsertTx(ctx, tx, args, opts)
		return err
	}
	insertMu.Unlock()

	// Identity & auth
	verifier, err := identity.NewVerifier(identity.Config{
		AppID:     cfg.Identity.AppID,
		VerifyURL: cfg.Identity.VerifyURL,
		APIKey:    cfg.Identity.APIKey,
		Timeout:   cfg.Identity.Timeout,
	}, log.Named("identity"))
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(auth.NewRepository(pool), verifier, auth.Config{
		Secret:      cfg.Auth.JWTSecret,
		TTL:         cfg.Auth.TokenTTL,
		LoginAction: cfg.Identity.LoginAction,
	}, log.Named("auth"))
	if err != nil {
		return err
	}

	api := &handlers.Handler{
		Ledger:      store,
		Withdrawals: orchestrator,
		Awards:      awards.NewEngine(store, log.Named("awards")),
		Verifier:    verifier,
		Logger:      log.Named("http"),
	}
	mux := router.New(router.Deps{
		Auth:         auth.NewHandler(authSvc, log),
		Tokens:       authSvc,
		Balances:     store,
		API:          api,
		DB:           pool,
		ServiceToken: cfg.Auth.ServiceToken,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.App.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	if err := riverClient.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.App.HttpPort,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server",
			zap.String("addr", srv.Addr),
			zap.String("withdrawal_mode", orchestrator.Mode()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		log.Error("river stop", zap.Error(err))
	}
	return nil
}
