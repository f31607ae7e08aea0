package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/surveyhelp/backend/internal/config"
	"github.com/surveyhelp/backend/internal/database"
	"github.com/surveyhelp/backend/internal/ledger"
	"github.com/surveyhelp/backend/internal/logger"
	"github.com/surveyhelp/backend/internal/settlement"
	"github.com/surveyhelp/backend/internal/withdrawal"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:          "marksctl",
	Short:        "Operator tool for the marks ledger",
	Long:         `Runs migrations, reconciles stuck withdrawals, resolves manual withdrawals and inspects balances.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "directory holding config.yaml")
}

// env is what the subcommands share.
type env struct {
	cfg   *config.Config
	log   *zap.Logger
	pool  *pgxpool.Pool
	store *ledger.Store
}

func (e *env) Close() {
	e.pool.Close()
	logger.Sync(e.log)
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Read(configDir)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}
	pool, err := database.Open(ctx, cfg.DB.URL, cfg.DB.MaxConns, log)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:   cfg,
		log:   log,
		pool:  pool,
		store: ledger.NewStore(pool, ledger.NewRepository(pool), log),
	}, nil
}

// orchestrator builds a withdrawal orchestrator without a job queue; the
// CLI runs reconciliation inline.
func (e *env) orchestrator(ctx context.Context) (*withdrawal.Orchestrator, error) {
	var gateway settlement.Gateway
	if e.cfg.Chain.Simulate {
		gateway = settlement.NewSimulated()
	} else if e.cfg.Chain.RPCURL != "" {
		evm, err := settlement.DialEVM(ctx, settlement.EVMConfig{
			RPCURL:         e.cfg.Chain.RPCURL,
			ChainID:        e.cfg.Chain.ChainID,
			TokenAddress:   e.cfg.Chain.TokenAddress,
			TreasuryKey:    e.cfg.Chain.TreasuryKey,
			ConfirmTimeout: e.cfg.Chain.ConfirmTimeout,
		}, e.log)
		if err != nil {
			return nil, err
		}
		gateway = evm
	}
	return withdrawal.NewOrchestrator(e.store, gateway, nil, withdrawal.Config{
		Mode:           e.cfg.Withdrawal.Mode,
		Deadline:       e.cfg.Withdrawal.Deadline,
		ReconcileDelay: e.cfg.Withdrawal.ReconcileDelay,
		StaleAfter:     e.cfg.Withdrawal.StaleAfter,
		RetryIn:        e.cfg.Withdrawal.RetryIn,
		SettleTimeout:  e.cfg.Withdrawal.SettleTimeout,
	}, e.log), nil
}
