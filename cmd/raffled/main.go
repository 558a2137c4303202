package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cemeheeb/custodial-raffle/internal/blockchain"
	"github.com/cemeheeb/custodial-raffle/internal/config"
	"github.com/cemeheeb/custodial-raffle/internal/coordinator"
	"github.com/cemeheeb/custodial-raffle/internal/keyvault"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
	"github.com/cemeheeb/custodial-raffle/internal/orchestrator"
	"github.com/cemeheeb/custodial-raffle/internal/storage"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "raffled",
	Short:         "Custodial raffle service",
	Long:          "Holds custodial wallets, enters them into the on-chain raffle and mirrors raffle and token events into the local ledger.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		return logger.Initialize(cfg.Log)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListen(cmd.Context())
	},
}

// app holds the wired components shared by every command.
type app struct {
	storage     *storage.SqliteStorage
	client      *blockchain.EthClient
	vault       *keyvault.Vault
	coordinator *coordinator.Coordinator
}

func newApp(ctx context.Context) (*app, error) {
	vault, err := keyvault.New(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewSqliteStorage(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	client, err := blockchain.Dial(ctx, blockchain.Options{
		URLs:          cfg.RPCURLs,
		ChainID:       cfg.ChainID,
		RaffleAddress: cfg.RaffleAddress,
		TokenAddress:  cfg.TokenAddress,
		RPCTimeout:    cfg.RPCTimeout,
		GasMultiplier: cfg.GasMultiplier,
		RateLimit:     cfg.RPCRateLimit,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	transactor := orchestrator.New(client, vault, store, orchestrator.Options{
		ReceiptTimeout:    cfg.ReceiptTimeout,
		AdminEncryptedKey: cfg.AdminEncryptedKey,
	})

	return &app{
		storage:     store,
		client:      client,
		vault:       vault,
		coordinator: coordinator.New(client, vault, store, transactor),
	}, nil
}

func (a *app) close() {
	a.client.Close()
	if err := a.storage.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close storage: %v\n", err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
