package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aquachain/anchor-core/anchor"
	"github.com/aquachain/anchor-core/anchor/ethereum"
	"github.com/aquachain/anchor-core/api"
	"github.com/aquachain/anchor-core/config"
	"github.com/aquachain/anchor-core/database"
	"github.com/aquachain/anchor-core/database/level"
	"github.com/aquachain/anchor-core/database/postgres"
	"github.com/aquachain/anchor-core/relay"
	"github.com/aquachain/anchor-core/snapshot"
	"github.com/aquachain/anchor-core/types"
	"github.com/aquachain/anchor-core/util"
	"github.com/common-nighthawk/go-figure"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
)

var home string

func openStore(cfg types.AnchorConfig) (database.TxLifecycleStore, error) {
	logger := (*cfg.Logger).With("module", "store")
	if cfg.DBType == "postgres" {
		return postgres.NewPGFromURI(cfg.PostgresURI, logger)
	}
	return level.Open(cfg.DBType, cfg.DataDir, logger)
}

// dialLedger returns a nil client when anchoring has to stay disabled
func dialLedger(ctx context.Context, cfg types.AnchorConfig) *ethereum.Client {
	logger := *cfg.Logger
	client, err := ethereum.Dial(ctx, cfg.Ledger, logger.With("module", "ledger"))
	if errors.Is(err, ethereum.ErrNoContract) {
		logger.Error("No IrrigationAudit contract address configured, anchoring disabled")
		return nil
	}
	if err != nil {
		logger.Error("Ledger unreachable, anchoring disabled", "err", err.Error())
		return nil
	}
	return client
}

func serve(cfg types.AnchorConfig) error {
	logger := *cfg.Logger
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBType, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var submitter anchor.Submitter
	signer := ethereum.SignerNone
	client := dialLedger(ctx, cfg)
	if client != nil {
		defer client.Close()
		signer, err = client.ResolveSigner(ctx, cfg.Ledger)
		if err != nil {
			logger.Error("Could not resolve a signer, anchoring disabled", "err", err.Error())
		}
		if client.CanSign() {
			submitter = client
		} else {
			logger.Info("No signer available, anchoring disabled")
		}
	}

	svc := anchor.NewService(submitter, store, nil, logger.With("module", "anchor"))
	svc.Signer = string(signer)
	if cfg.Ledger.SendTimeout > 0 {
		svc.SendTimeout = cfg.Ledger.SendTimeout
	}
	svc.Start(ctx)

	if client != nil && cfg.Ledger.StreamURL != "" {
		listener := anchor.NewListener(client, store, svc.Notifier(), logger.With("module", "listener"))
		go listener.Run(ctx)
	}
	if client != nil && cfg.ReconcileInterval > 0 {
		reconciler := anchor.NewReconciler(client, store, svc.Notifier(), logger.With("module", "reconciler"))
		go reconciler.RunEvery(ctx, cfg.ReconcileInterval)
	}
	if cfg.RedisURI != "" {
		rl, redisClient, err := relay.Connect(cfg.RedisURI, cfg.RedisChannel, logger.With("module", "relay"))
		if err != nil {
			logger.Error("Redis relay disabled", "err", err.Error())
		} else {
			defer redisClient.Close()
			svc.Subscribe(rl.Notify)
			go rl.Run(ctx)
		}
	}

	apiHandler := api.NewAPI(svc, store, logger.With("module", "api"))
	router, err := apiHandler.Router()
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:      router,
		Addr:         ":" + cfg.APIPort,
		WriteTimeout: apiHandler.AnchorTimeout + 15*time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Wait forever, shutdown gracefully upon
	tmos.TrapSignal(logger, func() {
		logger.Info("Shutting down anchor service...")
		cancel()
		svc.Stop()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		util.LoggerError(logger, server.Shutdown(shutdownCtx))
		util.LoggerError(logger, store.Close())
	})

	logger.Info("Started anchor service", "port", cfg.APIPort, "enabled", svc.Enabled(), "signer", svc.Signer)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func reconcile(cfg types.AnchorConfig, out io.Writer) error {
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBType, err)
	}
	defer store.Close()
	ctx := context.Background()
	client, err := ethereum.Dial(ctx, cfg.Ledger, (*cfg.Logger).With("module", "ledger"))
	if errors.Is(err, ethereum.ErrNoContract) {
		return anchor.ErrNotConfigured
	}
	if err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}
	defer client.Close()
	reconciler := anchor.NewReconciler(client, store, nil, (*cfg.Logger).With("module", "reconciler"))
	report, err := reconciler.Run(ctx, cfg.Window)
	if err != nil {
		return err
	}
	return printJSON(out, report)
}

func hash(in io.Reader, out io.Writer) error {
	snap, err := snapshot.DecodeSnapshot(in)
	if err != nil {
		return err
	}
	contentHash, err := snapshot.ComputeContentHash(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, contentHash)
	return err
}

func printJSON(out io.Writer, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(raw))
	return err
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "anchor-core",
		Short:         "Anchors irrigation sensor snapshots on the IrrigationAudit contract",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the submission queue, log listener and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.InitConfig(home, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Scan a block window for Log events and confirm matching pending rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.InitConfig(home, cmd.Flags())
			if err != nil {
				return err
			}
			return reconcile(cfg, cmd.OutOrStdout())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "hash [snapshot.json]",
		Short: "Print the content hash of a snapshot read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || args[0] == "-" {
				return hash(cmd.InOrStdin(), cmd.OutOrStdout())
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			return hash(file, cmd.OutOrStdout())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Interactively write the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = filepath.Join(home, config.ConfigFileName)
			}
			return setup(path)
		},
	})
	return root
}

func main() {
	figure.NewColorFigure("Anchor Core", "colossal", "green", false).Print()
	homedirname, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	home = util.GetEnv("ANCHOR_HOME", filepath.Join(homedirname, ".anchor-core"))

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
