package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"newspulse/internal/config"
	"newspulse/internal/identity"
	"newspulse/internal/logging"
	"newspulse/internal/pipeline"
	"newspulse/internal/server"
	"newspulse/internal/store"
	"newspulse/internal/worker"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "newspulse",
	Short:         "newspulse - headline ingestion with sentiment, summaries and key phrases",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, cfg, logger, redisOptional)
		if err != nil {
			return err
		}
		defer a.close()

		report := a.pipeline().Run(ctx, cfg.Fetch.Categories)
		// Partial failure is a normal outcome; the report says what happened.
		return printJSON(report)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the ingestion worker and the optional scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, cfg, logger, redisRequired)
		if err != nil {
			return err
		}
		defer a.close()

		queue := worker.NewQueue(a.rdb)
		w := worker.NewWorker(queue, a.pipeline(), logging.Component(logger, "worker"))

		// Background loops must finish before the deferred close releases
		// Redis and Badger.
		var background sync.WaitGroup
		defer background.Wait()
		background.Go(func() { w.Start(ctx) })
		if cfg.Server.IngestInterval > 0 {
			background.Go(func() {
				worker.Schedule(ctx, queue, cfg.Server.IngestInterval, cfg.Fetch.Categories, logging.Component(logger, "scheduler"))
			})
		}
		if a.badger != nil {
			background.Go(func() {
				a.badger.RunGC(ctx, cfg.Store.Badger.GCInterval, logging.Component(logger, "badger"))
			})
		}

		srv := server.NewServer(a.catalog(), queue, a.metrics, logging.Component(logger, "server"))
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(cfg.Server.Addr)
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				stop()
				return err
			}
		case <-ctx.Done():
			logger.Info("Shutting down...")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", zap.Error(err))
		}
		stop()
		background.Wait()
		logger.Info("Goodbye!")
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued ingestion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, cfg, logger, redisRequired)
		if err != nil {
			return err
		}
		defer a.close()

		w := worker.NewWorker(worker.NewQueue(a.rdb), a.pipeline(), logging.Component(logger, "worker"))
		w.Start(ctx)
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the Redis and Meilisearch indexes from the article store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateStore(); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, cfg, logger, redisOptional)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.requireIndexers(); err != nil {
			return err
		}

		n, err := pipeline.Reindex(ctx, a.blob, a.indexers(), logging.Component(logger, "reindex"))
		fmt.Printf("reindexed %d records\n", n)
		return err
	},
}

var getCmd = &cobra.Command{
	Use:   "get <url|key>",
	Short: "Print one stored record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateStore(); err != nil {
			return err
		}
		key, err := identity.Resolve(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg, logger, redisOff)
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.catalog().Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no record for %s", args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var decodeKey bool

var keyCmd = &cobra.Command{
	Use:   "key <url>",
	Short: "Print the storage key for a URL, or the URL for a key with --decode",
	Args:  cobra.ExactArgs(1),
	// No config or logger needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			out string
			err error
		)
		if decodeKey {
			out, err = identity.URL(args[0])
		} else {
			out, err = identity.Key(args[0])
		}
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./newspulse.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("redis", "localhost:6379", "Address of Redis server")
	flags.String("badger", "./badger-data", "Path to BadgerDB data directory")
	flags.String("backend", "badger", "article store backend (badger or s3)")

	ingestCmd.Flags().StringSlice("category", nil, "category to ingest (repeatable; none means top headlines)")
	ingestCmd.Flags().String("source", "newsapi", "headline source (newsapi or rss)")
	ingestCmd.Flags().Int("page-size", 20, "articles per category")
	ingestCmd.Flags().Int("workers", 4, "concurrent articles")

	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
	serveCmd.Flags().Duration("interval", 0, "schedule an ingestion run every interval (0 disables)")
	serveCmd.Flags().StringSlice("category", nil, "categories for scheduled runs")
	serveCmd.Flags().Int("workers", 4, "concurrent articles")

	workerCmd.Flags().Int("workers", 4, "concurrent articles")

	keyCmd.Flags().BoolVar(&decodeKey, "decode", false, "decode a key back to its URL")

	rootCmd.AddCommand(ingestCmd, serveCmd, workerCmd, reindexCmd, getCmd, keyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
