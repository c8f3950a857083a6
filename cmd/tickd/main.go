package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tickd/tickd/internal/cache"
	"github.com/tickd/tickd/internal/config"
	"github.com/tickd/tickd/internal/httpapi"
	"github.com/tickd/tickd/internal/plugin"
	"github.com/tickd/tickd/internal/service"
	"github.com/tickd/tickd/internal/storage/postgres"

	_ "github.com/tickd/tickd/internal/plugin/kraken"
)

const (
	appName = "tickd"
	version = "v0.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-provider OHLCV market data service",
		Version: version,
		Long: `tickd serves normalized OHLCV market data pulled from exchange
providers, with a tiered read path (aggregate views, cache, provider),
background gap backfill, and live websocket streaming.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the data service",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(level)
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List compiled-in provider plugins",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range plugin.Registered() {
				fmt.Println(name)
			}
		},
	}
	rootCmd.AddCommand(providersCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := postgres.Connect(postgres.Config{
		DSN:             cfg.Database.DSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    time.Duration(cfg.Database.TimeoutSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("database migrate: %w", err)
	}

	barCache := cache.NewRedis(cache.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		TTL1mGroup:   time.Duration(cfg.Cache.TTL1mGroupSec) * time.Second,
		TTLResampled: time.Duration(cfg.Cache.TTLResampledSec) * time.Second,
		MaxGroupBars: cfg.Cache.MaxGroupBars,
	})
	defer barCache.Close()

	registry, err := service.NewRegistry(cfg, store, barCache)
	if err != nil {
		return err
	}

	server := httpapi.NewServer(cfg.Server, cfg.WS, registry, store, barCache)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	grace := time.Duration(cfg.Server.ShutdownSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	registry.Shutdown(grace)
	return nil
}
