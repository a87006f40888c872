package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dlcs/protagonist-sub004/db"
	internaldb "github.com/dlcs/protagonist-sub004/internal/db"
	"github.com/dlcs/protagonist-sub004/pkg/engine/config"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "err", err)
	}

	rootCmd := &cobra.Command{
		Use:   "engine",
		Short: "Asset ingestion engine",
		Long:  "Ingests tenant assets into delivery-ready derivatives. Configuration is read from ENGINE_* environment variables.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	rootCmd.AddCommand(serveCommand(), consumeCommand(), migrateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func serveCommand() *cobra.Command {
	var withConsumer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the synchronous ingest API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), withConsumer)
		},
	}
	cmd.Flags().BoolVar(&withConsumer, "consume", false, "also consume the configured queues in this process")
	return cmd
}

func consumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume ingest requests from the configured queues.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(cmd.Context())
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version|force N]",
		Short:     "Apply or roll back database migrations.",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{"up", "down", "version", "force"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.UsesMemoryDatabase() {
				return errors.New("migrate requires ENGINE_DATABASE_URL to point at postgres")
			}
			migrations, err := fs.Sub(db.MigrationsFS, "migrations")
			if err != nil {
				return err
			}
			return internaldb.RunMigrate(slog.Default(), cfg.DatabaseURL, cfg.DBSchema, migrations, args[0], args[1:])
		},
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runServe(parent context.Context, withConsumer bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	e, err := cfg.Build(ctx, slog.Default())
	if err != nil {
		return err
	}
	defer e.Close()

	server, err := e.Server()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Ingestion engine starting", "port", cfg.Port, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if withConsumer {
		sources, err := e.Sources(ctx)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		consumer, err := e.Consumer(sources)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	return g.Wait()
}

func runConsume(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	e, err := cfg.Build(ctx, slog.Default())
	if err != nil {
		return err
	}
	defer e.Close()

	sources, err := e.Sources(ctx)
	if err != nil {
		return err
	}
	consumer, err := e.Consumer(sources)
	if err != nil {
		return err
	}

	if err := consumer.Run(ctx); err != nil {
		return err
	}
	slog.Info("Consumer stopped")
	return nil
}
