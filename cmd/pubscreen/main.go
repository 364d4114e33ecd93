// Command pubscreen runs the screening service: the control API and the
// worker pool in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pubscreen/internal/config"
	"pubscreen/internal/llm"
	"pubscreen/internal/logging"
	"pubscreen/internal/server"
	"pubscreen/internal/store"
	"pubscreen/internal/worker"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "pubscreen",
		Short:   "LLM-based scholarly article screening service",
		Version: version,
	}

	var envFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	serveCmd.Flags().StringVar(&envFile, "env-file", ".env", "path to the .env file")
	root.AddCommand(serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, envFile string) error {
	logger := logging.NewComponentLogger("main")

	cfg, err := config.LoadFrom(envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	settings := cfg.Snapshot()
	if settings.MongoURI == "" {
		return fmt.Errorf("MONGODB_URI is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	st, err := store.ConnectMongo(connectCtx, settings.MongoURI, settings.MongoDB)
	if err != nil {
		return fmt.Errorf("mongodb: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Error("Close store: %v", err)
		}
	}()

	if err := st.EnsureIndexes(connectCtx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	client := llm.NewOllamaClient(llm.Config{
		BaseURL:        settings.OllamaAPIURL,
		RequestTimeout: settings.RequestTimeout,
		MaxRetries:     settings.MaxRetries,
	})
	client.Init()
	defer client.Close()

	pool := worker.NewPool(settings.Workers, st, cfg, client)
	srv := server.New(st, st.Ping)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("pubscreen %s starting on %s (%d workers, model %s)",
		version, httpServer.Addr, settings.Workers, settings.OllamaModel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(gctx)
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
