package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/septivank/climate-stream-worker/internal/config"
)

const lifecycleTimeout = 30 * time.Second

func main() {
	loadEnvFile()

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideMetrics,
			ProvideMetricsServer,
			ProvideMQConnection,
			ProvideSource,
			ProvideRejectPublisher,
			ProvideDestination,
			ProvideIndexSink,
			ProvideLocation,
			ProvideValidator,
			ProvideEnricher,
			ProvideBatchBuffer,
			ProvideStreamPump,
		),
		fx.Invoke(startPump),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Logger for messages emitted outside the fx graph
	tempLogger, _ := newLogger(&config.Config{ServiceName: "climate-stream-worker"})
	tempLogger.Info("starting application...", zap.Duration("timeout", lifecycleTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("APPLICATION START TIMEOUT: Failed to start within 30 seconds. This usually means a dependency (Kafka, RabbitMQ, Elasticsearch or the database) is not accessible. Check the error messages above for specific connection failures.")
		}
		tempLogger.Error("application failed to start", zap.Error(err))
		os.Exit(1)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		tempLogger.Info("shutdown signal received")
	case sig := <-app.Wait():
		exitCode = sig.ExitCode
	}

	// Stop application gracefully
	stopCtx, stopCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		tempLogger.Error("error stopping app", zap.Error(err))
		if exitCode == 0 {
			exitCode = 1
		}
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// loadEnvFile loads the first .env found in the working directory or one
// of its parents. A missing file is fine in pods and containers.
func loadEnvFile() {
	envPaths := []string{".env", "../../.env"}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Printf("Loaded environment from: %s\n", absPath)
			return
		}
	}

	fmt.Println("No .env file found, using system environment variables (OK for pods/containers)")
}
