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
	"github.com/septivank/energy-telemetry-service/internal/config"
	"github.com/septivank/energy-telemetry-service/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	// .env lookup covers containers, bin/ subdirectories and local checkouts
	envPaths := []string{
		".env",
		"../../.env",
		filepath.Join(".", ".env"),
	}

	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		grandParentDir := filepath.Dir(parentDir)

		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(grandParentDir, ".env"),
		)
	}

	envLoaded := false
	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				absPath, _ := filepath.Abs(envPath)
				fmt.Printf("Loaded environment from: %s\n", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		fmt.Println("No .env file found, using system environment variables (OK for pods/containers)")
	}

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			metrics.NewMetrics,
			ProvideClock,
			ProvideStore,
			ProvideRedisClient,
			ProvideCacheStore,
			ProvideTelemetryCache,
			ProvideLimiter,
			ProvideValidator,
			ProvideAnomalyDetector,
			ProvideEngine,
			ProvideMQConnection,
			ProvidePublisher,
			ProvideIngestService,
			ProvideQueryService,
			ProvideDeviceService,
			ProvideMessageProcessor,
			ProvideServer,
		),
		fx.Invoke(startHTTP, startConsumer, startReconciler),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// startup messages are logged before the fx logger exists
	tempLogger, _ := newLogger(&config.Config{ServiceName: "energy-telemetry-service"})
	tempLogger.Info("starting application...", zap.String("timeout", "30s"))

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("APPLICATION START TIMEOUT: Failed to start within 30 seconds. This usually means a dependency (Database, Redis or RabbitMQ) is not accessible. Check the error messages above for specific connection failures.")
		}
		panic(err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}
