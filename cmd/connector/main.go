package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/apps/ot-edge-connector/internal/bridge"
	"github.com/arc-self/apps/ot-edge-connector/internal/config"
	"github.com/arc-self/apps/ot-edge-connector/internal/credstore"
	"github.com/arc-self/apps/ot-edge-connector/internal/eventbus"
	"github.com/arc-self/apps/ot-edge-connector/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Vault credential store ---
	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		vaultAddr = "http://localhost:8200"
	}
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultToken == "" {
		vaultToken = "root"
	}
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/arc/ot-edge-connector"
	}

	store, err := credstore.NewVaultStore(vaultAddr, vaultToken, secretPath)
	if err != nil {
		logger.Fatal("vault credential store initialization failed", zap.Error(err))
	}

	// --- Configuration ---
	configPath := os.Getenv("OT_EDGE_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath, store, logger)
	if err != nil {
		logger.Fatal("failed to load connector configuration", zap.Error(err))
	}

	// --- OpenTelemetry metrics (best-effort: absence never blocks startup) ---
	var instruments *telemetry.Instruments
	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		mp, err := telemetry.InitMeterProvider(ctx, "ot-edge-connector", otelEndpoint)
		if err != nil {
			logger.Warn("otel meter provider initialization failed, continuing without metrics export", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mp.Shutdown(shutdownCtx)
			}()
			instruments, err = telemetry.NewInstruments()
			if err != nil {
				logger.Warn("otel instrument registration failed, continuing without metrics export", zap.Error(err))
				instruments = nil
			}
		}
	}

	// --- NATS JetStream event bus (best-effort) ---
	var events *eventbus.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		events, err = eventbus.NewClient(natsURL, logger)
		if err != nil {
			logger.Warn("nats event bus connection failed, continuing without lifecycle events", zap.Error(err))
		} else {
			defer events.Close()
			if err := events.ProvisionStream(); err != nil {
				logger.Warn("nats stream provisioning failed", zap.Error(err))
			}
		}
	}

	b, err := bridge.New(cfg, logger, instruments, events, store)
	if err != nil {
		logger.Fatal("failed to construct bridge", zap.Error(err))
	}

	if err := b.Start(ctx); err != nil {
		logger.Fatal("failed to start bridge", zap.Error(err))
	}
	logger.Info("ot-edge-connector running")

	<-ctx.Done()
	logger.Info("shutdown signal received, draining pipeline")

	stopCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx); err != nil {
		logger.Error("bridge shutdown reported errors", zap.Error(err))
	}
}
