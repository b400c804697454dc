package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/acme/order-dispatch/internal/app"
	"github.com/acme/order-dispatch/internal/telemetry"
	"github.com/acme/order-dispatch/internal/worker/inbound"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	if container.Kafka == nil {
		log.Fatalf("inbound worker requires kafka brokers")
	}

	shutdown, err := telemetry.Setup(ctx, container.Config.App, container.Config.Telemetry, "inboundworker")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	cfg := container.Config.Kafka
	reader := container.Kafka.NewReader(cfg.InboundTopic, cfg.ConsumerGroupID+"-inbound")
	worker := inbound.New(reader, container.Services().Router, container.Logger.Logger)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("inbound worker terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
