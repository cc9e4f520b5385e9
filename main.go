package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"

	"corpusd/internal/adapter/gemini"
	"corpusd/internal/app"
	"corpusd/internal/config"
	"corpusd/internal/logger"
	"corpusd/internal/retry"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()

	retryPolicy := retry.Default()
	retryPolicy.MaxAttempts = cfg.EmbedRetryAttempts

	embedder, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, gemini.EmbedderConfig{
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
		BatchSize:  cfg.EmbedBatchSize,
		Retry:      retryPolicy,
	})
	if err != nil {
		slog.Error("failed to create embedder", "error", err)
		os.Exit(1)
	}
	defer embedder.Close()

	generator, err := gemini.NewGenerator(ctx, cfg.GeminiAPIKey, cfg.GenerationModel)
	if err != nil {
		slog.Error("failed to create generator", "error", err)
		os.Exit(1)
	}
	defer generator.Close()

	application, err := app.New(cfg, deps.DB, deps.VectorStore, deps.NSQProducer, embedder, generator)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	if cfg.EnableWorker {
		nsqCfg := nsq.NewConfig()
		consumer, err := nsq.NewConsumer(config.TopicIngestDocument, config.ChannelCoordinator, nsqCfg)
		if err != nil {
			slog.Error("failed to create NSQ consumer", "error", err)
			os.Exit(1)
		}
		consumer.AddConcurrentHandlers(nsq.HandlerFunc(func(m *nsq.Message) error {
			return application.Consumer.HandleMessage(m)
		}), cfg.IngestionConcurrency)

		if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
			slog.Error("failed to connect to NSQLookupd", "error", err)
			os.Exit(1)
		}
		slog.Info("ingestion consumer connected", "topic", config.TopicIngestDocument, "concurrency", cfg.IngestionConcurrency)
		defer consumer.Stop()
	}

	if cfg.EnableAPI {
		if err := application.Run(ctx); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Worker-only mode: block until a shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")
}
