package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xaenox/inbox-triage/internal/bot"
	"github.com/xaenox/inbox-triage/internal/classifier"
	"github.com/xaenox/inbox-triage/internal/httpapi"
	"github.com/xaenox/inbox-triage/internal/ingest"
	"github.com/xaenox/inbox-triage/internal/llm"
	"github.com/xaenox/inbox-triage/internal/locks"
	"github.com/xaenox/inbox-triage/internal/metrics"
	"github.com/xaenox/inbox-triage/internal/storage"
	"github.com/xaenox/inbox-triage/pkg/config"
	"github.com/xaenox/inbox-triage/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	clf, closeClassifier, err := newClassifier(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("Failed to initialize classifier", zap.Error(err))
	}
	defer closeClassifier()

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize contact locks", zap.Error(err))
	}
	defer closeLocker()

	opts := []ingest.Option{ingest.WithMetrics(m), ingest.WithLocker(locker)}

	var alerts *bot.Bot
	if cfg.Telegram.Token != "" {
		alerts, err = bot.New(cfg.Telegram.Token, cfg.Telegram.ChatID, nil, logger)
		if err != nil {
			logger.Fatal("Failed to create bot", zap.Error(err))
		}
		opts = append(opts, ingest.WithNotifier(alerts))
	}

	svc, err := ingest.NewService(clf, store, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to create ingest service", zap.Error(err))
	}

	if alerts != nil {
		alerts.SetConversations(svc)
		go alerts.Start(ctx)
		logger.Info("Telegram alerts enabled", zap.Int64("chat_id", cfg.Telegram.ChatID))
	}

	handler, err := httpapi.NewHandler(svc, logger)
	if err != nil {
		logger.Fatal("Failed to create handler", zap.Error(err))
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.NewRouter(httpapi.Config{
			Handler:        handler,
			MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Logger:         logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	if cfg.Database.Driver == storage.DriverMemory {
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}

	logger.Info("Using SQL storage", zap.String("driver", cfg.Database.Driver))
	return storage.OpenSQLStorage(ctx, storage.DatabaseConfig{
		Driver:     cfg.Database.Driver,
		Host:       cfg.Database.Host,
		Port:       cfg.Database.Port,
		User:       cfg.Database.User,
		Password:   cfg.Database.Password,
		DBName:     cfg.Database.DBName,
		SSLMode:    cfg.Database.SSLMode,
		SQLitePath: cfg.Database.SQLitePath,
	}, logger)
}

func newClassifier(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (classifier.Classifier, func(), error) {
	if cfg.Classifier.Strategy == config.StrategyKeyword {
		logger.Info("Using keyword classifier")
		return classifier.NewKeywordClassifier(m), func() {}, nil
	}

	gen, err := newGenerator(ctx, cfg, cfg.LLM.Provider)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LLM.FallbackProvider != "" {
		secondary, err := newGenerator(ctx, cfg, cfg.LLM.FallbackProvider)
		if err != nil {
			_ = llm.Close(gen)
			return nil, nil, err
		}
		if gen, err = llm.NewFallback(gen, secondary, logger); err != nil {
			return nil, nil, err
		}
	}
	closeGen := func() {
		if err := llm.Close(gen); err != nil {
			logger.Warn("Failed to close model client", zap.Error(err))
		}
	}

	logger.Info("Using model classifier",
		zap.String("provider", cfg.LLM.Provider),
		zap.String("fallback_provider", cfg.LLM.FallbackProvider),
		zap.Duration("timeout", cfg.Classifier.Timeout))
	clf, err := classifier.NewModelClassifier(gen, cfg.Classifier.Timeout, m, logger)
	if err != nil {
		closeGen()
		return nil, nil, err
	}
	return clf, closeGen, nil
}

func newGenerator(ctx context.Context, cfg *config.Config, provider string) (llm.Generator, error) {
	switch provider {
	case config.ProviderGemini:
		return llm.NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	case config.ProviderBedrock:
		return llm.NewBedrockFromEnv(ctx, cfg.Bedrock.Region, cfg.Bedrock.ModelID)
	default:
		return llm.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL)
	}
}

func newLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (locks.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		return locks.NewKeyedMutex(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	locker, err := locks.NewRedisLocker(client, "triage:contact-lock:", cfg.Redis.LockTTL, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("Using Redis contact locks", zap.String("addr", cfg.Redis.Addr))
	return locker, func() { _ = client.Close() }, nil
}
